// Package surface renders review analysis into mounted page regions.
//
// A Surface is the inject.Mounter for revlens widgets. Each mounted region
// gets its own widget whose content follows the relay call for the page:
// loading while the call is in flight, then either the typed analysis or
// the failure message.
package surface

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/revlens/inject"
	"github.com/hazyhaar/revlens/relay"
	"github.com/hazyhaar/revlens/reviewurl"
)

// Canvas is the part of a page a Surface writes to.
type Canvas interface {
	URL(ctx context.Context) (string, error)
	SetHTML(ctx context.Context, n inject.Node, html string) error
	OuterHTML(ctx context.Context, n inject.Node) (string, error)
}

// Status of a widget.
type Status string

const (
	NoData  Status = "no_data"
	Loading Status = "loading"
	Error   Status = "error"
	Ready   Status = "ready"
)

// MsgNotProductPage is shown when the page URL has no reviews page.
const MsgNotProductPage = "not a product page"

// Widget is a snapshot of one mounted widget.
type Widget struct {
	ID        string
	Variant   string
	Status    Status
	Message   string
	ReviewURL string
	Analysis  *relay.Analysis
	// Original is the sanitised HTML of the preserved region.
	Original string
}

// Surface is safe for concurrent use.
type Surface struct {
	canvas   Canvas
	analyzer relay.Analyzer
	policy   *bluemonday.Policy
	logger   *slog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	widgets map[string]*Widget
	order   []string
}

// Option configures a Surface.
type Option func(*Surface)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Surface) { s.logger = l }
}

// WithPolicy replaces the sanitising policy for preserved originals.
func WithPolicy(p *bluemonday.Policy) Option {
	return func(s *Surface) { s.policy = p }
}

// New returns a Surface writing to canvas and asking analyzer for data.
func New(canvas Canvas, analyzer relay.Analyzer, opts ...Option) *Surface {
	s := &Surface{
		canvas:   canvas,
		analyzer: analyzer,
		policy:   DefaultPolicy(),
		logger:   slog.Default(),
		widgets:  make(map[string]*Widget),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DefaultPolicy keeps user-generated markup and class names, so the
// host's own styles still apply to the preserved ratings.
func DefaultPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Globally()
	return p
}

// Mount renders the initial state of a widget into r.Owned and starts the
// relay call for the page. It returns once the initial state is on the
// page; use Wait to join the call.
func (s *Surface) Mount(ctx context.Context, r inject.MountResult) error {
	w := Widget{ID: r.Request.ID, Variant: r.Request.Widget, Status: NoData}
	if w.Variant == "" {
		w.Variant = inject.WidgetPanel
	}
	if r.Original != nil {
		raw, err := s.canvas.OuterHTML(ctx, r.Original)
		if err != nil {
			s.logger.Warn("surface: original unavailable", "id", w.ID, "error", err)
		} else {
			w.Original = s.policy.Sanitize(raw)
		}
	}

	pageURL, err := s.canvas.URL(ctx)
	if err != nil {
		return fmt.Errorf("surface: page url: %w", err)
	}
	target := reviewurl.Derive(pageURL)
	if target == "" {
		w.Message = MsgNotProductPage
		s.store(w)
		return s.render(ctx, r.Owned, w)
	}
	w.ReviewURL = target
	w.Status = Loading
	s.store(w)
	if err := s.render(ctx, r.Owned, w); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.analyzer.Handle(ctx, relay.Request{URL: target}, pageURL)
		if res.OK {
			w.Status = Ready
			w.Analysis = res.Analysis
		} else {
			w.Status = Error
			w.Message = res.Message
		}
		s.store(w)
		if err := s.render(ctx, r.Owned, w); err != nil {
			s.logger.Warn("surface: render failed", "id", w.ID, "status", w.Status, "error", err)
			return
		}
		s.logger.Debug("surface: widget updated", "id", w.ID, "status", w.Status)
	}()
	return nil
}

// Wait blocks until every relay call started by Mount has been rendered.
func (s *Surface) Wait() { s.wg.Wait() }

// Widgets returns snapshots of the mounted widgets in mount order.
func (s *Surface) Widgets() []Widget {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Widget, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.widgets[id])
	}
	return out
}

func (s *Surface) store(w Widget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.widgets[w.ID]; !ok {
		s.order = append(s.order, w.ID)
	}
	s.widgets[w.ID] = &w
}

func (s *Surface) render(ctx context.Context, n inject.Node, w Widget) error {
	out, err := Render(w)
	if err != nil {
		return err
	}
	if err := s.canvas.SetHTML(ctx, n, out); err != nil {
		return fmt.Errorf("surface: write %s: %w", w.ID, err)
	}
	return nil
}
