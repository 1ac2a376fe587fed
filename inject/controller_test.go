package inject_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/revlens/inject"
	"github.com/hazyhaar/revlens/inject/htmldoc"
)

const productPage = `<html><body>
<div class="row">
  <div class="ISksQ2"><span>4.3 stars</span></div>
  <div class="col pPAw9M"><div class="ratings"><b>12,034</b> ratings</div><img class="LctmNn" src="https://cdn/fa_9e47c1.png"></div>
</div>
</body></html>`

const emptyPage = `<html><body><div class="row"></div></body></html>`

// countingDoc wraps a Document and counts calls.
type countingDoc struct {
	inject.Document
	calls   atomic.Int64
	queries sync.Map // selector -> *atomic.Int64

	failReplace atomic.Int64 // number of Replace calls to fail
}

func (c *countingDoc) Query(ctx context.Context, sel string) (inject.Node, bool, error) {
	c.calls.Add(1)
	v, _ := c.queries.LoadOrStore(sel, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
	return c.Document.Query(ctx, sel)
}

func (c *countingDoc) Clone(ctx context.Context, n inject.Node) (inject.Node, error) {
	c.calls.Add(1)
	return c.Document.Clone(ctx, n)
}

func (c *countingDoc) CreateMount(ctx context.Context, id string) (inject.Node, error) {
	c.calls.Add(1)
	return c.Document.CreateMount(ctx, id)
}

func (c *countingDoc) Replace(ctx context.Context, t, r inject.Node) error {
	c.calls.Add(1)
	if c.failReplace.Load() > 0 {
		c.failReplace.Add(-1)
		return errors.New("replace refused")
	}
	return c.Document.Replace(ctx, t, r)
}

func (c *countingDoc) RemoveAll(ctx context.Context, sel string) (int, error) {
	c.calls.Add(1)
	return c.Document.RemoveAll(ctx, sel)
}

func (c *countingDoc) queryCount(sel string) int64 {
	v, ok := c.queries.Load(sel)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func parse(t *testing.T, page string) *htmldoc.Document {
	t.Helper()
	d, err := htmldoc.ParseString(page, "https://www.flipkart.com/x/p/itm1")
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func newController(t *testing.T, doc inject.Document, m inject.Mounter, cfg inject.Config) *inject.Controller {
	t.Helper()
	c, err := inject.New(doc, m, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRun_ImmediateMatch(t *testing.T) {
	d := parse(t, productPage)
	before, _ := goquery.OuterHtml(d.Find(".col.pPAw9M"))

	var mounted []string
	m := inject.MounterFunc(func(_ context.Context, r inject.MountResult) error {
		mounted = append(mounted, r.Request.ID)
		return nil
	})
	out, err := newController(t, d, m, inject.Config{}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.State != inject.Satisfied {
		t.Fatalf("state: got %v", out.State)
	}
	if len(out.Results) != 2 || len(mounted) != 2 || len(out.Pending) != 0 {
		t.Fatalf("results %d, mounted %v, pending %v", len(out.Results), mounted, out.Pending)
	}

	for _, r := range out.Results {
		if !r.Found || r.Owned == nil {
			t.Errorf("%s: incomplete result", r.Request.ID)
		}
		if d.Find("#"+r.Request.ID).Length() != 1 {
			t.Errorf("%s: mount not in page", r.Request.ID)
		}
		if r.Request.PreserveOriginal {
			got, _ := d.OuterHTML(context.Background(), r.Original)
			// The badge inside the original is stripped before the clone.
			want := strings.Replace(before, `<img class="LctmNn" src="https://cdn/fa_9e47c1.png"/>`, "", 1)
			if got != want {
				t.Errorf("original:\n got  %s\n want %s", got, want)
			}
		} else if r.Original != nil {
			t.Errorf("%s: original kept without PreserveOriginal", r.Request.ID)
		}
	}
	if d.Find(".ISksQ2").Length() != 0 || d.Find(".pPAw9M").Length() != 0 {
		t.Error("targets still in page")
	}
	style, _ := d.Find("#my-react-root-1").Attr("style")
	if !strings.Contains(style, "width: 100%") || !strings.Contains(style, "height: 100%") {
		t.Errorf("mount style: %q", style)
	}
	if out.BadgesRemoved != 1 {
		t.Errorf("badges removed: %d", out.BadgesRemoved)
	}
}

func TestRun_DelayedInsert(t *testing.T) {
	d := parse(t, emptyPage)
	go func() {
		time.Sleep(50 * time.Millisecond)
		d.AppendHTML(".row", `<div class="ISksQ2">panel</div>`)
		time.Sleep(20 * time.Millisecond)
		d.AppendHTML(".row", `<div class="col pPAw9M"><p>ratings <i>here</i></p></div>`)
	}()

	start := time.Now()
	out, err := newController(t, d, nil, inject.Config{Timeout: 5 * time.Second}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.State != inject.Satisfied {
		t.Fatalf("state: got %v", out.State)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("satisfied too late")
	}
	got, _ := d.OuterHTML(context.Background(), out.Results[1].Original)
	if got != `<div class="col pPAw9M"><p>ratings <i>here</i></p></div>` {
		t.Errorf("original: %s", got)
	}
}

func TestRun_TimeoutStopsAllWork(t *testing.T) {
	d := parse(t, emptyPage)
	cd := &countingDoc{Document: d}

	out, err := newController(t, cd, nil, inject.Config{
		Timeout:       100 * time.Millisecond,
		BadgeInterval: 10 * time.Millisecond,
	}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.State != inject.TimedOut {
		t.Fatalf("state: got %v", out.State)
	}
	if len(out.Pending) != 2 || len(out.Results) != 0 {
		t.Fatalf("pending %d, results %d", len(out.Pending), len(out.Results))
	}

	calls := cd.calls.Load()
	d.AppendHTML(".row", `<div class="ISksQ2"></div>`)
	time.Sleep(60 * time.Millisecond)
	if got := cd.calls.Load(); got != calls {
		t.Fatalf("document calls after Run returned: %d -> %d", calls, got)
	}
	if d.Find(".ISksQ2").Length() != 1 {
		t.Fatal("late target was claimed")
	}
}

func TestRun_PartialAtTimeout(t *testing.T) {
	d := parse(t, `<html><body><div class="row"><div class="ISksQ2"></div></div></body></html>`)

	out, err := newController(t, d, nil, inject.Config{Timeout: 50 * time.Millisecond}).Run(context.Background())
	if err != nil {
		t.Fatalf("partial success must not be an error: %v", err)
	}
	if out.State != inject.TimedOut || len(out.Results) != 1 || len(out.Pending) != 1 {
		t.Fatalf("got %+v", out)
	}
	if out.Pending[0].ID != "my-react-root-2" {
		t.Errorf("pending: %v", out.Pending)
	}
}

func TestRun_NoReclaim(t *testing.T) {
	d := parse(t, `<html><body><div class="row"><div class="ISksQ2"></div></div></body></html>`)
	cd := &countingDoc{Document: d}

	go func() {
		time.Sleep(30 * time.Millisecond)
		d.AppendHTML(".row", `<div class="ISksQ2">second</div>`)
		time.Sleep(30 * time.Millisecond)
		d.AppendHTML(".row", `<div class="col pPAw9M"></div>`)
	}()

	out, err := newController(t, cd, nil, inject.Config{Timeout: 5 * time.Second}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.State != inject.Satisfied || len(out.Results) != 2 {
		t.Fatalf("got %+v", out)
	}
	if n := cd.queryCount(".ISksQ2"); n != 1 {
		t.Errorf("claimed selector queried %d times, want 1", n)
	}
	if d.Find(".ISksQ2").Length() != 1 || d.Find("#my-react-root-1").Length() != 1 {
		t.Error("second panel should stay untouched")
	}
}

func TestRun_BadgeStripping(t *testing.T) {
	d := parse(t, `<html><body><div class="row"><img class="LctmNn" src="/fa_9e47c1.png"></div></body></html>`)
	go func() {
		time.Sleep(30 * time.Millisecond)
		d.Mutate(func(doc *goquery.Document) {
			doc.Find(".row").AppendHtml(`<img class="LctmNn" src="/img/fa_9e47c1.png?v=2">`)
		})
	}()

	out, _ := newController(t, d, nil, inject.Config{
		Timeout:       150 * time.Millisecond,
		BadgeInterval: 10 * time.Millisecond,
	}).Run(context.Background())

	if out.BadgesRemoved != 2 {
		t.Errorf("badges removed: got %d, want 2", out.BadgesRemoved)
	}
	if d.Find("img.LctmNn").Length() != 0 {
		t.Error("badge left in page")
	}
}

func TestRun_Cancelled(t *testing.T) {
	d := parse(t, emptyPage)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	out, err := newController(t, d, nil, inject.Config{Timeout: 5 * time.Second}).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if out.State != inject.Cancelled {
		t.Fatalf("state: got %v", out.State)
	}
}

func TestRun_FailedStepRetried(t *testing.T) {
	d := parse(t, `<html><body><div class="row"><div class="ISksQ2"></div></div></body></html>`)
	cd := &countingDoc{Document: d}
	cd.failReplace.Store(1)

	go func() {
		time.Sleep(30 * time.Millisecond)
		d.AppendHTML(".row", `<span>unrelated</span>`)
	}()

	cfg := inject.Config{
		Requests: []inject.MountRequest{{ID: "m", Selector: ".ISksQ2", Widget: inject.WidgetPanel}},
		Timeout:  5 * time.Second,
	}
	out, err := newController(t, cd, nil, cfg).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.State != inject.Satisfied {
		t.Fatalf("state: got %v", out.State)
	}
	if d.Find("#m").Length() != 1 {
		t.Fatal("mount missing after retry")
	}
}

func TestRun_Twice(t *testing.T) {
	c := newController(t, parse(t, productPage), nil, inject.Config{})
	c.Run(context.Background())
	if _, err := c.Run(context.Background()); !errors.Is(err, inject.ErrAlreadyRun) {
		t.Fatalf("second Run: got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	d := parse(t, emptyPage)
	cases := []inject.Config{
		{Requests: []inject.MountRequest{{ID: "a", Selector: "div[["}}},
		{Requests: []inject.MountRequest{{ID: "", Selector: "div"}}},
		{Requests: []inject.MountRequest{{ID: "a", Selector: "div"}, {ID: "a", Selector: "p"}}},
		{BadgeSelector: "img[src*="},
	}
	for i, cfg := range cases {
		if _, err := inject.New(d, nil, cfg); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
	if _, err := inject.New(nil, nil, inject.Config{}); err == nil {
		t.Error("nil document accepted")
	}
}
