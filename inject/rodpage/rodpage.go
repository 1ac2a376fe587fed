// Package rodpage is an inject.Document backed by a live Chrome tab.
//
// Nodes are *rod.Element handles. Mutation batches reach Go through a
// Runtime.addBinding binding called by an injected MutationObserver.
package rodpage

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/revlens/inject"
)

//go:embed observe.js
var observeJS string

const bindingName = "__revlens_mutation"

const (
	cloneJS = `() => this.cloneNode(true)`
	mountJS = `(id) => {
		const d = document.createElement("div");
		d.id = id;
		d.style.width = "100%";
		d.style.height = "100%";
		return d;
	}`
	replaceJS = `(n) => {
		if (!this.parentNode) return false;
		this.replaceWith(n);
		return true;
	}`
	removeAllJS = `(sel) => {
		const ns = document.querySelectorAll(sel);
		ns.forEach((n) => n.remove());
		return ns.length;
	}`
	disconnectJS = `() => {
		if (window.__revlensObserver) {
			window.__revlensObserver.disconnect();
			window.__revlensObserver = null;
		}
	}`
	setHTMLJS   = `(html) => { this.innerHTML = html; }`
	outerHTMLJS = `() => this.outerHTML`
)

// Page adapts a rod page.
type Page struct {
	page   *rod.Page
	logger *slog.Logger

	bindOnce sync.Once
	bindErr  error
}

// New wraps page. logger may be nil.
func New(page *rod.Page, logger *slog.Logger) *Page {
	if logger == nil {
		logger = slog.Default()
	}
	return &Page{page: page, logger: logger}
}

// Rod returns the underlying page.
func (p *Page) Rod() *rod.Page { return p.page }

// URL returns the current address of the tab.
func (p *Page) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("rodpage: info: %w", err)
	}
	return info.URL, nil
}

func (p *Page) Query(ctx context.Context, selector string) (inject.Node, bool, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, false, fmt.Errorf("rodpage: query %q: %w", selector, err)
	}
	if els.Empty() {
		return nil, false, nil
	}
	return els.First(), true, nil
}

func (p *Page) Clone(ctx context.Context, n inject.Node) (inject.Node, error) {
	el, err := asElement(n)
	if err != nil {
		return nil, err
	}
	obj, err := el.Context(ctx).Evaluate(rod.Eval(cloneJS).ByObject())
	if err != nil {
		return nil, fmt.Errorf("rodpage: clone: %w", err)
	}
	clone, err := p.page.Context(ctx).ElementFromObject(obj)
	if err != nil {
		return nil, fmt.Errorf("rodpage: clone handle: %w", err)
	}
	return clone, nil
}

func (p *Page) CreateMount(ctx context.Context, id string) (inject.Node, error) {
	el, err := p.page.Context(ctx).ElementByJS(rod.Eval(mountJS, id))
	if err != nil {
		return nil, fmt.Errorf("rodpage: create mount: %w", err)
	}
	return el, nil
}

func (p *Page) Replace(ctx context.Context, target, replacement inject.Node) error {
	t, err := asElement(target)
	if err != nil {
		return err
	}
	r, err := asElement(replacement)
	if err != nil {
		return err
	}
	res, err := t.Context(ctx).Eval(replaceJS, r.Object)
	if err != nil {
		return fmt.Errorf("rodpage: replace: %w", err)
	}
	if !res.Value.Bool() {
		return inject.ErrNoParent
	}
	return nil
}

func (p *Page) RemoveAll(ctx context.Context, selector string) (int, error) {
	res, err := p.page.Context(ctx).Eval(removeAllJS, selector)
	if err != nil {
		return 0, fmt.Errorf("rodpage: remove %q: %w", selector, err)
	}
	return res.Value.Int(), nil
}

// Observe injects the MutationObserver and forwards each batch to notify.
// Navigation drops the observer together with the document.
func (p *Page) Observe(ctx context.Context, notify func()) (func(), error) {
	p.bindOnce.Do(func() {
		p.bindErr = proto.RuntimeAddBinding{Name: bindingName}.Call(p.page)
	})
	if p.bindErr != nil {
		return nil, fmt.Errorf("rodpage: add binding: %w", p.bindErr)
	}

	obsCtx, cancel := context.WithCancel(ctx)
	wait := p.page.Context(obsCtx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name == bindingName {
			notify()
		}
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()

	if _, err := p.page.Context(ctx).Eval(observeJS, bindingName); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("rodpage: inject observer: %w", err)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
			if _, err := p.page.Eval(disconnectJS); err != nil {
				p.logger.Debug("rodpage: disconnect observer", "error", err)
			}
		})
	}
	return stop, nil
}

// SetHTML replaces the children of n.
func (p *Page) SetHTML(ctx context.Context, n inject.Node, html string) error {
	el, err := asElement(n)
	if err != nil {
		return err
	}
	if _, err := el.Context(ctx).Eval(setHTMLJS, html); err != nil {
		return fmt.Errorf("rodpage: set html: %w", err)
	}
	return nil
}

// OuterHTML returns the markup of n, attached or not.
func (p *Page) OuterHTML(ctx context.Context, n inject.Node) (string, error) {
	el, err := asElement(n)
	if err != nil {
		return "", err
	}
	res, err := el.Context(ctx).Eval(outerHTMLJS)
	if err != nil {
		return "", fmt.Errorf("rodpage: outer html: %w", err)
	}
	return res.Value.Str(), nil
}

func asElement(n inject.Node) (*rod.Element, error) {
	el, ok := n.(*rod.Element)
	if !ok || el == nil {
		return nil, inject.ErrForeignNode
	}
	return el, nil
}
