// Package htmldoc is an in-memory inject.Document over a parsed HTML page.
//
// It stands in for a live tab when rendering a saved page offline, and in
// tests. Structural changes made through the Document, or through Mutate
// and AppendHTML, notify observers the way a browser MutationObserver
// watching childList on the body would.
package htmldoc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/revlens/inject"
)

// Document is safe for concurrent use.
type Document struct {
	mu      sync.Mutex
	doc     *goquery.Document
	pageURL string

	obsMu     sync.Mutex
	observers map[int]func()
	nextObs   int
}

// Parse reads an HTML page. pageURL is the address the page was loaded
// from.
func Parse(r io.Reader, pageURL string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: parse: %w", err)
	}
	return &Document{doc: doc, pageURL: pageURL, observers: make(map[int]func())}, nil
}

// ParseString is Parse over a string.
func ParseString(s, pageURL string) (*Document, error) {
	return Parse(strings.NewReader(s), pageURL)
}

// URL returns the page address.
func (d *Document) URL(context.Context) (string, error) { return d.pageURL, nil }

func (d *Document) Query(_ context.Context, selector string) (inject.Node, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sel := d.doc.Find(selector)
	if sel.Length() == 0 {
		return nil, false, nil
	}
	return sel.Nodes[0], true, nil
}

func (d *Document) Clone(_ context.Context, n inject.Node) (inject.Node, error) {
	node, err := asNode(n)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneTree(node), nil
}

func (d *Document) CreateMount(_ context.Context, id string) (inject.Node, error) {
	return &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Div,
		Data:     "div",
		Attr: []html.Attribute{
			{Key: "id", Val: id},
			{Key: "style", Val: "width: 100%; height: 100%;"},
		},
	}, nil
}

func (d *Document) Replace(_ context.Context, target, replacement inject.Node) error {
	t, err := asNode(target)
	if err != nil {
		return err
	}
	r, err := asNode(replacement)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if t.Parent == nil {
		d.mu.Unlock()
		return inject.ErrNoParent
	}
	if !d.owns(t) {
		d.mu.Unlock()
		return inject.ErrForeignNode
	}
	if r.Parent != nil {
		r.Parent.RemoveChild(r)
	}
	t.Parent.InsertBefore(r, t)
	t.Parent.RemoveChild(t)
	d.mu.Unlock()

	d.notify()
	return nil
}

func (d *Document) RemoveAll(_ context.Context, selector string) (int, error) {
	d.mu.Lock()
	sel := d.doc.Find(selector)
	n := sel.Length()
	sel.Remove()
	d.mu.Unlock()

	if n > 0 {
		d.notify()
	}
	return n, nil
}

// Observe registers notify until stop is called or ctx ends.
func (d *Document) Observe(ctx context.Context, notify func()) (func(), error) {
	d.obsMu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = notify
	d.obsMu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			d.obsMu.Lock()
			delete(d.observers, id)
			d.obsMu.Unlock()
		})
	}
	context.AfterFunc(ctx, stop)
	return stop, nil
}

// Mutate runs fn with exclusive access to the page and then notifies
// observers, simulating the host page rendering.
func (d *Document) Mutate(fn func(doc *goquery.Document)) {
	d.mu.Lock()
	fn(d.doc)
	d.mu.Unlock()
	d.notify()
}

// AppendHTML parses fragment and appends it to every node matching
// selector.
func (d *Document) AppendHTML(selector, fragment string) error {
	d.mu.Lock()
	sel := d.doc.Find(selector)
	if sel.Length() == 0 {
		d.mu.Unlock()
		return fmt.Errorf("htmldoc: append: no node matches %q", selector)
	}
	sel.AppendHtml(fragment)
	d.mu.Unlock()
	d.notify()
	return nil
}

// SetHTML replaces the children of n with the parsed fragment.
func (d *Document) SetHTML(_ context.Context, n inject.Node, fragment string) error {
	node, err := asNode(n)
	if err != nil {
		return err
	}
	d.mu.Lock()
	nodes, err := html.ParseFragment(strings.NewReader(fragment), node)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("htmldoc: set html: %w", err)
	}
	for c := node.FirstChild; c != nil; {
		next := c.NextSibling
		node.RemoveChild(c)
		c = next
	}
	for _, c := range nodes {
		node.AppendChild(c)
	}
	attached := d.owns(node)
	d.mu.Unlock()

	if attached {
		d.notify()
	}
	return nil
}

// OuterHTML renders n and its subtree.
func (d *Document) OuterHTML(_ context.Context, n inject.Node) (string, error) {
	node, err := asNode(n)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var b bytes.Buffer
	if err := html.Render(&b, node); err != nil {
		return "", fmt.Errorf("htmldoc: render: %w", err)
	}
	return b.String(), nil
}

// Find returns the current matches for inspection. Use Mutate to change
// the page.
func (d *Document) Find(selector string) *goquery.Selection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Find(selector)
}

// Render writes the whole page.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range d.doc.Nodes {
		if err := html.Render(w, n); err != nil {
			return fmt.Errorf("htmldoc: render: %w", err)
		}
	}
	return nil
}

// HTML returns the whole page as a string.
func (d *Document) HTML() (string, error) {
	var b bytes.Buffer
	if err := d.Render(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (d *Document) notify() {
	d.obsMu.Lock()
	fns := make([]func(), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	d.obsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (d *Document) observerCount() int {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	return len(d.observers)
}

// owns reports whether n is attached under this document's root. Callers
// hold d.mu.
func (d *Document) owns(n *html.Node) bool {
	root := n
	for root.Parent != nil {
		root = root.Parent
	}
	for _, r := range d.doc.Nodes {
		if r == root {
			return true
		}
	}
	return false
}

func asNode(n inject.Node) (*html.Node, error) {
	node, ok := n.(*html.Node)
	if !ok || node == nil {
		return nil, inject.ErrForeignNode
	}
	return node, nil
}

func cloneTree(n *html.Node) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
	}
	if len(n.Attr) > 0 {
		c.Attr = make([]html.Attribute, len(n.Attr))
		copy(c.Attr, n.Attr)
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.AppendChild(cloneTree(child))
	}
	return c
}
