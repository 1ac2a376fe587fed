// Package inject swaps regions of a host page for owned mount nodes.
//
// A Controller scans the page once, then watches it for mutations until
// every MountRequest is claimed or a ceiling expires. Claiming a request
// clones the target (when the original must be kept), creates a mount node
// and swaps it in with a single Replace. A claimed request is never queried
// again. While the controller is active it also strips the host's
// promotional badge on every scan, mutation batch and interval tick.
//
// Page access goes through Document so the same controller drives a live
// browser tab (inject/rodpage) or an in-memory document (inject/htmldoc).
package inject

import (
	"context"
	"errors"
	"time"
)

// Node is an opaque handle to a page node. Only the Document that returned
// it can interpret it.
type Node any

// Document is the page surface the controller works on. Calls may block on
// a remote page, so each takes a context.
type Document interface {
	// Query returns the first node matching selector in document order.
	Query(ctx context.Context, selector string) (Node, bool, error)
	// Clone returns a detached deep copy of n.
	Clone(ctx context.Context, n Node) (Node, error)
	// CreateMount returns a detached node with the given id, sized to fill
	// its parent.
	CreateMount(ctx context.Context, id string) (Node, error)
	// Replace swaps target for replacement in one step. It returns
	// ErrNoParent when target is detached.
	Replace(ctx context.Context, target, replacement Node) error
	// RemoveAll removes every node matching selector and returns the count.
	RemoveAll(ctx context.Context, selector string) (int, error)
	// Observe calls notify once per batch of childList mutations anywhere
	// under the body until stop is called. notify may run on any goroutine
	// and must not block.
	Observe(ctx context.Context, notify func()) (stop func(), err error)
}

// Errors returned by Document implementations.
var (
	ErrNoParent    = errors.New("inject: node has no parent")
	ErrForeignNode = errors.New("inject: node does not belong to this document")
)

// ErrAlreadyRun is returned by a second call to Run.
var ErrAlreadyRun = errors.New("inject: controller already run")

// MountRequest names a region to claim. ID is given to the owned mount
// node; Widget names what gets mounted into it.
type MountRequest struct {
	ID               string
	Selector         string
	PreserveOriginal bool
	Widget           string
}

// MountResult is produced once per claimed request. Original is nil unless
// the request asked for the original to be preserved.
type MountResult struct {
	Request  MountRequest
	Found    bool
	Original Node
	Owned    Node
}

// Mounter receives each MountResult as soon as its region is swapped in.
// Mount runs on the controller goroutine and should return quickly.
type Mounter interface {
	Mount(ctx context.Context, r MountResult) error
}

// MounterFunc adapts a function to Mounter.
type MounterFunc func(ctx context.Context, r MountResult) error

func (f MounterFunc) Mount(ctx context.Context, r MountResult) error { return f(ctx, r) }

// State of a Controller.
type State int

const (
	Scanning State = iota
	Observing
	Satisfied
	TimedOut
	Cancelled
)

func (s State) String() string {
	switch s {
	case Scanning:
		return "scanning"
	case Observing:
		return "observing"
	case Satisfied:
		return "satisfied"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Satisfied || s == TimedOut || s == Cancelled
}

// Outcome is what Run returns: the final state, the claimed regions in
// claim order and the requests still unclaimed.
type Outcome struct {
	State   State
	Results []MountResult
	Pending []MountRequest
	// BadgesRemoved counts badge nodes stripped while active.
	BadgesRemoved int
}

// Defaults.
const (
	DefaultTimeout       = 10 * time.Second
	DefaultBadgeInterval = 250 * time.Millisecond
	DefaultBadgeSelector = `img.LctmNn[src*="fa_9e47c1.png"]`
)

// Widget names.
const (
	WidgetPanel = "panel"
	WidgetTabs  = "tabs"
)

// DefaultRequests are the two regions of a product page: the review
// summary panel, and the ratings column whose original stays viewable
// behind a tab.
func DefaultRequests() []MountRequest {
	return []MountRequest{
		{ID: "my-react-root-1", Selector: ".ISksQ2", Widget: WidgetPanel},
		{ID: "my-react-root-2", Selector: ".col.pPAw9M", PreserveOriginal: true, Widget: WidgetTabs},
	}
}
