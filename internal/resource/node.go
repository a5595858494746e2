// Package resource implements the disposable resource graph every protocol
// object lives in.
//
// A Node exclusively owns its children and keeps a non-owning reference to
// its parent. Disposal is monotonic: the first Dispose wins, cascades to all
// live children with the same reason and fires OnDispose listeners exactly
// once. Every operation bound to a node through Do fails with the node's
// DisposedError once it is disposed, even if the remote end answered.
package resource

import (
	"context"
	"sync"

	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
)

// Common disposal reasons.
const (
	ReasonConnectionClosed = "connection closed"
	ReasonClosed           = "closed"
	ReasonDestroyed        = "destroyed"
	ReasonParentDisposed   = "parent disposed"
	ReasonSessionEnded     = "session ended"
)

// Node is one resource in the graph.
type Node struct {
	kind errext.ResourceType
	id   string

	mu        sync.Mutex
	parent    *Node
	children  map[*Node]struct{}
	disposed  bool
	reason    string
	listeners []func(reason string)
	done      chan struct{}
}

// NewNode creates a node under parent, which may be nil for a root. A node
// created under an already disposed parent is disposed immediately with the
// parent's reason.
func NewNode(kind errext.ResourceType, id string, parent *Node) *Node {
	n := &Node{
		kind:     kind,
		id:       id,
		children: make(map[*Node]struct{}),
		done:     make(chan struct{}),
	}
	if parent == nil {
		return n
	}

	parent.mu.Lock()
	if parent.disposed {
		reason := parent.reason
		parent.mu.Unlock()
		n.Dispose(reason)
		return n
	}
	n.parent = parent
	parent.children[n] = struct{}{}
	parent.mu.Unlock()
	return n
}

func (n *Node) Kind() errext.ResourceType { return n.kind }
func (n *Node) ID() string               { return n.id }

// Parent returns the parent node, or nil for a root or a disposed node.
func (n *Node) Parent() *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parent
}

// Children returns the live children.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Node, 0, len(n.children))
	for c := range n.children {
		out = append(out, c)
	}
	return out
}

// Disposed reports whether the node was disposed.
func (n *Node) Disposed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disposed
}

// Reason returns the disposal reason, or "" while the node is live.
func (n *Node) Reason() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reason
}

// Done is closed when the node is disposed.
func (n *Node) Done() <-chan struct{} { return n.done }

// Err returns the node's DisposedError, or nil while it is live.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.disposed {
		return nil
	}
	return n.errLocked()
}

func (n *Node) errLocked() error {
	return &errext.DisposedError{ResourceType: n.kind, ID: n.id, Reason: n.reason}
}

// OnDispose registers fn to run once on disposal. If the node is already
// disposed, fn runs right away.
func (n *Node) OnDispose(fn func(reason string)) {
	n.mu.Lock()
	if n.disposed {
		reason := n.reason
		n.mu.Unlock()
		fn(reason)
		return
	}
	n.listeners = append(n.listeners, fn)
	n.mu.Unlock()
}

// Dispose marks the node and its subtree disposed. Only the first call has
// any effect; it reports whether this call disposed the node.
func (n *Node) Dispose(reason string) bool {
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		return false
	}
	n.disposed = true
	n.reason = reason
	children := make([]*Node, 0, len(n.children))
	for c := range n.children {
		children = append(children, c)
	}
	n.children = make(map[*Node]struct{})
	parent := n.parent
	n.parent = nil
	listeners := n.listeners
	n.listeners = nil
	close(n.done)
	n.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		delete(parent.children, n)
		parent.mu.Unlock()
	}
	for _, c := range children {
		c.detach()
		c.Dispose(reason)
	}
	for _, fn := range listeners {
		fn(reason)
	}
	return true
}

// detach drops the parent reference so the cascade doesn't lock the parent
// again while it is being torn down.
func (n *Node) detach() {
	n.mu.Lock()
	n.parent = nil
	n.mu.Unlock()
}

// Do runs op bound to n. The context passed to op is cancelled when n is
// disposed, and if n is disposed by the time op returns, n's DisposedError is
// returned instead of op's result.
func Do[T any](ctx context.Context, n *Node, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := n.Err(); err != nil {
		return zero, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-n.done:
			cancel(n.Err())
		case <-ctx.Done():
		}
	}()

	v, err := op(ctx)
	if derr := n.Err(); derr != nil {
		return zero, derr
	}
	return v, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, n *Node, op func(ctx context.Context) error) error {
	_, err := Do(ctx, n, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
