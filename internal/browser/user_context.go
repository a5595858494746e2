package browser

import (
	"context"
	"fmt"

	"github.com/dhruvsoni1802/browser-bidi/internal/resource"
)

// ContextType is the kind of top-level browsing context to create.
type ContextType string

const (
	ContextTab    ContextType = "tab"
	ContextWindow ContextType = "window"
)

// UserContext is an isolated browsing profile grouping browsing contexts.
type UserContext struct {
	browser *Browser
	node    *resource.Node
	id      string
}

func (uc *UserContext) ID() string              { return uc.id }
func (uc *UserContext) Browser() *Browser       { return uc.browser }
func (uc *UserContext) Err() error              { return uc.node.Err() }
func (uc *UserContext) Disposed() bool          { return uc.node.Disposed() }
func (uc *UserContext) Done() <-chan struct{}   { return uc.node.Done() }
func (uc *UserContext) OnDispose(fn func(string)) { uc.node.OnDispose(fn) }

// BrowsingContexts returns the live top-level contexts of the user context.
func (uc *UserContext) BrowsingContexts() []*BrowsingContext {
	return uc.browser.filterContexts(func(bc *BrowsingContext) bool {
		return bc.userContext == uc && bc.parent == nil
	})
}

// CreateBrowsingContext opens a new tab or window in the user context.
func (uc *UserContext) CreateBrowsingContext(ctx context.Context, typ ContextType) (*BrowsingContext, error) {
	if typ == "" {
		typ = ContextTab
	}

	var res struct {
		Context string `json:"context"`
	}
	params := map[string]any{"type": typ, "userContext": uc.id}
	if err := uc.browser.session.execute(ctx, uc.node, "browsingContext.create", params, &res); err != nil {
		return nil, fmt.Errorf("creating browsing context: %w", err)
	}

	bc := uc.browser.ensureContext(contextInfo{Context: res.Context, UserContext: uc.id})
	if err := bc.node.Err(); err != nil {
		return nil, err
	}
	return bc, nil
}

// Remove closes every context of the user context and removes it.
func (uc *UserContext) Remove(ctx context.Context) error {
	params := map[string]any{"userContext": uc.id}
	if err := uc.browser.session.execute(ctx, uc.node, "browser.removeUserContext", params, nil); err != nil {
		return fmt.Errorf("removing user context %s: %w", uc.id, err)
	}
	uc.node.Dispose(resource.ReasonClosed)
	return nil
}
