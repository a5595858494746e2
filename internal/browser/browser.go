package browser

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dhruvsoni1802/browser-bidi/internal/bidi"
	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
	"github.com/dhruvsoni1802/browser-bidi/internal/log"
	"github.com/dhruvsoni1802/browser-bidi/internal/resource"
)

// DefaultUserContextID is the id of the user context every browser starts
// with.
const DefaultUserContextID = "default"

// goneUserContext prefixes user context ids in Browser.gone.
const goneUserContext = "userContext/"

// Bounds of the out-of-order bookkeeping. A tombstone only has to outlive
// the events still in flight for its id.
const (
	maxTombstones    = 4096
	maxEarlyContexts = 256
)

// Browser owns the user contexts of a session and is the registry every
// event is routed through.
type Browser struct {
	session *Session
	logger  *log.Logger
	node    *resource.Node

	mu           sync.Mutex
	userContexts map[string]*UserContext
	contexts     map[string]*BrowsingContext
	realms       map[string]*Realm
	// gone holds ids of disposed contexts and realms, so a created event
	// handled after the matching destroyed event doesn't revive them.
	gone *resource.Ledger[struct{}]
	// early holds realms announced before their browsing context.
	early *resource.Ledger[[]realmInfo]
}

func newBrowser(s *Session) *Browser {
	b := &Browser{
		session:      s,
		logger:       s.logger,
		node:         resource.NewNode(errext.ResourceBrowser, s.id, s.node),
		userContexts: make(map[string]*UserContext),
		contexts:     make(map[string]*BrowsingContext),
		realms:       make(map[string]*Realm),
		gone:         resource.NewLedger[struct{}](maxTombstones),
		early:        resource.NewLedger[[]realmInfo](maxEarlyContexts),
	}
	b.ensureUserContext(DefaultUserContextID)
	return b
}

// listen registers the event routing on conn.
func (b *Browser) listen(conn *bidi.Connection) []*bidi.Listener {
	return []*bidi.Listener{
		bidi.OnEvent(conn, eventContextCreated, func(info contextInfo) {
			b.ensureContext(info)
		}),
		bidi.OnEvent(conn, eventContextDestroyed, func(info contextInfo) {
			b.destroyContext(info.Context)
		}),
		bidi.OnEvent(conn, eventNavigationStarted, func(ev navigationInfo) {
			if bc := b.lookupContext(ev.Context); bc != nil {
				bc.onNavigationStarted(ev)
			}
		}),
		bidi.OnEvent(conn, eventFragmentNavigated, func(ev navigationInfo) {
			if bc := b.lookupContext(ev.Context); bc != nil {
				bc.onFragmentNavigated(ev)
			}
		}),
		bidi.OnEvent(conn, eventDOMContentLoaded, func(ev navigationInfo) {
			if bc := b.lookupContext(ev.Context); bc != nil {
				bc.onDOMContentLoaded(ev)
			}
		}),
		bidi.OnEvent(conn, eventLoad, func(ev navigationInfo) {
			if bc := b.lookupContext(ev.Context); bc != nil {
				bc.onLoad(ev)
			}
		}),
		bidi.OnEvent(conn, eventUserPromptOpened, func(ev userPromptOpened) {
			if bc := b.lookupContext(ev.Context); bc != nil {
				bc.onUserPromptOpened(ev)
			}
		}),
		bidi.OnEvent(conn, eventUserPromptClosed, func(ev userPromptClosed) {
			if bc := b.lookupContext(ev.Context); bc != nil {
				bc.onUserPromptClosed(ev)
			}
		}),
		bidi.OnEvent(conn, eventRealmCreated, func(info realmInfo) {
			b.ensureRealm(info)
		}),
		bidi.OnEvent(conn, eventRealmDestroyed, func(info realmInfo) {
			b.destroyRealm(info.Realm)
		}),
	}
}

func (b *Browser) Session() *Session { return b.session }
func (b *Browser) Err() error        { return b.node.Err() }

// DefaultUserContext returns the user context the browser started with.
func (b *Browser) DefaultUserContext() *UserContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userContexts[DefaultUserContextID]
}

// UserContext returns the live user context with the given id.
func (b *Browser) UserContext(id string) (*UserContext, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	uc, ok := b.userContexts[id]
	return uc, ok
}

// UserContexts returns the live user contexts ordered by id.
func (b *Browser) UserContexts() []*UserContext {
	b.mu.Lock()
	out := make([]*UserContext, 0, len(b.userContexts))
	for _, uc := range b.userContexts {
		out = append(out, uc)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// BrowsingContext returns the live browsing context with the given id.
func (b *Browser) BrowsingContext(id string) (*BrowsingContext, bool) {
	bc := b.lookupContext(id)
	return bc, bc != nil
}

// BrowsingContexts returns every live browsing context, frames included.
func (b *Browser) BrowsingContexts() []*BrowsingContext {
	return b.filterContexts(func(*BrowsingContext) bool { return true })
}

// CreateUserContext creates an isolated user context.
func (b *Browser) CreateUserContext(ctx context.Context) (*UserContext, error) {
	var res struct {
		UserContext string `json:"userContext"`
	}
	if err := b.session.execute(ctx, b.node, "browser.createUserContext", nil, &res); err != nil {
		return nil, fmt.Errorf("creating user context: %w", err)
	}
	uc := b.ensureUserContext(res.UserContext)
	if err := uc.node.Err(); err != nil {
		return nil, err
	}
	return uc, nil
}

// Close closes the browser. The session ends with it.
func (b *Browser) Close(ctx context.Context) error {
	err := b.session.execute(ctx, b.node, "browser.close", nil, nil)
	b.session.node.Dispose(resource.ReasonClosed)
	if err != nil {
		return fmt.Errorf("closing browser: %w", err)
	}
	return nil
}

// Sync hydrates the registry with the user contexts and browsing contexts
// that existed before the session started listening.
func (b *Browser) Sync(ctx context.Context) error {
	var (
		ucs struct {
			UserContexts []struct {
				UserContext string `json:"userContext"`
			} `json:"userContexts"`
		}
		tree struct {
			Contexts []contextInfo `json:"contexts"`
		}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.session.execute(gctx, b.node, "browser.getUserContexts", nil, &ucs)
	})
	g.Go(func() error {
		return b.session.execute(gctx, b.node, "browsingContext.getTree", nil, &tree)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("syncing browser state: %w", err)
	}

	for _, uc := range ucs.UserContexts {
		b.ensureUserContext(uc.UserContext)
	}
	for _, info := range tree.Contexts {
		b.ensureContext(info)
	}
	return nil
}

func (b *Browser) ensureUserContext(id string) *UserContext {
	if id == "" {
		id = DefaultUserContextID
	}

	b.mu.Lock()
	if uc, ok := b.userContexts[id]; ok {
		b.mu.Unlock()
		return uc
	}
	uc := &UserContext{
		browser: b,
		id:      id,
		node:    resource.NewNode(errext.ResourceUserContext, id, b.node),
	}
	gone := b.gone.Has(goneUserContext+id)
	if !gone && !uc.node.Disposed() {
		b.userContexts[id] = uc
	}
	b.mu.Unlock()

	if gone {
		uc.node.Dispose(resource.ReasonClosed)
	}
	uc.node.OnDispose(func(string) {
		b.mu.Lock()
		if b.userContexts[id] == uc {
			delete(b.userContexts, id)
		}
		b.gone.Set(goneUserContext+id, struct{}{})
		b.mu.Unlock()
	})
	return uc
}

// ensureContext returns the context described by info, creating it and any
// unknown ancestors. Created events and command results describing the same
// context resolve to the same BrowsingContext.
func (b *Browser) ensureContext(info contextInfo) *BrowsingContext {
	var (
		parent     *BrowsingContext
		parentNode *resource.Node
		uc         *UserContext
	)
	if info.Parent != nil && *info.Parent != "" {
		parent = b.ensureContext(contextInfo{Context: *info.Parent, UserContext: info.UserContext})
		parentNode = parent.node
		uc = parent.userContext
	} else {
		uc = b.ensureUserContext(info.UserContext)
		parentNode = uc.node
	}

	b.mu.Lock()
	bc, ok := b.contexts[info.Context]
	if ok {
		b.mu.Unlock()
		if info.URL != "" {
			bc.setURL(info.URL)
		}
	} else {
		gone := b.gone.Has(info.Context)
		bc = newBrowsingContext(b, info, uc, parent, parentNode)
		if !gone && !bc.node.Disposed() {
			b.contexts[info.Context] = bc
		}
		b.mu.Unlock()

		if gone {
			bc.node.Dispose(resource.ReasonDestroyed)
		}
		bc.node.OnDispose(func(reason string) {
			b.forgetContext(bc)
			bc.events.Emit(Closed{Reason: reason})
		})
		if parent != nil && !bc.node.Disposed() {
			parent.events.Emit(ChildCreated{Child: bc})
		}

		b.mu.Lock()
		early, _ := b.early.Get(info.Context)
		b.early.Delete(info.Context)
		b.mu.Unlock()
		for _, ri := range early {
			b.ensureRealm(ri)
		}
	}

	for _, child := range info.Children {
		id := info.Context
		child.Parent = &id
		if child.UserContext == "" {
			child.UserContext = uc.id
		}
		b.ensureContext(child)
	}
	return bc
}

func (b *Browser) lookupContext(id string) *BrowsingContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contexts[id]
}

func (b *Browser) filterContexts(keep func(*BrowsingContext) bool) []*BrowsingContext {
	b.mu.Lock()
	out := make([]*BrowsingContext, 0, len(b.contexts))
	for _, bc := range b.contexts {
		if keep(bc) {
			out = append(out, bc)
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (b *Browser) destroyContext(id string) {
	b.mu.Lock()
	bc := b.contexts[id]
	b.gone.Set(id, struct{}{})
	b.mu.Unlock()

	if bc != nil {
		bc.node.Dispose(resource.ReasonDestroyed)
	}
}

func (b *Browser) forgetContext(bc *BrowsingContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.contexts[bc.id] == bc {
		delete(b.contexts, bc.id)
	}
	b.gone.Set(bc.id, struct{}{})
}

// ensureRealm returns the realm described by info. It returns nil when the
// realm's browsing context is gone, or not known yet; in the latter case the
// realm is created together with the context.
func (b *Browser) ensureRealm(info realmInfo) *Realm {
	var (
		bc     *BrowsingContext
		parent = b.node
	)

	b.mu.Lock()
	if info.Context != "" {
		bc = b.contexts[info.Context]
		if bc == nil {
			if !b.gone.Has(info.Context) {
				infos, _ := b.early.Get(info.Context)
				b.early.Set(info.Context, append(infos, info))
			}
			b.mu.Unlock()
			return nil
		}
		parent = bc.node
	}
	if r, ok := b.realms[info.Realm]; ok {
		b.mu.Unlock()
		r.update(info)
		return r
	}
	gone := b.gone.Has(info.Realm)
	r := newRealm(b, info, bc, parent)
	if !gone && !r.node.Disposed() {
		b.realms[info.Realm] = r
	}
	b.mu.Unlock()

	if gone {
		r.node.Dispose(resource.ReasonDestroyed)
	}
	r.node.OnDispose(func(string) {
		b.mu.Lock()
		if b.realms[r.id] == r {
			delete(b.realms, r.id)
		}
		b.gone.Set(r.id, struct{}{})
		b.mu.Unlock()
	})
	if bc != nil && !r.node.Disposed() {
		bc.events.Emit(RealmCreated{Realm: r})
	}
	return r
}

func (b *Browser) destroyRealm(id string) {
	b.mu.Lock()
	r := b.realms[id]
	b.gone.Set(id, struct{}{})
	b.early.Range(func(ctxID string, infos []realmInfo) bool {
		for i, ri := range infos {
			if ri.Realm == id {
				b.early.Set(ctxID, append(infos[:i:i], infos[i+1:]...))
				return false
			}
		}
		return true
	})
	b.mu.Unlock()

	if r != nil {
		r.node.Dispose(resource.ReasonDestroyed)
	}
}

func (b *Browser) realmsOf(bc *BrowsingContext) []*Realm {
	b.mu.Lock()
	out := make([]*Realm, 0)
	for _, r := range b.realms {
		if r.context == bc {
			out = append(out, r)
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
