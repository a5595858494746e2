package browser

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvsoni1802/browser-bidi/internal/bidi"
	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
	"github.com/dhruvsoni1802/browser-bidi/internal/log"
	"github.com/dhruvsoni1802/browser-bidi/internal/resource"
	"github.com/dhruvsoni1802/browser-bidi/internal/testutil/bidiserver"
)

const eventually = time.Second

type testEnv struct {
	session *Session
	fake    *bidiserver.Browser
	server  *bidiserver.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fake := bidiserver.NewBrowser()
	srv := bidiserver.New(t, fake.Handle)
	return &testEnv{
		session: connectSession(t, srv),
		fake:    fake,
		server:  srv,
	}
}

func connectSession(t *testing.T, srv *bidiserver.Server) *Session {
	t.Helper()

	ctx := context.Background()
	conn, err := bidi.Connect(ctx, srv.URL(), log.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	s, err := NewSession(ctx, conn, log.NewNullLogger(), nil)
	require.NoError(t, err)
	return s
}

func (e *testEnv) newPage(t *testing.T) *BrowsingContext {
	t.Helper()

	bc, err := e.session.Browser().DefaultUserContext().CreateBrowsingContext(context.Background(), ContextTab)
	require.NoError(t, err)
	return bc
}

func TestNewSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	s := env.session

	assert.Equal(t, "session-1", s.ID())
	assert.JSONEq(t, `{"browserName":"fake","webSocketUrl":true}`, string(s.Capabilities()))
	require.NotNil(t, s.Browser().DefaultUserContext())
	assert.Equal(t, DefaultUserContextID, s.Browser().DefaultUserContext().ID())
	assert.Equal(t, 1, env.server.Count("session.subscribe"))
	assert.ElementsMatch(t, sessionEvents, s.Connection().Subscriptions())
}

func TestCreateBrowsingContextDedupe(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bc := env.newPage(t)

	b := env.session.Browser()
	got, ok := b.BrowsingContext(bc.ID())
	require.True(t, ok)
	assert.Same(t, bc, got)

	// The created event resolves to the same context.
	time.Sleep(20 * time.Millisecond)
	require.Len(t, b.BrowsingContexts(), 1)
	assert.Same(t, bc, b.BrowsingContexts()[0])
	assert.Same(t, b.DefaultUserContext(), bc.UserContext())

	require.Eventually(t, func() bool { return len(bc.Realms()) == 1 }, eventually, 5*time.Millisecond)
	assert.Equal(t, "window", bc.Realms()[0].Type())
}

func TestNavigate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bc := env.newPage(t)

	nav, err := bc.Navigate(context.Background(), "https://example.com/", ReadinessComplete)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", nav.URL)
	assert.NotEmpty(t, nav.Navigation)
	assert.Equal(t, "https://example.com/", bc.URL())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bc.WaitForLoad(ctx, ReadinessComplete))
}

func TestNavigateProtocolError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bc := env.newPage(t)
	env.fake.Fail("browsingContext.navigate", "unknown error", "net::ERR_NAME_NOT_RESOLVED")

	_, err := bc.Navigate(context.Background(), "https://nope.invalid/", ReadinessComplete)
	var pe *errext.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "unknown error", pe.Code)
	assert.False(t, bc.Disposed())
}

func TestWaitForLoadFollowsEvents(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bc := env.newPage(t)

	require.NoError(t, env.fake.Emit("browsingContext.navigationStarted",
		map[string]string{"context": bc.ID(), "navigation": "nav-x", "url": "https://example.com/slow"}))
	require.Eventually(t, func() bool { return bc.Readiness() == ReadinessNone }, eventually, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- bc.WaitForLoad(context.Background(), ReadinessInteractive) }()

	select {
	case err := <-done:
		t.Fatalf("wait returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, env.fake.Emit("browsingContext.domContentLoaded",
		map[string]string{"context": bc.ID(), "navigation": "nav-x", "url": "https://example.com/slow"}))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not resolve on domContentLoaded")
	}
}

func TestContextCascade(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bc := env.newPage(t)

	created := make(chan *BrowsingContext, 1)
	bc.OnEvent(func(ev ContextEvent) {
		if cc, ok := ev.(ChildCreated); ok {
			created <- cc.Child
		}
	})

	frameID, err := env.fake.AddFrame(bc.ID())
	require.NoError(t, err)

	var child *BrowsingContext
	select {
	case child = <-created:
	case <-time.After(eventually):
		t.Fatal("child context not created")
	}
	assert.Equal(t, frameID, child.ID())
	assert.Same(t, bc, child.Parent())
	assert.Equal(t, []*BrowsingContext{child}, bc.Children())

	require.NoError(t, bc.Close(context.Background()))

	assert.True(t, bc.Disposed())
	assert.True(t, child.Disposed())
	require.ErrorIs(t, child.Err(), errext.ErrBrowsingContextDisposed)
	assert.Empty(t, env.session.Browser().BrowsingContexts())

	_, err = bc.Navigate(context.Background(), "https://example.com/", ReadinessNone)
	require.ErrorIs(t, err, errext.ErrBrowsingContextDisposed)
}

func TestChildNavigateFailsWithParentReason(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	parent := env.newPage(t)
	frameID, err := env.fake.AddFrame(parent.ID())
	require.NoError(t, err)

	var child *BrowsingContext
	require.Eventually(t, func() bool {
		child, _ = env.session.Browser().BrowsingContext(frameID)
		return child != nil
	}, eventually, 5*time.Millisecond)

	env.fake.Hang("browsingContext.navigate")
	done := make(chan error, 1)
	go func() {
		_, err := child.Navigate(context.Background(), "https://example.com/frame", ReadinessComplete)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return env.server.Count("browsingContext.navigate") == 1
	}, eventually, 5*time.Millisecond)

	parent.node.Dispose("navigated away")

	select {
	case err := <-done:
		var de *errext.DisposedError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "navigated away", de.Reason)
		assert.Equal(t, errext.ResourceBrowsingContext, de.ResourceType)
		assert.Equal(t, frameID, de.ID)
	case <-time.After(eventually):
		t.Fatal("navigate did not fail after parent disposal")
	}
}

func TestContextDestroyedEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bc := env.newPage(t)

	var (
		mu     sync.Mutex
		closed []string
	)
	bc.OnEvent(func(ev ContextEvent) {
		if c, ok := ev.(Closed); ok {
			mu.Lock()
			closed = append(closed, c.Reason)
			mu.Unlock()
		}
	})

	require.NoError(t, env.fake.DestroyContext(bc.ID()))
	require.Eventually(t, bc.Disposed, eventually, 5*time.Millisecond)

	var de *errext.DisposedError
	require.ErrorAs(t, bc.Err(), &de)
	assert.Equal(t, resource.ReasonDestroyed, de.Reason)

	// A created event handled late must not bring it back.
	require.NoError(t, env.fake.Emit("browsingContext.contextCreated",
		map[string]any{"context": bc.ID(), "url": "about:blank", "parent": nil, "userContext": "default"}))
	time.Sleep(20 * time.Millisecond)
	_, ok := env.session.Browser().BrowsingContext(bc.ID())
	assert.False(t, ok)

	mu.Lock()
	assert.Equal(t, []string{resource.ReasonDestroyed}, closed)
	mu.Unlock()
}

func TestConnectionCloseDisposesTree(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bc := env.newPage(t)

	env.server.CloseConnections()

	select {
	case <-env.session.Done():
	case <-time.After(eventually):
		t.Fatal("session not disposed")
	}
	require.ErrorIs(t, env.session.Err(), errext.ErrSessionDisposed)

	var de *errext.DisposedError
	require.ErrorAs(t, bc.Err(), &de)
	assert.Equal(t, resource.ReasonConnectionClosed, de.Reason)

	_, err := bc.Evaluate(context.Background(), "1", false)
	require.ErrorIs(t, err, errext.ErrBrowsingContextDisposed)
}

func TestUserContexts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	b := env.session.Browser()

	uc, err := b.CreateUserContext(ctx)
	require.NoError(t, err)
	assert.Len(t, b.UserContexts(), 2)

	bc, err := uc.CreateBrowsingContext(ctx, ContextWindow)
	require.NoError(t, err)
	assert.Same(t, uc, bc.UserContext())
	assert.Equal(t, []*BrowsingContext{bc}, uc.BrowsingContexts())

	require.NoError(t, uc.Remove(ctx))
	assert.True(t, uc.Disposed())
	assert.True(t, bc.Disposed())
	assert.Len(t, b.UserContexts(), 1)

	_, err = uc.CreateBrowsingContext(ctx, ContextTab)
	require.ErrorIs(t, err, errext.ErrUserContextDisposed)

	err = b.DefaultUserContext().Remove(ctx)
	var pe *errext.ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestSync(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	uc, err := env.session.Browser().CreateUserContext(ctx)
	require.NoError(t, err)
	top, err := uc.CreateBrowsingContext(ctx, ContextTab)
	require.NoError(t, err)
	frameID, err := env.fake.AddFrame(top.ID())
	require.NoError(t, err)

	second := connectSession(t, env.server)
	require.NoError(t, second.Browser().Sync(ctx))

	b := second.Browser()
	_, ok := b.UserContext(uc.ID())
	assert.True(t, ok)

	synced, ok := b.BrowsingContext(top.ID())
	require.True(t, ok)
	assert.Equal(t, uc.ID(), synced.UserContext().ID())

	frame, ok := b.BrowsingContext(frameID)
	require.True(t, ok)
	assert.Same(t, synced, frame.Parent())
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bc := env.newPage(t)
	ctx := context.Background()

	env.fake.SetResult("1 + 1", `{"type":"number","value":2}`)
	v, err := bc.Evaluate(ctx, "1 + 1", false)
	require.NoError(t, err)
	assert.Equal(t, Primitive{Type: "number", Value: 2.0}, v)

	v, err = bc.Evaluate(ctx, "void 0", false)
	require.NoError(t, err)
	assert.Equal(t, Undefined{}, v)

	_, err = bc.Evaluate(ctx, "throw", false)
	var ee *errext.EvaluationError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "Error: boom", ee.Text)

	env.fake.SetResult("(a, b) => a + b", `{"type":"string","value":"ab"}`)
	v, err = bc.CallFunction(ctx, "(a, b) => a + b", false, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, Primitive{Type: "string", Value: "ab"}, v)
}

func TestHandleDispose(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bc := env.newPage(t)
	ctx := context.Background()

	env.fake.SetResult("document.body", `{"type":"node","handle":"h-1","sharedId":"s-1"}`)
	v, err := bc.EvaluateHandle(ctx, "document.body")
	require.NoError(t, err)

	ref, ok := v.(*RemoteReference)
	require.True(t, ok)
	require.NotNil(t, ref.Handle)
	assert.Equal(t, "h-1", ref.Handle.ID())
	assert.Equal(t, "realm-"+bc.ID(), ref.Handle.Realm().ID())

	require.NoError(t, ref.Handle.Dispose(ctx))
	require.NoError(t, ref.Handle.Dispose(ctx))
	assert.Equal(t, 1, env.server.Count("script.disown"))
	require.ErrorIs(t, ref.Handle.Err(), errext.ErrHandleDisposed)
}

func TestUserPrompt(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bc := env.newPage(t)

	require.NoError(t, env.fake.Emit("browsingContext.userPromptOpened", map[string]string{
		"context": bc.ID(), "type": "prompt", "message": "Name?", "defaultValue": "anon",
	}))
	require.Eventually(t, func() bool { return bc.Prompt() != nil }, eventually, 5*time.Millisecond)

	p := bc.Prompt()
	assert.Equal(t, "prompt", p.Type)
	assert.Equal(t, "Name?", p.Message)

	require.NoError(t, p.Accept(context.Background(), "gopher"))
	assert.True(t, p.Disposed())
	assert.Equal(t, 1, env.server.Count("browsingContext.handleUserPrompt"))

	err := p.Dismiss(context.Background())
	require.ErrorIs(t, err, errext.ErrUserPromptDisposed)
}

func TestWaitForFunction(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bc := env.newPage(t)

	env.fake.SetResult("window.ready", `{"type":"boolean","value":true}`)
	v, err := bc.WaitForFunction(context.Background(), "window.ready", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, Truthy(v))

	bc.Timeouts().SetDefaultTimeout(50 * time.Millisecond)
	start := time.Now()
	_, err = bc.WaitForFunction(context.Background(), "window.never", 10*time.Millisecond)
	var te *errext.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSessionEnd(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bc := env.newPage(t)

	require.NoError(t, env.session.End(context.Background()))
	assert.Equal(t, 1, env.server.Count("session.end"))
	require.ErrorIs(t, bc.Err(), errext.ErrBrowsingContextDisposed)

	err := env.session.End(context.Background())
	require.ErrorIs(t, err, errext.ErrSessionDisposed)
}

func TestTombstonesStayBounded(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	b := env.session.Browser()

	for i := 0; i < 3*maxTombstones; i++ {
		id := strconv.Itoa(i)
		b.destroyContext("ctx-gone-" + id)
		b.destroyRealm("realm-gone-" + id)
		b.ensureRealm(realmInfo{Realm: "realm-early-" + id, Context: "ctx-never-" + id, Type: "window"})
	}

	b.mu.Lock()
	gone, early := b.gone.Len(), b.early.Len()
	b.mu.Unlock()
	assert.Equal(t, maxTombstones, gone)
	assert.Equal(t, maxEarlyContexts, early)

	// The most recent tombstone still keeps a late created event from
	// reviving its context.
	last := strconv.Itoa(3*maxTombstones - 1)
	bc := b.ensureContext(contextInfo{Context: "ctx-gone-" + last})
	assert.True(t, bc.Node().Disposed())
	assert.Nil(t, b.lookupContext("ctx-gone-"+last))
}

func TestUserPromptHandlingOutcome(t *testing.T) {
	t.Parallel()

	open := func(t *testing.T, env *testEnv, bc *BrowsingContext) *UserPrompt {
		t.Helper()
		require.NoError(t, env.fake.Emit("browsingContext.userPromptOpened", map[string]string{
			"context": bc.ID(), "type": "alert", "message": "hi",
		}))
		require.Eventually(t, func() bool { return bc.Prompt() != nil }, eventually, 5*time.Millisecond)
		return bc.Prompt()
	}
	accept := func(p *UserPrompt) <-chan error {
		errc := make(chan error, 1)
		go func() { errc <- p.Accept(context.Background(), "") }()
		return errc
	}
	result := func(t *testing.T, errc <-chan error) error {
		t.Helper()
		select {
		case err := <-errc:
			return err
		case <-time.After(eventually):
			t.Fatal("accept did not return")
			return nil
		}
	}

	t.Run("closed by the browser", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		env.fake.Hang("browsingContext.handleUserPrompt")
		bc := env.newPage(t)
		p := open(t, env, bc)

		errc := accept(p)
		require.Eventually(t, func() bool { return env.server.Count("browsingContext.handleUserPrompt") == 1 }, eventually, 5*time.Millisecond)
		require.NoError(t, env.fake.Emit("browsingContext.userPromptClosed", map[string]any{
			"context": bc.ID(), "accepted": true,
		}))

		assert.NoError(t, result(t, errc))
		assert.Equal(t, ReasonPromptClosed, p.node.Reason())
	})

	t.Run("context closed", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		env.fake.Hang("browsingContext.handleUserPrompt")
		bc := env.newPage(t)
		p := open(t, env, bc)

		errc := accept(p)
		require.Eventually(t, func() bool { return env.server.Count("browsingContext.handleUserPrompt") == 1 }, eventually, 5*time.Millisecond)
		bc.Node().Dispose(resource.ReasonClosed)

		err := result(t, errc)
		require.ErrorIs(t, err, errext.ErrUserPromptDisposed)
		assert.NotEqual(t, ReasonPromptClosed, p.node.Reason())
	})
}

func TestCloseAfterUnrelatedDisposalFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fake.Hang("browsingContext.close")
	bc := env.newPage(t)

	errc := make(chan error, 1)
	go func() { errc <- bc.Close(context.Background()) }()
	require.Eventually(t, func() bool { return env.server.Count("browsingContext.close") == 1 }, eventually, 5*time.Millisecond)
	bc.UserContext().node.Dispose(resource.ReasonClosed)

	select {
	case err := <-errc:
		require.ErrorIs(t, err, errext.ErrBrowsingContextDisposed)
	case <-time.After(eventually):
		t.Fatal("close did not return")
	}
}
