package storage

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvsoni1802/browser-bidi/internal/log"
)

func newTestRepo(t *testing.T) (*SessionRepository, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewSessionRepository(client, time.Hour, log.NewNullLogger()), mr
}

func testState(id, agent, name string) *SessionState {
	now := time.Date(2020, 2, 8, 10, 0, 0, 0, time.UTC)
	return &SessionState{
		SessionID:     id,
		SessionName:   name,
		AgentID:       agent,
		EndpointURL:   "ws://127.0.0.1:9222/session",
		UserContextID: "uc-" + id,
		CreatedAt:     now,
		LastActivity:  now,
		Status:        "active",
	}
}

func TestNewRedisClientUnreachable(t *testing.T) {
	t.Parallel()

	_, err := NewRedisClient(context.Background(), "127.0.0.1:1", "", 0)
	require.Error(t, err)
}

func TestSaveAndGetSession(t *testing.T) {
	t.Parallel()

	repo, mr := newTestRepo(t)
	ctx := context.Background()

	state := testState("s1", "agent-1", "research")
	state.Pages = []PageState{{PageID: "ctx-1", URL: "https://example.com/"}}
	require.NoError(t, repo.SaveSession(ctx, state))

	got, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, state, got)

	assert.True(t, mr.Exists("session:s1"))
	assert.Equal(t, time.Hour, mr.TTL("session:s1"))

	active, err := repo.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, active)

	id, err := repo.GetSessionByName(ctx, "agent-1", "research")
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()

	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetSession(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = repo.GetSessionByName(ctx, "agent-1", "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)

	require.ErrorIs(t, repo.UpdateLastActivity(ctx, "missing"), ErrSessionNotFound)
}

func TestSessionNameConflict(t *testing.T) {
	t.Parallel()

	repo, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveSession(ctx, testState("s1", "agent-1", "work")))
	require.ErrorIs(t, repo.SaveSession(ctx, testState("s2", "agent-1", "work")), ErrNameTaken)

	// Same name for another agent and re-saving the owner are fine.
	require.NoError(t, repo.SaveSession(ctx, testState("s3", "agent-2", "work")))
	require.NoError(t, repo.SaveSession(ctx, testState("s1", "agent-1", "work")))

	n, err := repo.CountAgentSessions(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRenameSession(t *testing.T) {
	t.Parallel()

	repo, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveSession(ctx, testState("s1", "agent-1", "old")))
	require.NoError(t, repo.SaveSession(ctx, testState("s2", "agent-1", "taken")))

	require.ErrorIs(t, repo.RenameSession(ctx, "s1", "agent-1", "old", "taken"), ErrNameTaken)
	require.NoError(t, repo.RenameSession(ctx, "s1", "agent-1", "old", "new"))

	exists, err := repo.CheckSessionNameExists(ctx, "agent-1", "old")
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.SessionName)
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()

	repo, mr := newTestRepo(t)
	ctx := context.Background()

	state := testState("s1", "agent-1", "work")
	state.Pages = []PageState{{PageID: "ctx-1"}}
	require.NoError(t, repo.SaveSession(ctx, state))
	require.NoError(t, repo.DeleteSession(ctx, "s1"))

	assert.False(t, mr.Exists("session:s1"))
	assert.False(t, mr.Exists("session:s1:pages"))

	exists, err := repo.CheckSessionNameExists(ctx, "agent-1", "work")
	require.NoError(t, err)
	assert.False(t, exists)

	n, err := repo.CountAgentSessions(ctx, "agent-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	// Deleting twice is harmless.
	require.NoError(t, repo.DeleteSession(ctx, "s1"))
}

func TestDeleteKeepsNameReusedByAnotherSession(t *testing.T) {
	t.Parallel()

	repo, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveSession(ctx, testState("s1", "agent-1", "a")))
	require.NoError(t, repo.RenameSession(ctx, "s1", "agent-1", "a", "b"))
	require.NoError(t, repo.SaveSession(ctx, testState("s2", "agent-1", "a")))

	// s1's hash still says "b"; deleting it must not release s2's "a".
	require.NoError(t, repo.DeleteSession(ctx, "s1"))
	id, err := repo.GetSessionByName(ctx, "agent-1", "a")
	require.NoError(t, err)
	assert.Equal(t, "s2", id)
}

func TestListAgentSessionsDropsExpired(t *testing.T) {
	t.Parallel()

	repo, mr := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveSession(ctx, testState("s1", "agent-1", "a")))
	require.NoError(t, repo.SaveSession(ctx, testState("s2", "agent-1", "b")))
	mr.Del("session:s2")

	sessions, err := repo.ListAgentSessions(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)

	n, err := repo.CountAgentSessions(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdateLastActivityRefreshesTTL(t *testing.T) {
	t.Parallel()

	repo, mr := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveSession(ctx, testState("s1", "agent-1", "a")))
	mr.FastForward(30 * time.Minute)
	require.Less(t, mr.TTL("session:s1"), time.Hour)

	require.NoError(t, repo.UpdateLastActivity(ctx, "s1"))
	assert.Equal(t, time.Hour, mr.TTL("session:s1"))

	got, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.LastActivity.After(got.CreatedAt))
}

func TestPagesAndStatus(t *testing.T) {
	t.Parallel()

	repo, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveSession(ctx, testState("s1", "agent-1", "a")))
	require.NoError(t, repo.SavePages(ctx, "s1", []PageState{{PageID: "p2"}, {PageID: "p1"}}))

	pages, err := repo.GetPages(ctx, "s1")
	require.NoError(t, err)
	ids := []string{pages[0].PageID, pages[1].PageID}
	sort.Strings(ids)
	assert.Equal(t, []string{"p1", "p2"}, ids)

	require.NoError(t, repo.SavePages(ctx, "s1", nil))
	pages, err = repo.GetPages(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, pages)

	require.NoError(t, repo.UpdateStatus(ctx, "s1", "closed"))
	active, err := repo.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestEnsureSessionName(t *testing.T) {
	t.Parallel()

	s := testState("1b4e28ba-2fa1-11d2-883f-0016d3cca427", "agent-1", "")
	s.EnsureSessionName()
	assert.Equal(t, "session-2020-02-08-1b4e28ba", s.SessionName)

	s.SessionName = "kept"
	s.EnsureSessionName()
	assert.Equal(t, "kept", s.SessionName)

	require.Error(t, (&SessionState{}).Validate())
	require.Error(t, (&SessionState{SessionID: "x"}).Validate())
	require.NoError(t, s.Validate())
}
