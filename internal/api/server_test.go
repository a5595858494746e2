package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
	"github.com/dhruvsoni1802/browser-bidi/internal/log"
	"github.com/dhruvsoni1802/browser-bidi/internal/metrics"
	"github.com/dhruvsoni1802/browser-bidi/internal/pool"
	"github.com/dhruvsoni1802/browser-bidi/internal/session"
	"github.com/dhruvsoni1802/browser-bidi/internal/storage"
	"github.com/dhruvsoni1802/browser-bidi/internal/testutil/bidiserver"
)

type apiEnv struct {
	http *httptest.Server
	fake *bidiserver.Browser
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	fake := bidiserver.NewBrowser()
	bidi := bidiserver.New(t, fake.Handle)

	mr := miniredis.RunT(t)
	client, err := storage.NewRedisClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	repo := storage.NewSessionRepository(client, time.Hour, log.NewNullLogger())

	p, err := pool.NewEndpointPool([]string{bidi.URL()}, log.NewNullLogger())
	require.NoError(t, err)
	lb := pool.NewLoadBalancer(p)

	collector := metrics.New(nil)
	manager := session.NewManager(lb, repo, collector, log.NewNullLogger(), session.Config{
		MaxSessionsPerAgent: 2,
		MaxTotalSessions:    4,
		CommandTimeout:      5 * time.Second,
		InterceptTimeout:    time.Second,
	})
	t.Cleanup(func() { _ = manager.Close() })

	srv := NewServer("0", manager, lb, collector, log.NewNullLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiEnv{http: ts, fake: fake}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)

	var created CreateSessionResponse
	status := env.do(t, http.MethodPost, "/sessions", CreateSessionRequest{AgentID: "agent-1", SessionName: "research"}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "research", created.SessionName)
	assert.Equal(t, "agent-1", created.AgentID)
	assert.NotEmpty(t, created.UserContextID)

	var nav NavigateResponse
	status = env.do(t, http.MethodPost, "/sessions/"+created.SessionID+"/navigate", NavigateRequest{URL: "https://example.com/"}, &nav)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, nav.PageID)

	env.fake.SetResult("document.title", `{"type":"string","value":"Example"}`)
	var exec ExecuteJSResponse
	status = env.do(t, http.MethodPost, "/sessions/"+created.SessionID+"/execute", ExecuteJSRequest{PageID: nav.PageID, Script: "document.title"}, &exec)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Example", exec.Result)

	env.fake.SetResult("document.documentElement ? document.documentElement.outerHTML : ''", `{"type":"string","value":"<html></html>"}`)
	var content GetPageContentResponse
	status = env.do(t, http.MethodGet, "/sessions/"+created.SessionID+"/pages/"+nav.PageID+"/content", nil, &content)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<html></html>", content.Content)
	assert.Equal(t, len("<html></html>"), content.Length)

	var got GetSessionResponse
	status = env.do(t, http.MethodGet, "/sessions/"+created.SessionID, nil, &got)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, got.PageCount)
	assert.Equal(t, []session.Page{{ID: nav.PageID, URL: "https://example.com/"}}, got.Pages)
	assert.Equal(t, session.SessionActive, got.Status)

	var list ListSessionsResponse
	status = env.do(t, http.MethodGet, "/sessions", nil, &list)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, list.Count)

	var agent ListAgentSessionsResponse
	status = env.do(t, http.MethodGet, "/agents/agent-1/sessions", nil, &agent)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, agent.Count)
	assert.Equal(t, "research", agent.Sessions[0].SessionName)

	status = env.do(t, http.MethodDelete, "/sessions/"+created.SessionID+"/pages/"+nav.PageID, nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status = env.do(t, http.MethodDelete, "/sessions/"+created.SessionID, nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	var errResp ErrorResponse
	status = env.do(t, http.MethodGet, "/sessions/"+created.SessionID, nil, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, ErrCodeSessionNotFound, errResp.Error.Code)
}

func TestRequestValidation(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"malformed JSON", http.MethodPost, "/sessions", "{not json"},
		{"missing agent", http.MethodPost, "/sessions", CreateSessionRequest{}},
		{"missing url", http.MethodPost, "/sessions/x/navigate", NavigateRequest{}},
		{"missing page", http.MethodPost, "/sessions/x/execute", ExecuteJSRequest{Script: "1"}},
		{"missing script", http.MethodPost, "/sessions/x/execute", ExecuteJSRequest{PageID: "p"}},
		{"missing resume name", http.MethodPost, "/sessions/resume", ResumeSessionRequest{AgentID: "a"}},
		{"missing new name", http.MethodPut, "/sessions/x/rename", RenameSessionRequest{}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			status := env.do(t, tt.method, tt.path, tt.body, &errResp)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, ErrCodeInvalidRequest, errResp.Error.Code)
		})
	}
}

func TestSessionErrorsOverHTTP(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)

	var first CreateSessionResponse
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/sessions", CreateSessionRequest{AgentID: "agent-1", SessionName: "one"}, &first))

	var errResp ErrorResponse
	status := env.do(t, http.MethodPost, "/sessions", CreateSessionRequest{AgentID: "agent-1", SessionName: "one"}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, ErrCodeSessionNameConflict, errResp.Error.Code)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/sessions", CreateSessionRequest{AgentID: "agent-1"}, nil))
	status = env.do(t, http.MethodPost, "/sessions", CreateSessionRequest{AgentID: "agent-1"}, &errResp)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, ErrCodeSessionLimitReached, errResp.Error.Code)

	status = env.do(t, http.MethodGet, "/sessions/"+first.SessionID+"/pages/ctx-missing/content", nil, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, ErrCodePageNotFound, errResp.Error.Code)

	var nav NavigateResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/sessions/"+first.SessionID+"/navigate", NavigateRequest{URL: "https://example.com/"}, &nav))
	status = env.do(t, http.MethodPost, "/sessions/"+first.SessionID+"/execute", ExecuteJSRequest{PageID: nav.PageID, Script: "throw"}, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, ErrCodeExecutionFailed, errResp.Error.Code)
	assert.Contains(t, errResp.Error.Message, "boom")
}

func TestRenameAndResumeOverHTTP(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)

	var created CreateSessionResponse
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/sessions", CreateSessionRequest{AgentID: "agent-1", SessionName: "draft"}, &created))

	var ok SuccessResponse
	status := env.do(t, http.MethodPut, "/sessions/"+created.SessionID+"/rename", RenameSessionRequest{SessionName: "final"}, &ok)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, ok.Success)

	var resumed ResumeSessionResponse
	status = env.do(t, http.MethodPost, "/sessions/resume", ResumeSessionRequest{AgentID: "agent-1", SessionName: "final"}, &resumed)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, created.SessionID, resumed.SessionID)
	assert.True(t, resumed.Resumed)

	var errResp ErrorResponse
	status = env.do(t, http.MethodPost, "/sessions/resume", ResumeSessionRequest{AgentID: "agent-1", SessionName: "draft"}, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, ErrCodeSessionNotFound, errResp.Error.Code)
}

func TestBlocklistOverHTTP(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)

	var created CreateSessionResponse
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/sessions", CreateSessionRequest{AgentID: "agent-1"}, &created))

	var ok SuccessResponse
	status := env.do(t, http.MethodPut, "/sessions/"+created.SessionID+"/blocklist", BlocklistRequest{Patterns: []string{"ads.", " "}}, &ok)
	require.Equal(t, http.StatusOK, status)

	var got GetSessionResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/sessions/"+created.SessionID, nil, &got))
	assert.Equal(t, []string{"ads."}, got.Blocklist)
}

func TestOperationalEndpoints(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/sessions", CreateSessionRequest{AgentID: "agent-1"}, nil))

	var health map[string]any
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["sessions"])

	var poolMetrics pool.PoolMetrics
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/pool", nil, &poolMetrics))
	assert.Equal(t, 1, poolMetrics.TotalEndpoints)
	assert.Equal(t, 1, poolMetrics.HealthyEndpoints)
	assert.Equal(t, int64(1), poolMetrics.TotalSessions)

	resp, err := env.http.Client().Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()

	h := RecoveryMiddleware(log.NewNullLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), ErrCodeInternalError))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrap: %w", session.ErrSessionNotFound), http.StatusNotFound, ErrCodeSessionNotFound},
		{session.ErrInvalidSessionName, http.StatusBadRequest, ErrCodeInvalidRequest},
		{session.ErrGlobalLimitReached, http.StatusTooManyRequests, ErrCodeSessionLimitReached},
		{session.ErrSessionNotLive, http.StatusGone, ErrCodeSessionNotLive},
		{fmt.Errorf("select: %w", pool.ErrNoHealthyEndpoints), http.StatusServiceUnavailable, ErrCodeNoEndpoint},
		{fmt.Errorf("%w: %w", pool.ErrNoHealthyEndpoints, &errext.TransportError{Err: errors.New("connection refused")}), http.StatusServiceUnavailable, ErrCodeNoEndpoint},
		{&errext.TimeoutError{}, http.StatusGatewayTimeout, ErrCodeTimeout},
		{errors.New("other"), http.StatusInternalServerError, ErrCodeNavigationFailed},
	}

	for _, tt := range tests {
		status, code := classify(tt.err, ErrCodeNavigationFailed)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
