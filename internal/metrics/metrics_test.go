package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
)

func TestOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{&errext.ProtocolError{Method: "m", Code: "no such frame"}, OutcomeProtocol},
		{fmt.Errorf("wrapped: %w", &errext.TimeoutError{Op: "m", Timeout: time.Second}), OutcomeTimeout},
		{&errext.TransportError{Err: errors.New("eof")}, OutcomeTransport},
		{&errext.DisposedError{ResourceType: errext.ResourceBrowsingContext, ID: "c", Reason: "closed"}, OutcomeDisposed},
		{context.Canceled, OutcomeCancelled},
		{errors.New("other"), OutcomeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err), "%v", tt.err)
	}
}

func TestEndpointObserver(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := New(reg)
	o := c.Endpoint("ws://a/session")

	o.CommandSent("browsingContext.navigate")
	o.CommandSent("browsingContext.navigate")
	o.CommandDone("browsingContext.navigate", 20*time.Millisecond, nil)
	o.CommandDone("browsingContext.navigate", time.Second, &errext.ProtocolError{})
	o.EventReceived("browsingContext.load")
	o.PendingChanged(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.commandsSent.WithLabelValues("ws://a/session", "browsingContext.navigate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandsDone.WithLabelValues("ws://a/session", "browsingContext.navigate", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandsDone.WithLabelValues("ws://a/session", "browsingContext.navigate", OutcomeProtocol)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsReceived.WithLabelValues("ws://a/session", "browsingContext.load")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.pending.WithLabelValues("ws://a/session")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.commandDuration))
}

func TestServiceGauges(t *testing.T) {
	t.Parallel()

	c := New(nil)
	c.SetAgentSessions(4)
	c.SetEndpoint("ws://a", 3, true)
	c.SetEndpoint("ws://b", 1, false)
	c.InterceptionResolved("abort")

	assert.Equal(t, 4.0, testutil.ToFloat64(c.agentSessions))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.endpointSessions.WithLabelValues("ws://a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.endpointHealthy.WithLabelValues("ws://a")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.endpointHealthy.WithLabelValues("ws://b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.interceptions.WithLabelValues("abort")))
}

func TestHandler(t *testing.T) {
	t.Parallel()

	c := New(nil)
	c.SetAgentSessions(2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "bidi_agent_sessions_active 2"), rec.Body.String())
}
