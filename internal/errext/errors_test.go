package errext

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisposedErrorMatching(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("navigate: %w", &DisposedError{
		ResourceType: ResourceBrowsingContext,
		ID:           "ctx-1",
		Reason:       "navigated away",
	})

	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, err, ErrBrowsingContextDisposed)
	assert.NotErrorIs(t, err, ErrRealmDisposed)

	var de *DisposedError
	if assert.ErrorAs(t, err, &de) {
		assert.Equal(t, "navigated away", de.Reason)
		assert.Equal(t, ResourceBrowsingContext, de.ResourceType)
	}
}

func TestTransportError(t *testing.T) {
	t.Parallel()

	err := &TransportError{Err: io.ErrUnexpectedEOF}
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "unexpected EOF")
}

func TestTimeoutError(t *testing.T) {
	t.Parallel()

	err := &TimeoutError{Op: "browsingContext.navigate", Timeout: time.Second, Elapsed: 1001 * time.Millisecond}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "browsingContext.navigate: timed out after 1.001s (timeout 1s)", err.Error())
}

func TestProtocolError(t *testing.T) {
	t.Parallel()

	var err error = &ProtocolError{Method: "browsingContext.close", Code: "no such frame", Message: "missing"}
	var pe *ProtocolError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, "protocol error (browsingContext.close): no such frame: missing", err.Error())
}
