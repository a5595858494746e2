// Package errext holds the typed failures surfaced by the BiDi engine.
//
// Every asynchronous engine call ends in either a value or one of the error
// types below; callers match them with errors.Is and errors.As.
package errext

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTransportClosed is matched by any TransportError raised because the
// socket is no longer usable.
var ErrTransportClosed = errors.New("transport closed")

// TransportError reports a socket failure or a malformed frame.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport error"
	}
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes every TransportError match ErrTransportClosed.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransportClosed
}

// ProtocolError is the {error, message} outcome of a command, carried verbatim.
type ProtocolError struct {
	Method     string
	Code       string
	Message    string
	Stacktrace string
}

func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("protocol error: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("protocol error (%s): %s: %s", e.Method, e.Code, e.Message)
}

// TimeoutError reports an elapsed deadline on a command, a wait, or an
// interception phase.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s: timed out after %s (timeout %s)", e.Op, e.Elapsed.Round(time.Millisecond), e.Timeout)
	}
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// ResourceType names a kind of protocol resource.
type ResourceType string

const (
	ResourceSession         ResourceType = "session"
	ResourceBrowser         ResourceType = "browser"
	ResourceUserContext     ResourceType = "user context"
	ResourceBrowsingContext ResourceType = "browsing context"
	ResourceRealm           ResourceType = "realm"
	ResourceHandle          ResourceType = "handle"
	ResourceRequest         ResourceType = "request"
	ResourceUserPrompt      ResourceType = "user prompt"
)

// ErrDisposed matches a DisposedError of any resource kind.
var ErrDisposed = errors.New("resource disposed")

// Per kind sentinels, matched with errors.Is against a DisposedError.
var (
	ErrSessionDisposed         = &kindSentinel{ResourceSession}
	ErrBrowserDisposed         = &kindSentinel{ResourceBrowser}
	ErrUserContextDisposed     = &kindSentinel{ResourceUserContext}
	ErrBrowsingContextDisposed = &kindSentinel{ResourceBrowsingContext}
	ErrRealmDisposed           = &kindSentinel{ResourceRealm}
	ErrHandleDisposed          = &kindSentinel{ResourceHandle}
	ErrRequestDisposed         = &kindSentinel{ResourceRequest}
	ErrUserPromptDisposed      = &kindSentinel{ResourceUserPrompt}
)

type kindSentinel struct {
	kind ResourceType
}

func (k *kindSentinel) Error() string { return string(k.kind) + " disposed" }

// DisposedError is returned by any operation on a disposed resource.
type DisposedError struct {
	ResourceType ResourceType
	ID           string
	Reason       string
}

func (e *DisposedError) Error() string {
	return fmt.Sprintf("%s %q disposed: %s", e.ResourceType, e.ID, e.Reason)
}

// Is matches ErrDisposed and the sentinel of the same resource kind.
func (e *DisposedError) Is(target error) bool {
	if target == ErrDisposed {
		return true
	}
	k, ok := target.(*kindSentinel)
	return ok && k.kind == e.ResourceType
}

// AlreadyHandledError is returned when an interception subscriber votes
// twice for the same phase, or votes after the phase was resolved.
type AlreadyHandledError struct {
	RequestID string
	Phase     string
}

func (e *AlreadyHandledError) Error() string {
	return fmt.Sprintf("request %s (%s) is already handled", e.RequestID, e.Phase)
}

// InterceptionDisabledError is returned when a vote is cast on a request that
// was not intercepted.
type InterceptionDisabledError struct {
	RequestID string
}

func (e *InterceptionDisabledError) Error() string {
	return fmt.Sprintf("request %s: interception is not enabled", e.RequestID)
}

// EvaluationError is a script that threw instead of returning a value.
type EvaluationError struct {
	Text         string
	LineNumber   int
	ColumnNumber int
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation failed at %d:%d: %s", e.LineNumber, e.ColumnNumber, e.Text)
}
