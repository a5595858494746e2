// Package network lets independent subscribers jointly decide what happens
// to an intercepted request.
//
// Every subscriber registered when a request event arrives gets a vote:
// continue, respond or abort, each with a priority. Abort beats respond
// beats continue; within one kind the highest priority wins and equal
// priorities go to the subscriber registered first. Continue overrides are
// merged key by key with the same precedence. Once every subscriber voted,
// abstained or cancelled, or the phase deadline passed, exactly one command
// is sent for the request.
package network

import (
	"encoding/json"
	"sort"

	"github.com/dhruvsoni1802/browser-bidi/internal/resource"
)

// Phase is an interception point in a request's life.
type Phase string

const (
	PhaseBeforeRequestSent Phase = "beforeRequestSent"
	PhaseResponseStarted   Phase = "responseStarted"
	PhaseAuthRequired      Phase = "authRequired"
)

// Request is a network request as seen at one phase.
type Request struct {
	ID        string
	URL       string
	Method    string
	Headers   map[string]string
	Context   string
	Phase     Phase
	IsBlocked bool
	Response  *Response

	node    *resource.Node
	ctxNode *resource.Node
}

// Response is the response part of responseStarted and authRequired events.
type Response struct {
	URL        string
	Status     int
	StatusText string
	Headers    map[string]string
}

// Err returns the disposed error of the request's browsing context if that
// is gone, otherwise the request's own disposed error, or nil.
func (r *Request) Err() error {
	if r.ctxNode != nil {
		if err := r.ctxNode.Err(); err != nil {
			return err
		}
	}
	return r.node.Err()
}

// Done is closed when the request finished, failed or lost its context.
func (r *Request) Done() <-chan struct{} { return r.node.Done() }

// Wire payloads.

type bytesValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type header struct {
	Name  string     `json:"name"`
	Value bytesValue `json:"value"`
}

type requestData struct {
	Request string   `json:"request"`
	URL     string   `json:"url"`
	Method  string   `json:"method"`
	Headers []header `json:"headers"`
}

type responseData struct {
	URL        string   `json:"url"`
	Status     int      `json:"status"`
	StatusText string   `json:"statusText"`
	Headers    []header `json:"headers"`
}

type networkEvent struct {
	Context       *string       `json:"context"`
	IsBlocked     bool          `json:"isBlocked"`
	RedirectCount int           `json:"redirectCount"`
	Request    requestData   `json:"request"`
	Response   *responseData `json:"response,omitempty"`
	Intercepts []string      `json:"intercepts,omitempty"`
	ErrorText  string        `json:"errorText,omitempty"`
}

func headersToMap(hs []header) map[string]string {
	m := make(map[string]string, len(hs))
	for _, h := range hs {
		m[h.Name] = h.Value.Value
	}
	return m
}

func headersFromMap(m map[string]string) []header {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	hs := make([]header, 0, len(m))
	for _, name := range names {
		hs = append(hs, header{Name: name, Value: bytesValue{Type: "string", Value: m[name]}})
	}
	return hs
}

func decodeEvent(raw json.RawMessage) (*networkEvent, error) {
	var ev networkEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
