package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
	"github.com/dhruvsoni1802/browser-bidi/internal/resource"
)

type scriptResult struct {
	Type             string          `json:"type"`
	Result           json.RawMessage `json:"result"`
	Realm            string          `json:"realm"`
	ExceptionDetails *struct {
		Text         string `json:"text"`
		LineNumber   int    `json:"lineNumber"`
		ColumnNumber int    `json:"columnNumber"`
	} `json:"exceptionDetails"`
}

// script runs script.evaluate or script.callFunction against target, bound
// to node. contextID is set when target is a browsing context.
type script struct {
	browser   *Browser
	node      *resource.Node
	target    map[string]string
	contextID string
}

func (s script) evaluate(ctx context.Context, expression string, awaitPromise, keepHandle bool) (RemoteValue, error) {
	params := map[string]any{
		"expression":      expression,
		"target":          s.target,
		"awaitPromise":    awaitPromise,
		"resultOwnership": ownership(keepHandle),
	}
	return s.run(ctx, "script.evaluate", params)
}

func (s script) callFunction(ctx context.Context, fn string, awaitPromise, keepHandle bool, args []any) (RemoteValue, error) {
	encoded := make([]any, 0, len(args))
	for i, a := range args {
		v, err := localValue(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		encoded = append(encoded, v)
	}

	params := map[string]any{
		"functionDeclaration": fn,
		"target":              s.target,
		"arguments":           encoded,
		"awaitPromise":        awaitPromise,
		"resultOwnership":     ownership(keepHandle),
	}
	return s.run(ctx, "script.callFunction", params)
}

func (s script) run(ctx context.Context, method string, params map[string]any) (RemoteValue, error) {
	var res scriptResult
	if err := s.browser.session.execute(ctx, s.node, method, params, &res); err != nil {
		return nil, err
	}
	if res.Type == "exception" {
		ee := &errext.EvaluationError{Text: "exception"}
		if d := res.ExceptionDetails; d != nil {
			ee.Text, ee.LineNumber, ee.ColumnNumber = d.Text, d.LineNumber, d.ColumnNumber
		}
		return nil, ee
	}

	v, w, err := decodeRemoteValue(res.Result)
	if err != nil {
		return nil, err
	}
	if ref, ok := v.(*RemoteReference); ok && w.Handle != "" {
		realm := s.browser.ensureRealm(realmInfo{Realm: res.Realm, Context: s.contextID})
		if realm == nil {
			if err := s.node.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("realm %s of handle %s is unknown", res.Realm, w.Handle)
		}
		ref.Handle = newHandle(realm, w.Handle)
	}
	return v, nil
}

func ownership(keepHandle bool) string {
	if keepHandle {
		return "root"
	}
	return "none"
}
