package bidiserver

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type fakeContext struct {
	id          string
	parent      string
	userContext string
	url         string
}

// Browser is a Handler keeping just enough state to behave like a browser:
// user contexts, browsing contexts with frames, navigation events and
// scripted evaluation results.
type Browser struct {
	mu           sync.Mutex
	conn         *Conn
	seq          int
	userContexts map[string]bool
	contexts     map[string]*fakeContext
	results      map[string]json.RawMessage
	hung         map[string]bool
	failures     map[string][2]string
}

// NewBrowser returns a fake browser with only the default user context.
func NewBrowser() *Browser {
	return &Browser{
		userContexts: map[string]bool{"default": true},
		contexts:     make(map[string]*fakeContext),
		results:      make(map[string]json.RawMessage),
		hung:         make(map[string]bool),
		failures:     make(map[string][2]string),
	}
}

// SetResult makes script.evaluate of expression, or script.callFunction of
// the function declaration, return the remote value JSON in result.
func (b *Browser) SetResult(expression, result string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[expression] = json.RawMessage(result)
}

// Hang makes commands with method go unanswered.
func (b *Browser) Hang(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hung[method] = true
}

// Fail makes commands with method fail with the given error code and message.
func (b *Browser) Fail(method, code, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method] = [2]string{code, message}
}

// Emit sends an event on the most recent client connection.
func (b *Browser) Emit(method string, params any) error {
	b.mu.Lock()
	c := b.conn
	b.mu.Unlock()
	if c == nil {
		return fmt.Errorf("no client connected")
	}
	return c.Emit(method, params)
}

// AddFrame creates a child context under parent and announces it.
func (b *Browser) AddFrame(parent string) (string, error) {
	b.mu.Lock()
	p, ok := b.contexts[parent]
	if !ok {
		b.mu.Unlock()
		return "", fmt.Errorf("no context %s", parent)
	}
	fc := b.newContextLocked(parent, p.userContext)
	b.mu.Unlock()

	return fc.id, b.Emit("browsingContext.contextCreated", contextJSON(fc))
}

// DestroyContext removes a context and its descendants, announcing each.
func (b *Browser) DestroyContext(id string) error {
	b.mu.Lock()
	c := b.conn
	removed := b.removeContextLocked(id)
	b.mu.Unlock()

	for _, fc := range removed {
		if err := c.Emit("browsingContext.contextDestroyed", contextJSON(fc)); err != nil {
			return err
		}
	}
	return nil
}

// Contexts returns the ids of all live contexts.
func (b *Browser) Contexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.contexts))
	for id := range b.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handle implements Handler.
func (b *Browser) Handle(c *Conn, cmd *Command) {
	b.mu.Lock()
	b.conn = c
	hung := b.hung[cmd.Method]
	failure, failing := b.failures[cmd.Method]
	b.mu.Unlock()

	if hung {
		return
	}
	if failing {
		_ = c.Fail(cmd.ID, failure[0], failure[1])
		return
	}

	var p struct {
		Context             string `json:"context"`
		UserContext         string `json:"userContext"`
		URL                 string `json:"url"`
		Expression          string `json:"expression"`
		FunctionDeclaration string `json:"functionDeclaration"`
		Intercept           string `json:"intercept"`
	}
	_ = json.Unmarshal(cmd.Params, &p)

	switch cmd.Method {
	case "session.new":
		_ = c.Reply(cmd.ID, map[string]any{
			"sessionId":    "session-1",
			"capabilities": map[string]any{"browserName": "fake", "webSocketUrl": true},
		})

	case "browser.createUserContext":
		b.mu.Lock()
		b.seq++
		id := fmt.Sprintf("uc-%d", b.seq)
		b.userContexts[id] = true
		b.mu.Unlock()
		_ = c.Reply(cmd.ID, map[string]string{"userContext": id})

	case "browser.removeUserContext":
		b.mu.Lock()
		if !b.userContexts[p.UserContext] || p.UserContext == "default" {
			b.mu.Unlock()
			_ = c.Fail(cmd.ID, "no such user context", p.UserContext)
			return
		}
		delete(b.userContexts, p.UserContext)
		var removed []*fakeContext
		for _, fc := range b.contexts {
			if fc.userContext == p.UserContext && fc.parent == "" {
				removed = append(removed, b.removeContextLocked(fc.id)...)
			}
		}
		b.mu.Unlock()
		for _, fc := range removed {
			_ = c.Emit("browsingContext.contextDestroyed", contextJSON(fc))
		}
		_ = c.Reply(cmd.ID, struct{}{})

	case "browser.getUserContexts":
		b.mu.Lock()
		ucs := make([]map[string]string, 0, len(b.userContexts))
		for id := range b.userContexts {
			ucs = append(ucs, map[string]string{"userContext": id})
		}
		b.mu.Unlock()
		_ = c.Reply(cmd.ID, map[string]any{"userContexts": ucs})

	case "browsingContext.create":
		uc := p.UserContext
		if uc == "" {
			uc = "default"
		}
		b.mu.Lock()
		fc := b.newContextLocked("", uc)
		b.mu.Unlock()
		_ = c.Emit("browsingContext.contextCreated", contextJSON(fc))
		_ = c.Emit("script.realmCreated", map[string]string{
			"realm": "realm-" + fc.id, "origin": "null", "type": "window", "context": fc.id,
		})
		_ = c.Reply(cmd.ID, map[string]string{"context": fc.id})

	case "browsingContext.getTree":
		b.mu.Lock()
		tree := b.treeLocked("")
		b.mu.Unlock()
		_ = c.Reply(cmd.ID, map[string]any{"contexts": tree})

	case "browsingContext.navigate":
		b.mu.Lock()
		fc, ok := b.contexts[p.Context]
		if ok {
			b.seq++
			fc.url = p.URL
		}
		nav := fmt.Sprintf("nav-%d", b.seq)
		b.mu.Unlock()
		if !ok {
			_ = c.Fail(cmd.ID, "no such frame", p.Context)
			return
		}
		ev := map[string]string{"context": p.Context, "navigation": nav, "url": p.URL}
		_ = c.Emit("browsingContext.navigationStarted", ev)
		_ = c.Emit("browsingContext.domContentLoaded", ev)
		_ = c.Emit("browsingContext.load", ev)
		_ = c.Reply(cmd.ID, map[string]string{"navigation": nav, "url": p.URL})

	case "browsingContext.close":
		b.mu.Lock()
		removed := b.removeContextLocked(p.Context)
		b.mu.Unlock()
		if len(removed) == 0 {
			_ = c.Fail(cmd.ID, "no such frame", p.Context)
			return
		}
		for _, fc := range removed {
			_ = c.Emit("browsingContext.contextDestroyed", contextJSON(fc))
		}
		_ = c.Reply(cmd.ID, struct{}{})

	case "script.evaluate", "script.callFunction":
		key := p.Expression
		if cmd.Method == "script.callFunction" {
			key = p.FunctionDeclaration
		}
		var target struct {
			Target struct {
				Context string `json:"context"`
				Realm   string `json:"realm"`
			} `json:"target"`
		}
		_ = json.Unmarshal(cmd.Params, &target)
		realm := target.Target.Realm
		if realm == "" {
			realm = "realm-" + target.Target.Context
		}

		if key == "throw" {
			_ = c.Reply(cmd.ID, map[string]any{
				"type":             "exception",
				"realm":            realm,
				"exceptionDetails": map[string]any{"text": "Error: boom", "lineNumber": 1, "columnNumber": 7},
			})
			return
		}
		b.mu.Lock()
		res, ok := b.results[key]
		b.mu.Unlock()
		if !ok {
			res = json.RawMessage(`{"type":"undefined"}`)
		}
		_ = c.Reply(cmd.ID, map[string]any{"type": "success", "result": res, "realm": realm})

	case "network.addIntercept":
		b.mu.Lock()
		b.seq++
		id := fmt.Sprintf("intercept-%d", b.seq)
		b.mu.Unlock()
		_ = c.Reply(cmd.ID, map[string]string{"intercept": id})

	default:
		_ = c.Reply(cmd.ID, struct{}{})
	}
}

func (b *Browser) newContextLocked(parent, userContext string) *fakeContext {
	b.seq++
	fc := &fakeContext{
		id:          fmt.Sprintf("ctx-%d", b.seq),
		parent:      parent,
		userContext: userContext,
		url:         "about:blank",
	}
	b.contexts[fc.id] = fc
	return fc
}

// removeContextLocked removes id and its descendants, children first.
func (b *Browser) removeContextLocked(id string) []*fakeContext {
	fc, ok := b.contexts[id]
	if !ok {
		return nil
	}
	var out []*fakeContext
	for _, child := range b.contexts {
		if child.parent == id {
			out = append(out, b.removeContextLocked(child.id)...)
		}
	}
	delete(b.contexts, id)
	return append(out, fc)
}

func (b *Browser) treeLocked(parent string) []map[string]any {
	var out []map[string]any
	for _, fc := range b.contexts {
		if fc.parent != parent {
			continue
		}
		info := contextJSON(fc)
		info["children"] = b.treeLocked(fc.id)
		out = append(out, info)
	}
	return out
}

func contextJSON(fc *fakeContext) map[string]any {
	var parent any
	if fc.parent != "" {
		parent = fc.parent
	}
	return map[string]any{
		"context":     fc.id,
		"url":         fc.url,
		"parent":      parent,
		"userContext": fc.userContext,
	}
}
