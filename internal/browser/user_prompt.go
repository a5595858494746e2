package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
	"github.com/dhruvsoni1802/browser-bidi/internal/resource"
)

// ReasonPromptClosed is the disposal reason of a prompt the browser reported
// as closed.
const ReasonPromptClosed = "prompt closed"

// UserPrompt is an open alert, confirm, prompt or beforeunload dialog.
type UserPrompt struct {
	context *BrowsingContext
	node    *resource.Node

	Type         string
	Message      string
	DefaultValue string
}

func newUserPrompt(bc *BrowsingContext, ev userPromptOpened) *UserPrompt {
	return &UserPrompt{
		context:      bc,
		node:         resource.NewNode(errext.ResourceUserPrompt, bc.id, bc.node),
		Type:         ev.Type,
		Message:      ev.Message,
		DefaultValue: ev.DefaultValue,
	}
}

func (p *UserPrompt) Context() *BrowsingContext { return p.context }
func (p *UserPrompt) Err() error                { return p.node.Err() }
func (p *UserPrompt) Disposed() bool            { return p.node.Disposed() }

// Accept accepts the prompt, entering userText into prompt dialogs.
func (p *UserPrompt) Accept(ctx context.Context, userText string) error {
	params := map[string]any{"context": p.context.id, "accept": true}
	if userText != "" {
		params["userText"] = userText
	}
	return p.handle(ctx, params)
}

// Dismiss dismisses the prompt.
func (p *UserPrompt) Dismiss(ctx context.Context) error {
	return p.handle(ctx, map[string]any{"context": p.context.id, "accept": false})
}

func (p *UserPrompt) handle(ctx context.Context, params map[string]any) error {
	if err := p.node.Err(); err != nil {
		return err
	}
	err := p.context.browser.session.execute(ctx, p.node, "browsingContext.handleUserPrompt", params, nil)
	// userPromptClosed may be handled before the command result.
	if err != nil && !(errors.Is(err, errext.ErrUserPromptDisposed) && p.node.Reason() == ReasonPromptClosed) {
		return fmt.Errorf("handling %s prompt: %w", p.Type, err)
	}
	p.node.Dispose("handled")
	return nil
}
