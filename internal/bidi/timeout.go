package bidi

import (
	"sync"
	"time"
)

// DefaultTimeout applies to commands and waits when nothing else is set.
const DefaultTimeout = 30 * time.Second

// TimeoutSettings holds information on timeout settings. Unset values fall
// back to the parent settings, then to DefaultTimeout.
type TimeoutSettings struct {
	parent *TimeoutSettings

	mu                       sync.RWMutex
	defaultTimeout           *time.Duration
	defaultNavigationTimeout *time.Duration
}

// NewTimeoutSettings creates a new timeout settings object.
func NewTimeoutSettings(parent *TimeoutSettings) *TimeoutSettings {
	return &TimeoutSettings{parent: parent}
}

func (t *TimeoutSettings) SetDefaultTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultTimeout = &timeout
}

func (t *TimeoutSettings) SetDefaultNavigationTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultNavigationTimeout = &timeout
}

// NavigationTimeout returns the timeout for navigations and load waits.
func (t *TimeoutSettings) NavigationTimeout() time.Duration {
	if t == nil {
		return DefaultTimeout
	}
	t.mu.RLock()
	nav, def := t.defaultNavigationTimeout, t.defaultTimeout
	t.mu.RUnlock()
	if nav != nil {
		return *nav
	}
	if def != nil {
		return *def
	}
	if t.parent != nil {
		return t.parent.NavigationTimeout()
	}
	return DefaultTimeout
}

// Timeout returns the timeout for commands and waits.
func (t *TimeoutSettings) Timeout() time.Duration {
	if t == nil {
		return DefaultTimeout
	}
	t.mu.RLock()
	def := t.defaultTimeout
	t.mu.RUnlock()
	if def != nil {
		return *def
	}
	if t.parent != nil {
		return t.parent.Timeout()
	}
	return DefaultTimeout
}
