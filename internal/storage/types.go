package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned when no session is stored under an ID
	// or name.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNameTaken is returned when an agent already uses a session name.
	ErrNameTaken = errors.New("session name already exists")
)

// SessionState represents persisted session data
type SessionState struct {
	SessionID     string    `json:"session_id"`
	SessionName   string    `json:"session_name"`
	AgentID       string    `json:"agent_id,omitempty"`
	EndpointURL   string    `json:"endpoint_url"`
	UserContextID string    `json:"user_context_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	Status        string    `json:"status"`

	Pages []PageState `json:"pages,omitempty"`
}

// PageState represents an open page
type PageState struct {
	PageID string `json:"page_id"`
	URL    string `json:"url"`
}

// Validate checks the fields every stored session needs.
func (s *SessionState) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if s.AgentID == "" {
		return fmt.Errorf("agent_id is required for named sessions")
	}
	return nil
}

// EnsureSessionName generates a name like "session-2026-02-08-1b4e28ba"
// when none is set.
func (s *SessionState) EnsureSessionName() {
	if s.SessionName != "" {
		return
	}
	short := s.SessionID
	if len(short) > 8 {
		short = short[:8]
	}
	s.SessionName = fmt.Sprintf("session-%s-%s", s.CreatedAt.Format("2006-01-02"), short)
}
