package session

import (
	"errors"
	"time"
)

const (
	// MaxSessionsPerAgent is the maximum number of active sessions per agent
	MaxSessionsPerAgent = 10

	// MaxTotalSessions is the global limit across all agents
	MaxTotalSessions = 100

	// MaxSessionNameLength bounds user supplied session names.
	MaxSessionNameLength = 128

	// persistTimeout bounds Redis writes made outside of a request.
	persistTimeout = 5 * time.Second

	// blockedReason is the abort reason of requests matching a session blocklist.
	blockedReason = "blocked by session blocklist"
)

// Error definitions
var (
	ErrSessionLimitReached = errors.New("agent session limit reached")
	ErrGlobalLimitReached  = errors.New("global session limit reached")
	ErrSessionNameConflict = errors.New("session name already exists")
	ErrInvalidSessionName  = errors.New("invalid session name")
	ErrAgentIDRequired     = errors.New("agent_id is required")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotLive      = errors.New("session is not live")
	ErrPageNotFound        = errors.New("page not found in session")
)
