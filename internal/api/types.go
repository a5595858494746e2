package api

import (
	"time"

	"github.com/dhruvsoni1802/browser-bidi/internal/session"
)

// Request Types

// CreateSessionRequest for POST /sessions
type CreateSessionRequest struct {
	AgentID     string `json:"agent_id" validate:"required"`
	SessionName string `json:"session_name,omitempty"`
}

// NavigateRequest for POST /sessions/{id}/navigate
type NavigateRequest struct {
	URL string `json:"url" validate:"required"`
}

// ExecuteJSRequest for POST /sessions/{id}/execute
type ExecuteJSRequest struct {
	PageID string `json:"page_id" validate:"required"`
	Script string `json:"script" validate:"required"`
}

// ResumeSessionRequest for POST /sessions/resume
type ResumeSessionRequest struct {
	AgentID     string `json:"agent_id" validate:"required"`
	SessionName string `json:"session_name" validate:"required"`
}

// RenameSessionRequest for PUT /sessions/{id}/rename
type RenameSessionRequest struct {
	SessionName string `json:"session_name" validate:"required"`
}

// BlocklistRequest for PUT /sessions/{id}/blocklist. An empty list lifts the
// blocking.
type BlocklistRequest struct {
	Patterns []string `json:"patterns"`
}

// Response Types

// CreateSessionResponse returned when session is created
type CreateSessionResponse struct {
	SessionID     string    `json:"session_id"`
	SessionName   string    `json:"session_name"`
	AgentID       string    `json:"agent_id"`
	EndpointURL   string    `json:"endpoint_url"`
	UserContextID string    `json:"user_context_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// NavigateResponse returned after navigation
type NavigateResponse struct {
	SessionID string `json:"session_id"`
	PageID    string `json:"page_id"`
	URL       string `json:"url"`
}

// ExecuteJSResponse returned after JavaScript execution
type ExecuteJSResponse struct {
	SessionID string `json:"session_id"`
	PageID    string `json:"page_id"`
	Result    any    `json:"result"`
}

// GetPageContentResponse returned with page HTML
type GetPageContentResponse struct {
	SessionID string `json:"session_id"`
	PageID    string `json:"page_id"`
	Content   string `json:"content"`
	Length    int    `json:"length"` // Content length in bytes
}

// GetSessionResponse returned with session details
type GetSessionResponse struct {
	SessionID     string                `json:"session_id"`
	SessionName   string                `json:"session_name"`
	AgentID       string                `json:"agent_id"`
	EndpointURL   string                `json:"endpoint_url"`
	UserContextID string                `json:"user_context_id"`
	Pages         []session.Page        `json:"pages"`
	PageCount     int                   `json:"page_count"`
	Blocklist     []string              `json:"blocklist"`
	CreatedAt     time.Time             `json:"created_at"`
	LastActivity  time.Time             `json:"last_activity"`
	Status        session.SessionStatus `json:"status"`
}

// ListSessionsResponse returned with all sessions
type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Count    int           `json:"count"`
}

// SessionInfo contains summary information about a session
type SessionInfo struct {
	SessionID     string                `json:"session_id"`
	SessionName   string                `json:"session_name"`
	AgentID       string                `json:"agent_id"`
	EndpointURL   string                `json:"endpoint_url"`
	UserContextID string                `json:"user_context_id"`
	PageCount     int                   `json:"page_count"`
	CreatedAt     time.Time             `json:"created_at"`
	LastActivity  time.Time             `json:"last_activity"`
	Status        session.SessionStatus `json:"status"`
}

// ListAgentSessionsResponse
type ListAgentSessionsResponse struct {
	AgentID  string           `json:"agent_id"`
	Sessions []SessionSummary `json:"sessions"`
	Count    int              `json:"count"`
}

// SessionSummary contains summary information about a session
type SessionSummary struct {
	SessionID    string                `json:"session_id"`
	SessionName  string                `json:"session_name"`
	EndpointURL  string                `json:"endpoint_url"`
	Status       session.SessionStatus `json:"status"`
	PageCount    int                   `json:"page_count"`
	CreatedAt    time.Time             `json:"created_at"`
	LastActivity time.Time             `json:"last_activity"`
}

// ResumeSessionResponse for resuming a session
type ResumeSessionResponse struct {
	SessionID     string    `json:"session_id"`
	SessionName   string    `json:"session_name"`
	UserContextID string    `json:"user_context_id"`
	PageIDs       []string  `json:"page_ids"`
	Resumed       bool      `json:"resumed"`
	CreatedAt     time.Time `json:"created_at"`
}

// SuccessResponse for operations that just need success confirmation
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Error Types

// ErrorResponse for all error cases
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`    // Machine-readable error code
	Message string `json:"message"` // Human-readable message
}

// Common error codes
const (
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodePageNotFound        = "PAGE_NOT_FOUND"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeSessionNameConflict = "SESSION_NAME_CONFLICT"
	ErrCodeSessionLimitReached = "SESSION_LIMIT_REACHED"
	ErrCodeSessionNotLive      = "SESSION_NOT_LIVE"
	ErrCodeNoEndpoint          = "NO_ENDPOINT_AVAILABLE"
	ErrCodeSessionCreateFailed = "SESSION_CREATE_FAILED"
	ErrCodeNavigationFailed    = "NAVIGATION_FAILED"
	ErrCodeExecutionFailed     = "EXECUTION_FAILED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)
