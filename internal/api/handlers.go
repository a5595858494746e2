package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dhruvsoni1802/browser-bidi/internal/pool"
	"github.com/dhruvsoni1802/browser-bidi/internal/session"
)

// Handlers contains HTTP handlers for the API
type Handlers struct {
	sessionManager *session.Manager
	loadBalancer   *pool.LoadBalancer
}

// NewHandlers creates a new Handlers instance
func NewHandlers(manager *session.Manager, loadBalancer *pool.LoadBalancer) *Handlers {
	return &Handlers{
		sessionManager: manager,
		loadBalancer:   loadBalancer,
	}
}

// CreateSession handles POST /sessions
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "agent_id is required")
		return
	}

	sess, err := h.sessionManager.CreateSession(r.Context(), req.AgentID, req.SessionName)
	if err != nil {
		writeManagerError(w, err, ErrCodeSessionCreateFailed)
		return
	}

	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID:     sess.ID,
		SessionName:   sess.Name(),
		AgentID:       sess.AgentID,
		EndpointURL:   sess.EndpointURL,
		UserContextID: sess.UserContext.ID(),
		CreatedAt:     sess.CreatedAt,
	})
}

// DestroySession handles DELETE /sessions/{id}
func (h *Handlers) DestroySession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	if err := h.sessionManager.DestroySession(r.Context(), sessionID); err != nil {
		writeManagerError(w, err, ErrCodeInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetSession handles GET /sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionManager.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeManagerError(w, err, ErrCodeInternalError)
		return
	}

	pages := sess.Pages()
	writeJSON(w, http.StatusOK, GetSessionResponse{
		SessionID:     sess.ID,
		SessionName:   sess.Name(),
		AgentID:       sess.AgentID,
		EndpointURL:   sess.EndpointURL,
		UserContextID: sess.UserContext.ID(),
		Pages:         pages,
		PageCount:     len(pages),
		Blocklist:     sess.Blocklist(),
		CreatedAt:     sess.CreatedAt,
		LastActivity:  sess.LastActivity(),
		Status:        sess.Status(),
	})
}

// ListSessions handles GET /sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessionManager.ListSessions()

	sessionInfos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		sessionInfos = append(sessionInfos, SessionInfo{
			SessionID:     sess.ID,
			SessionName:   sess.Name(),
			AgentID:       sess.AgentID,
			EndpointURL:   sess.EndpointURL,
			UserContextID: sess.UserContext.ID(),
			PageCount:     len(sess.PageIDs()),
			CreatedAt:     sess.CreatedAt,
			LastActivity:  sess.LastActivity(),
			Status:        sess.Status(),
		})
	}

	writeJSON(w, http.StatusOK, ListSessionsResponse{
		Sessions: sessionInfos,
		Count:    len(sessionInfos),
	})
}

// ResumeSession handles POST /sessions/resume
func (h *Handlers) ResumeSession(w http.ResponseWriter, r *http.Request) {
	var req ResumeSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.SessionName == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "agent_id and session_name are required")
		return
	}

	sess, err := h.sessionManager.ResumeSessionByName(r.Context(), req.AgentID, req.SessionName)
	if err != nil {
		writeManagerError(w, err, ErrCodeInternalError)
		return
	}

	writeJSON(w, http.StatusOK, ResumeSessionResponse{
		SessionID:     sess.ID,
		SessionName:   sess.Name(),
		UserContextID: sess.UserContext.ID(),
		PageIDs:       sess.PageIDs(),
		Resumed:       true,
		CreatedAt:     sess.CreatedAt,
	})
}

// RenameSession handles PUT /sessions/{id}/rename
func (h *Handlers) RenameSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req RenameSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionName == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "session_name is required")
		return
	}

	if err := h.sessionManager.RenameSession(r.Context(), sessionID, req.SessionName); err != nil {
		writeManagerError(w, err, ErrCodeInternalError)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "session renamed to " + req.SessionName})
}

// SetBlocklist handles PUT /sessions/{id}/blocklist
func (h *Handlers) SetBlocklist(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req BlocklistRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.sessionManager.SetBlocklist(r.Context(), sessionID, req.Patterns); err != nil {
		writeManagerError(w, err, ErrCodeInternalError)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// Navigate handles POST /sessions/{id}/navigate
func (h *Handlers) Navigate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req NavigateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "URL is required")
		return
	}

	pageID, err := h.sessionManager.Navigate(r.Context(), sessionID, req.URL)
	if err != nil {
		writeManagerError(w, err, ErrCodeNavigationFailed)
		return
	}

	writeJSON(w, http.StatusOK, NavigateResponse{
		SessionID: sessionID,
		PageID:    pageID,
		URL:       req.URL,
	})
}

// ExecuteJS handles POST /sessions/{id}/execute
func (h *Handlers) ExecuteJS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req ExecuteJSRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PageID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "page_id is required")
		return
	}
	if req.Script == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "script is required")
		return
	}

	result, err := h.sessionManager.ExecuteJavascript(r.Context(), sessionID, req.PageID, req.Script)
	if err != nil {
		writeManagerError(w, err, ErrCodeExecutionFailed)
		return
	}

	writeJSON(w, http.StatusOK, ExecuteJSResponse{
		SessionID: sessionID,
		PageID:    req.PageID,
		Result:    result,
	})
}

// GetPageContent handles GET /sessions/{id}/pages/{pageId}/content
func (h *Handlers) GetPageContent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	pageID := chi.URLParam(r, "pageId")

	content, err := h.sessionManager.GetPageContent(r.Context(), sessionID, pageID)
	if err != nil {
		writeManagerError(w, err, ErrCodeInternalError)
		return
	}

	writeJSON(w, http.StatusOK, GetPageContentResponse{
		SessionID: sessionID,
		PageID:    pageID,
		Content:   content,
		Length:    len(content),
	})
}

// ClosePage handles DELETE /sessions/{id}/pages/{pageId}
func (h *Handlers) ClosePage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	pageID := chi.URLParam(r, "pageId")

	if err := h.sessionManager.ClosePage(r.Context(), sessionID, pageID); err != nil {
		writeManagerError(w, err, ErrCodeInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListAgentSessions handles GET /agents/{agentId}/sessions
func (h *Handlers) ListAgentSessions(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")

	states, err := h.sessionManager.ListAgentSessions(r.Context(), agentID)
	if err != nil {
		writeManagerError(w, err, ErrCodeInternalError)
		return
	}

	summaries := make([]SessionSummary, 0, len(states))
	for _, state := range states {
		summaries = append(summaries, SessionSummary{
			SessionID:    state.SessionID,
			SessionName:  state.SessionName,
			EndpointURL:  state.EndpointURL,
			Status:       session.SessionStatus(state.Status),
			PageCount:    len(state.Pages),
			CreatedAt:    state.CreatedAt,
			LastActivity: state.LastActivity,
		})
	}

	writeJSON(w, http.StatusOK, ListAgentSessionsResponse{
		AgentID:  agentID,
		Sessions: summaries,
		Count:    len(summaries),
	})
}

// PoolMetrics handles GET /pool
func (h *Handlers) PoolMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.loadBalancer.GetMetrics())
}

// Health handles GET /healthz
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.sessionManager.GetSessionCount(),
	})
}
