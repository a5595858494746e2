package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dhruvsoni1802/browser-bidi/internal/browser"
	"github.com/dhruvsoni1802/browser-bidi/internal/network"
	"github.com/dhruvsoni1802/browser-bidi/internal/storage"
)

// Navigate opens a new page in the session, navigates it to url and returns
// the page ID.
func (m *Manager) Navigate(ctx context.Context, sessionID, url string) (string, error) {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return "", err
	}

	bc, err := session.UserContext.CreateBrowsingContext(ctx, browser.ContextTab)
	if err != nil {
		return "", fmt.Errorf("failed to create page: %w", err)
	}
	if _, err := bc.Navigate(ctx, url, browser.ReadinessComplete); err != nil {
		if cerr := bc.Close(context.WithoutCancel(ctx)); cerr != nil {
			m.logger.Debugf("Manager:Navigate", "sid:%s failed to close page %s: %v", sessionID, bc.ID(), cerr)
		}
		return "", fmt.Errorf("failed to navigate: %w", err)
	}

	session.addPage(bc)
	m.trackPage(session, bc)
	m.touch(ctx, session)
	m.persistPages(ctx, session)

	return bc.ID(), nil
}

// ExecuteJavascript executes JavaScript code on a page
func (m *Manager) ExecuteJavascript(ctx context.Context, sessionID, pageID, code string) (any, error) {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	result, err := session.ExecuteJavascript(ctx, pageID, code)
	if err != nil {
		return nil, err
	}

	m.touch(ctx, session)
	return result, nil
}

// GetPageContent gets the HTML content of a page
func (m *Manager) GetPageContent(ctx context.Context, sessionID, pageID string) (string, error) {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return "", err
	}

	content, err := session.GetPageContent(ctx, pageID)
	if err != nil {
		return "", err
	}

	m.touch(ctx, session)
	return content, nil
}

// ClosePage closes a specific page in the session. The user context stays;
// other pages may still be open.
func (m *Manager) ClosePage(ctx context.Context, sessionID, pageID string) error {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	bc, err := session.page(pageID)
	if err != nil {
		return err
	}
	if err := bc.Close(ctx); err != nil {
		return fmt.Errorf("failed to close page: %w", err)
	}

	m.touch(ctx, session)
	return nil
}

// SetBlocklist makes the session abort every request of its pages whose URL
// contains one of patterns. An empty list lifts the blocking.
func (m *Manager) SetBlocklist(ctx context.Context, sessionID string, patterns []string) error {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	m.mu.RLock()
	ep := m.endpoints[session.EndpointURL]
	m.mu.RUnlock()
	if ep == nil {
		return fmt.Errorf("%w: endpoint %s is not connected", ErrSessionNotLive, session.EndpointURL)
	}

	patterns = cleanPatterns(patterns)
	var sub *network.Subscription
	if len(patterns) > 0 {
		if err := ep.enableInterception(ctx); err != nil {
			return fmt.Errorf("failed to enable request interception: %w", err)
		}
		sub = ep.interceptor.Subscribe(func(in *network.Interception) {
			req := in.Request()
			if !session.owns(req.Context) || !session.blocks(req.URL) {
				return
			}
			if err := in.Abort(blockedReason, 0); err != nil {
				m.logger.Debugf("Manager:blocklist", "sid:%s request %s: %v", session.ID, req.ID, err)
			}
		})
	}

	if old := session.setBlocklist(patterns, sub); old != nil {
		old.Cancel()
	}
	// Closed concurrently; its subscription would never be cancelled.
	if session.Status() != SessionActive && sub != nil {
		sub.Cancel()
	}

	m.touch(ctx, session)
	m.logger.Infof("Manager:SetBlocklist", "sid:%s blocking %d patterns", sessionID, len(patterns))
	return nil
}

func cleanPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// ResumeSessionByName returns the agent's session with the given name. A
// session that is not in memory is re-attached if its user context still
// exists on its endpoint.
func (m *Manager) ResumeSessionByName(ctx context.Context, agentID, sessionName string) (*Session, error) {
	if agentID == "" || sessionName == "" {
		return nil, fmt.Errorf("%w: agent_id and session_name are required", ErrInvalidSessionName)
	}

	if session := m.liveByName(agentID, sessionName); session != nil {
		m.touch(ctx, session)
		m.logger.Infof("Manager:ResumeSessionByName", "sid:%s resumed from memory", session.ID)
		return session, nil
	}
	if m.repo == nil {
		return nil, fmt.Errorf("%w: no session named %q", ErrSessionNotFound, sessionName)
	}

	sessionID, err := m.repo.GetSessionByName(ctx, agentID, sessionName)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: no session named %q", ErrSessionNotFound, sessionName)
	}
	if err != nil {
		return nil, err
	}

	if session, err := m.GetSession(sessionID); err == nil {
		m.touch(ctx, session)
		return session, nil
	}

	state, err := m.repo.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session from Redis: %w", err)
	}

	session, err := m.resurrectSession(ctx, state)
	if err != nil {
		return nil, err
	}

	m.logger.Infof("Manager:ResumeSessionByName", "sid:%s name:%q agent:%s re-attached to user context %s",
		session.ID, sessionName, agentID, session.UserContext.ID())
	return session, nil
}

// resurrectSession rebuilds a session from Redis state. The user context must
// still exist on the endpoint; browser state can't be restored once it's gone.
func (m *Manager) resurrectSession(ctx context.Context, state *storage.SessionState) (*Session, error) {
	target, ok := m.balancer.GetEndpoint(state.EndpointURL)
	if !ok || !target.IsHealthy() {
		return nil, fmt.Errorf("%w: endpoint %s is unavailable", ErrSessionNotLive, state.EndpointURL)
	}

	ep, err := m.endpointFor(ctx, state.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionNotLive, err)
	}
	b := ep.session.Browser()
	if err := b.Sync(ctx); err != nil {
		return nil, fmt.Errorf("failed to sync endpoint state: %w", err)
	}
	uc, ok := b.UserContext(state.UserContextID)
	if !ok {
		return nil, fmt.Errorf("%w: user context %s no longer exists", ErrSessionNotLive, state.UserContextID)
	}

	session := newSession(state.SessionID, state.AgentID, state.SessionName, state.EndpointURL, uc, state.CreatedAt)
	for _, p := range state.Pages {
		if bc, ok := b.BrowsingContext(p.PageID); ok && bc.UserContext() == uc {
			session.addPage(bc)
		}
	}
	session.UpdateActivity()

	if err := m.register(session, target); err != nil {
		return nil, err
	}
	if err := m.repo.SaveSession(ctx, session.toState()); err != nil {
		m.logger.Warnf("Manager:resurrectSession", "sid:%s failed to persist session: %v", session.ID, err)
	}
	return session, nil
}

// liveByName returns the live session of the agent with the given name.
func (m *Manager) liveByName(agentID, sessionName string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.AgentID == agentID && s.Name() == sessionName {
			return s
		}
	}
	return nil
}

// ListAgentSessions returns all sessions for an agent. With Redis this
// includes sessions that are no longer live.
func (m *Manager) ListAgentSessions(ctx context.Context, agentID string) ([]*storage.SessionState, error) {
	if agentID == "" {
		return nil, ErrAgentIDRequired
	}

	live := make(map[string]*storage.SessionState)
	for _, s := range m.ListSessions() {
		if s.AgentID == agentID {
			live[s.ID] = s.toState()
		}
	}

	var states []*storage.SessionState
	if m.repo != nil {
		stored, err := m.repo.ListAgentSessions(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("failed to list agent sessions: %w", err)
		}
		for _, state := range stored {
			if s, ok := live[state.SessionID]; ok {
				state = s
				delete(live, state.SessionID)
			}
			states = append(states, state)
		}
	}
	for _, s := range live {
		states = append(states, s)
	}

	slices.SortFunc(states, func(a, b *storage.SessionState) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return states, nil
}

// RenameSession updates a session's name
func (m *Manager) RenameSession(ctx context.Context, sessionID, newName string) error {
	if newName == "" {
		return fmt.Errorf("%w: new name is required", ErrInvalidSessionName)
	}
	if err := validateSessionName(newName); err != nil {
		return err
	}

	session, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	oldName := session.Name()
	if oldName == newName {
		return nil
	}
	if other := m.liveByName(session.AgentID, newName); other != nil {
		return fmt.Errorf("%w: %q", ErrSessionNameConflict, newName)
	}

	if m.repo != nil {
		if err := m.repo.RenameSession(ctx, sessionID, session.AgentID, oldName, newName); err != nil {
			if errors.Is(err, storage.ErrNameTaken) {
				return fmt.Errorf("%w: %q", ErrSessionNameConflict, newName)
			}
			return fmt.Errorf("failed to rename session in Redis: %w", err)
		}
	}

	session.setName(newName)
	m.touch(ctx, session)

	m.logger.Infof("Manager:RenameSession", "sid:%s renamed %q -> %q", sessionID, oldName, newName)
	return nil
}

// touch records activity on the session.
func (m *Manager) touch(ctx context.Context, session *Session) {
	session.UpdateActivity()
	if m.repo == nil {
		return
	}
	if err := m.repo.UpdateLastActivity(ctx, session.ID); err != nil {
		m.logger.Warnf("Manager:touch", "sid:%s failed to update last activity: %v", session.ID, err)
	}
}

// persistPages stores the session's open pages.
func (m *Manager) persistPages(ctx context.Context, session *Session) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	pages := session.toState().Pages
	if err := m.repo.SavePages(ctx, session.ID, pages); err != nil {
		m.logger.Warnf("Manager:persistPages", "sid:%s failed to save pages: %v", session.ID, err)
	}
}
