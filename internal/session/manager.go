package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dhruvsoni1802/browser-bidi/internal/bidi"
	"github.com/dhruvsoni1802/browser-bidi/internal/browser"
	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
	"github.com/dhruvsoni1802/browser-bidi/internal/log"
	"github.com/dhruvsoni1802/browser-bidi/internal/metrics"
	"github.com/dhruvsoni1802/browser-bidi/internal/network"
	"github.com/dhruvsoni1802/browser-bidi/internal/pool"
	"github.com/dhruvsoni1802/browser-bidi/internal/resource"
	"github.com/dhruvsoni1802/browser-bidi/internal/storage"
)

// Config holds the manager limits and protocol timeouts.
type Config struct {
	MaxSessionsPerAgent int
	MaxTotalSessions    int
	CommandTimeout      time.Duration
	InterceptTimeout    time.Duration
	Capabilities        map[string]any
}

// endpoint is the live connection to one pool endpoint.
type endpoint struct {
	url         string
	conn        *bidi.Connection
	session     *browser.Session
	interceptor *network.Interceptor

	mu           sync.Mutex
	intercepting bool
}

// enableInterception blocks requests at beforeRequestSent on the endpoint.
// Only the first call talks to the remote end.
func (ep *endpoint) enableInterception(ctx context.Context) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.intercepting {
		return nil
	}
	opts := network.InterceptOptions{Phases: []network.Phase{network.PhaseBeforeRequestSent}}
	if err := ep.interceptor.Enable(ctx, opts); err != nil {
		return err
	}
	ep.intercepting = true
	return nil
}

// Manager manages all agent sessions and the endpoint connections they run on
type Manager struct {
	sessions  map[string]*Session
	endpoints map[string]*endpoint
	mu        sync.RWMutex
	dialMu    sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	balancer *pool.LoadBalancer
	repo     *storage.SessionRepository
	metrics  *metrics.Collector
	logger   *log.Logger
	cfg      Config
}

// NewManager creates a new session manager. repo may be nil, in which case
// sessions only live in memory.
func NewManager(balancer *pool.LoadBalancer, repo *storage.SessionRepository, collector *metrics.Collector, logger *log.Logger, cfg Config) *Manager {
	if cfg.MaxSessionsPerAgent <= 0 {
		cfg.MaxSessionsPerAgent = MaxSessionsPerAgent
	}
	if cfg.MaxTotalSessions <= 0 {
		cfg.MaxTotalSessions = MaxTotalSessions
	}
	if collector == nil {
		collector = metrics.New(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:  make(map[string]*Session),
		endpoints: make(map[string]*endpoint),
		ctx:       ctx,
		cancel:    cancel,
		balancer:  balancer,
		repo:      repo,
		metrics:   collector,
		logger:    logger,
		cfg:       cfg,
	}
}

// endpointFor returns the connection to the endpoint, dialing it and
// negotiating a BiDi session on first use.
func (m *Manager) endpointFor(ctx context.Context, url string) (*endpoint, error) {
	m.mu.RLock()
	ep := m.endpoints[url]
	m.mu.RUnlock()
	if ep != nil {
		return ep, nil
	}

	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.RLock()
	ep = m.endpoints[url]
	m.mu.RUnlock()
	if ep != nil {
		return ep, nil
	}

	ep, err := m.connect(ctx, url)
	if err != nil {
		m.balancer.MarkUnhealthy(url)
		m.publishMetrics()
		return nil, err
	}

	m.mu.Lock()
	m.endpoints[url] = ep
	m.mu.Unlock()
	// Registered after the endpoint is stored so a connection lost right away
	// still removes it.
	ep.conn.OnClose(func(err error) { m.endpointClosed(ep, err) })

	m.logger.Infof("Manager:endpointFor", "connected to %s (session %s)", url, ep.session.ID())
	return ep, nil
}

func (m *Manager) connect(ctx context.Context, url string) (*endpoint, error) {
	wsURL, err := bidi.ResolveEndpoint(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve endpoint: %w", err)
	}

	timeouts := bidi.NewTimeoutSettings(nil)
	if m.cfg.CommandTimeout > 0 {
		timeouts.SetDefaultTimeout(m.cfg.CommandTimeout)
	}
	conn, err := bidi.Connect(ctx, wsURL, m.logger,
		bidi.WithObserver(m.metrics.Endpoint(url)),
		bidi.WithTimeoutSettings(timeouts),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to endpoint: %w", err)
	}

	bs, err := browser.NewSession(ctx, conn, m.logger, m.cfg.Capabilities)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create BiDi session: %w", err)
	}
	if err := bs.Browser().Sync(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	ep := &endpoint{url: url, conn: conn, session: bs}
	ep.interceptor = network.NewInterceptor(conn, m.logger,
		network.WithPhaseTimeout(m.cfg.InterceptTimeout),
		network.WithContextLookup(func(id string) *resource.Node {
			if bc, ok := bs.Browser().BrowsingContext(id); ok {
				return bc.Node()
			}
			return nil
		}),
		network.WithResolved(func(_ *network.Request, st network.ResolutionState) {
			m.metrics.InterceptionResolved(st.Action.String())
		}),
	)
	return ep, nil
}

// endpointClosed runs once an endpoint connection is gone. The sessions on it
// were already dropped by their user contexts' disposal.
func (m *Manager) endpointClosed(ep *endpoint, err error) {
	m.mu.Lock()
	if m.endpoints[ep.url] == ep {
		delete(m.endpoints, ep.url)
	}
	m.mu.Unlock()
	ep.interceptor.Close()

	if m.ctx.Err() == nil {
		m.logger.Warnf("Manager:endpointClosed", "lost connection to %s: %v", ep.url, err)
		m.balancer.MarkUnhealthy(ep.url)
	}
	m.publishMetrics()
}

// CreateSession creates a new isolated session for the agent on the least
// loaded endpoint. An empty name is replaced by a generated one.
func (m *Manager) CreateSession(ctx context.Context, agentID, sessionName string) (*Session, error) {
	if agentID == "" {
		return nil, ErrAgentIDRequired
	}
	if err := validateSessionName(sessionName); err != nil {
		return nil, err
	}
	if err := m.checkSessionLimits(agentID, sessionName); err != nil {
		return nil, err
	}

	target, ep, err := m.selectEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	uc, err := ep.session.Browser().CreateUserContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create user context: %w", err)
	}

	session := newSession(uuid.NewString(), agentID, sessionName, target.URL(), uc, time.Now())
	state := session.toState()
	state.EnsureSessionName()
	session.setName(state.SessionName)

	if m.repo != nil {
		if err := m.repo.SaveSession(ctx, state); err != nil {
			if errors.Is(err, storage.ErrNameTaken) {
				m.removeUserContext(uc)
				return nil, fmt.Errorf("%w: %q", ErrSessionNameConflict, state.SessionName)
			}
			m.logger.Warnf("Manager:CreateSession", "sid:%s failed to persist session: %v", session.ID, err)
		}
	}

	if err := m.register(session, target); err != nil {
		m.removeUserContext(uc)
		if m.repo != nil {
			_ = m.repo.DeleteSession(context.WithoutCancel(ctx), session.ID)
		}
		return nil, err
	}

	m.logger.Infof("Manager:CreateSession", "sid:%s name:%q agent:%s endpoint:%s user context:%s",
		session.ID, session.Name(), agentID, target.URL(), uc.ID())
	return session, nil
}

// selectEndpoint picks an endpoint and connects to it. Endpoints that fail to
// connect are marked unhealthy and the next one is tried.
func (m *Manager) selectEndpoint(ctx context.Context) (*pool.ManagedEndpoint, *endpoint, error) {
	var lastErr error
	for range m.balancer.GetEndpoints() {
		target, err := m.balancer.SelectEndpoint()
		if err != nil {
			break
		}
		ep, err := m.endpointFor(ctx, target.URL())
		if err == nil {
			return target, ep, nil
		}
		lastErr = err
		m.logger.Warnf("Manager:selectEndpoint", "endpoint %s unavailable: %v", target.URL(), err)
	}
	if lastErr != nil {
		return nil, nil, fmt.Errorf("%w: %w", pool.ErrNoHealthyEndpoints, lastErr)
	}
	return nil, nil, pool.ErrNoHealthyEndpoints
}

// register adds a live session, re-checking the limits under the lock.
func (m *Manager) register(session *Session, target *pool.ManagedEndpoint) error {
	m.mu.Lock()
	if err := m.checkSessionLimitsLocked(session.AgentID, session.Name()); err != nil {
		m.mu.Unlock()
		return err
	}
	m.sessions[session.ID] = session
	m.mu.Unlock()

	target.IncrementSessionCount()
	session.UserContext.OnDispose(func(reason string) { m.userContextDisposed(session, reason) })
	for _, bc := range session.contexts() {
		m.trackPage(session, bc)
	}
	m.publishMetrics()
	return nil
}

// removeUserContext is the best effort cleanup of a user context whose
// session could not be created.
func (m *Manager) removeUserContext(uc *browser.UserContext) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := uc.Remove(ctx); err != nil {
		m.logger.Warnf("Manager:removeUserContext", "failed to remove user context %s: %v", uc.ID(), err)
	}
}

// userContextDisposed drops a session whose user context went away, either
// through DestroySession, cascade from the endpoint connection or the remote
// end removing it.
func (m *Manager) userContextDisposed(session *Session, reason string) {
	if !m.dropSession(session, SessionClosed) {
		return
	}
	m.logger.Infof("Manager:userContextDisposed", "sid:%s closed: %s", session.ID, reason)

	if session.isDestroying() || m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.repo.UpdateStatus(ctx, session.ID, string(SessionClosed)); err != nil {
		m.logger.Warnf("Manager:userContextDisposed", "sid:%s failed to persist status: %v", session.ID, err)
	}
}

// dropSession removes a live session. Only the first call for a session has
// any effect.
func (m *Manager) dropSession(session *Session, status SessionStatus) bool {
	sub, ok := session.close(status)
	if !ok {
		return false
	}
	if sub != nil {
		sub.Cancel()
	}

	m.mu.Lock()
	if m.sessions[session.ID] == session {
		delete(m.sessions, session.ID)
	}
	m.mu.Unlock()

	if e, ok := m.balancer.GetEndpoint(session.EndpointURL); ok {
		e.DecrementSessionCount()
	}
	m.publishMetrics()
	return true
}

// trackPage forgets the page once its browsing context is disposed. Pages
// lost with the connection stay in the repository; they still exist on the
// remote end and come back when the session is resumed.
func (m *Manager) trackPage(session *Session, bc *browser.BrowsingContext) {
	bc.OnDispose(func(reason string) {
		if !session.removePage(bc.ID()) || reason == resource.ReasonConnectionClosed {
			return
		}
		if session.Status() != SessionActive || session.isDestroying() {
			return
		}
		m.persistPages(context.Background(), session)
	})
}

// GetSession retrieves a live session by ID
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// DestroySession removes the session's user context, which closes all its
// pages, and deletes the session from the repository.
func (m *Manager) DestroySession(ctx context.Context, sessionID string) error {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	session.markDestroying()
	if err := session.UserContext.Remove(ctx); err != nil && !errors.Is(err, errext.ErrDisposed) {
		return fmt.Errorf("failed to remove user context: %w", err)
	}
	m.dropSession(session, SessionClosed)

	if m.repo != nil {
		if err := m.repo.DeleteSession(ctx, sessionID); err != nil {
			m.logger.Warnf("Manager:DestroySession", "sid:%s failed to delete session from Redis: %v", sessionID, err)
		}
	}

	m.logger.Infof("Manager:DestroySession", "sid:%s name:%q agent:%s destroyed", sessionID, session.Name(), session.AgentID)
	return nil
}

// ListSessions returns all live sessions, oldest first
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// GetSessionCount returns the number of live sessions
func (m *Manager) GetSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops the background workers and closes every endpoint connection.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	endpoints := make([]*endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		endpoints = append(endpoints, ep)
	}
	m.endpoints = make(map[string]*endpoint)
	m.mu.Unlock()

	var g errgroup.Group
	for _, ep := range endpoints {
		ep := ep
		g.Go(func() error {
			if err := ep.conn.Close(); err != nil {
				return fmt.Errorf("closing %s: %w", ep.url, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StartCleanupWorker starts a background worker that destroys sessions idle
// for longer than timeout and retries unhealthy endpoints.
func (m *Manager) StartCleanupWorker(interval, timeout time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.logger.Infof("Manager:cleanup", "cleanup worker started (interval %s, session timeout %s)", interval, timeout)

		for {
			select {
			case <-m.ctx.Done():
				m.logger.Infof("Manager:cleanup", "cleanup worker stopping")
				return

			case <-ticker.C:
				m.cleanupExpiredSessions(timeout)
				m.reviveEndpoints()
			}
		}
	}()
}

// cleanupExpiredSessions removes sessions inactive for longer than timeout
func (m *Manager) cleanupExpiredSessions(timeout time.Duration) {
	var expired []*Session
	for _, session := range m.ListSessions() {
		if session.IsExpired(timeout) {
			expired = append(expired, session)
		}
	}
	if len(expired) == 0 {
		return
	}

	m.logger.Infof("Manager:cleanup", "cleaning up %d expired sessions", len(expired))
	for _, session := range expired {
		ctx, cancel := context.WithTimeout(m.ctx, persistTimeout)
		if err := m.DestroySession(ctx, session.ID); err != nil {
			m.logger.Warnf("Manager:cleanup", "sid:%s failed to destroy expired session: %v", session.ID, err)
		} else {
			m.logger.Debugf("Manager:cleanup", "sid:%s destroyed expired session", session.ID)
		}
		cancel()
	}
}

// reviveEndpoints tries to reconnect to unhealthy endpoints.
func (m *Manager) reviveEndpoints() {
	for _, e := range m.balancer.GetEndpoints() {
		if e.IsHealthy() {
			continue
		}
		ctx, cancel := context.WithTimeout(m.ctx, persistTimeout)
		_, err := m.endpointFor(ctx, e.URL())
		cancel()
		if err != nil {
			m.logger.Debugf("Manager:reviveEndpoints", "endpoint %s still unavailable: %v", e.URL(), err)
			continue
		}
		e.SetHealthy(true)
		m.logger.Infof("Manager:reviveEndpoints", "endpoint %s is healthy again", e.URL())
	}
	m.publishMetrics()
}

// checkSessionLimits checks the global and per-agent limits and the name
// against the live sessions.
func (m *Manager) checkSessionLimits(agentID, sessionName string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkSessionLimitsLocked(agentID, sessionName)
}

func (m *Manager) checkSessionLimitsLocked(agentID, sessionName string) error {
	if len(m.sessions) >= m.cfg.MaxTotalSessions {
		return fmt.Errorf("%w (%d)", ErrGlobalLimitReached, m.cfg.MaxTotalSessions)
	}

	count := 0
	for _, s := range m.sessions {
		if s.AgentID != agentID {
			continue
		}
		count++
		if sessionName != "" && s.Name() == sessionName {
			return fmt.Errorf("%w: %q", ErrSessionNameConflict, sessionName)
		}
	}
	if count >= m.cfg.MaxSessionsPerAgent {
		return fmt.Errorf("%w: agent has %d sessions (max %d)", ErrSessionLimitReached, count, m.cfg.MaxSessionsPerAgent)
	}
	return nil
}

// publishMetrics refreshes the session and endpoint gauges.
func (m *Manager) publishMetrics() {
	m.metrics.SetAgentSessions(m.GetSessionCount())
	for _, e := range m.balancer.GetEndpoints() {
		m.metrics.SetEndpoint(e.URL(), e.GetSessionCount(), e.IsHealthy())
	}
}

// validateSessionName accepts empty names (generated later) and printable
// names up to MaxSessionNameLength.
func validateSessionName(name string) error {
	if name == "" {
		return nil
	}
	if len(name) > MaxSessionNameLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidSessionName, MaxSessionNameLength)
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: blank", ErrInvalidSessionName)
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("%w: contains non-printable characters", ErrInvalidSessionName)
		}
	}
	return nil
}
