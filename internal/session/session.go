package session

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dhruvsoni1802/browser-bidi/internal/browser"
	"github.com/dhruvsoni1802/browser-bidi/internal/network"
	"github.com/dhruvsoni1802/browser-bidi/internal/storage"
)

// SessionStatus represents the current state of a session
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"  // Session is running
	SessionClosed  SessionStatus = "closed"  // Session was closed or lost its endpoint
	SessionExpired SessionStatus = "expired" // Session timed out
)

// Session is an agent's isolated browsing session: one user context on one
// endpoint, with the pages opened in it.
type Session struct {
	ID          string
	AgentID     string
	EndpointURL string
	UserContext *browser.UserContext
	CreatedAt   time.Time

	mu           sync.Mutex
	name         string
	pages        []*browser.BrowsingContext
	lastActivity time.Time
	status       SessionStatus
	destroying   bool
	blocklist    []string
	blockSub     *network.Subscription
}

// Page is a snapshot of one page of a session.
type Page struct {
	ID  string `json:"page_id"`
	URL string `json:"url"`
}

func newSession(id, agentID, name, endpointURL string, uc *browser.UserContext, createdAt time.Time) *Session {
	return &Session{
		ID:           id,
		AgentID:      agentID,
		EndpointURL:  endpointURL,
		UserContext:  uc,
		CreatedAt:    createdAt,
		name:         name,
		lastActivity: createdAt,
		status:       SessionActive,
	}
}

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// IsExpired checks if the session has been inactive too long
func (s *Session) IsExpired(timeout time.Duration) bool {
	return time.Since(s.LastActivity()) > timeout
}

// UpdateActivity updates the last activity timestamp
func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// Pages returns the open pages in the order they were opened.
func (s *Session) Pages() []Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := make([]Page, len(s.pages))
	for i, bc := range s.pages {
		pages[i] = Page{ID: bc.ID(), URL: bc.URL()}
	}
	return pages
}

// PageIDs returns the ids of the open pages.
func (s *Session) PageIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.pages))
	for i, bc := range s.pages {
		ids[i] = bc.ID()
	}
	return ids
}

// Blocklist returns the URL patterns the session aborts requests for.
func (s *Session) Blocklist() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.blocklist)
}

func (s *Session) contexts() []*browser.BrowsingContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pages)
}

// addPage tracks a new page in this session
func (s *Session) addPage(bc *browser.BrowsingContext) {
	s.mu.Lock()
	s.pages = append(s.pages, bc)
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// removePage removes a page from tracking
func (s *Session) removePage(pageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, bc := range s.pages {
		if bc.ID() == pageID {
			s.pages = slices.Delete(s.pages, i, i+1)
			return true
		}
	}
	return false
}

// page returns the open page with the given id.
func (s *Session) page(pageID string) (*browser.BrowsingContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, bc := range s.pages {
		if bc.ID() == pageID {
			return bc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
}

// owns reports whether the browsing context belongs to the session's user
// context.
func (s *Session) owns(contextID string) bool {
	bc, ok := s.UserContext.Browser().BrowsingContext(contextID)
	return ok && bc.UserContext() == s.UserContext
}

// blocks reports whether url matches one of the blocklist patterns.
func (s *Session) blocks(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.blocklist {
		if strings.Contains(url, p) {
			return true
		}
	}
	return false
}

// setBlocklist swaps the blocklist and its interception subscription and
// returns the previous subscription.
func (s *Session) setBlocklist(patterns []string, sub *network.Subscription) *network.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.blockSub
	s.blocklist = patterns
	s.blockSub = sub
	return old
}

// close marks the session with a terminal status. It reports false if the
// session was already closed.
func (s *Session) close(status SessionStatus) (*network.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != SessionActive {
		return nil, false
	}
	s.status = status
	sub := s.blockSub
	s.blockSub = nil
	return sub, true
}

func (s *Session) markDestroying() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroying = true
}

func (s *Session) isDestroying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroying
}

// ExecuteJavascript evaluates code on the page and returns the exported result.
func (s *Session) ExecuteJavascript(ctx context.Context, pageID, code string) (any, error) {
	bc, err := s.page(pageID)
	if err != nil {
		return nil, err
	}

	v, err := bc.Evaluate(ctx, code, true)
	if err != nil {
		return nil, fmt.Errorf("failed to execute javascript: %w", err)
	}
	return browser.Export(v), nil
}

// GetPageContent gets the HTML content of a page
func (s *Session) GetPageContent(ctx context.Context, pageID string) (string, error) {
	bc, err := s.page(pageID)
	if err != nil {
		return "", err
	}

	content, err := bc.Content(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}
	return content, nil
}

// toState converts the session for the repository.
func (s *Session) toState() *storage.SessionState {
	pages := s.Pages()

	s.mu.Lock()
	defer s.mu.Unlock()

	state := &storage.SessionState{
		SessionID:     s.ID,
		SessionName:   s.name,
		AgentID:       s.AgentID,
		EndpointURL:   s.EndpointURL,
		UserContextID: s.UserContext.ID(),
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.lastActivity,
		Status:        string(s.status),
		Pages:         make([]storage.PageState, len(pages)),
	}
	for i, p := range pages {
		state.Pages[i] = storage.PageState{PageID: p.ID, URL: p.URL}
	}
	return state
}
