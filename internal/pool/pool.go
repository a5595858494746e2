package pool

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/dhruvsoni1802/browser-bidi/internal/log"
)

var (
	// ErrEmptyPool is returned when the pool has no endpoints at all.
	ErrEmptyPool = errors.New("no endpoints in the pool")

	// ErrNoHealthyEndpoints is returned when every endpoint is unhealthy.
	ErrNoHealthyEndpoints = errors.New("no healthy endpoints in the pool")
)

// ManagedEndpoint is one BiDi endpoint sessions can be placed on.
type ManagedEndpoint struct {
	url          string
	sessionCount atomic.Int64
	healthy      atomic.Bool
}

// EndpointMetrics contains metrics about one endpoint
type EndpointMetrics struct {
	URL          string `json:"url"`
	SessionCount int64  `json:"session_count"`
	Healthy      bool   `json:"healthy"`
}

// NewManagedEndpoint returns a healthy endpoint with no sessions.
func NewManagedEndpoint(rawURL string) *ManagedEndpoint {
	e := &ManagedEndpoint{url: rawURL}
	e.healthy.Store(true)
	return e
}

func (e *ManagedEndpoint) URL() string                { return e.url }
func (e *ManagedEndpoint) GetSessionCount() int64     { return e.sessionCount.Load() }
func (e *ManagedEndpoint) IncrementSessionCount()     { e.sessionCount.Add(1) }
func (e *ManagedEndpoint) IsHealthy() bool            { return e.healthy.Load() }
func (e *ManagedEndpoint) SetHealthy(healthy bool)    { e.healthy.Store(healthy) }
func (e *ManagedEndpoint) GetMetrics() EndpointMetrics {
	return EndpointMetrics{URL: e.url, SessionCount: e.GetSessionCount(), Healthy: e.IsHealthy()}
}

// DecrementSessionCount lowers the session count, never below zero.
func (e *ManagedEndpoint) DecrementSessionCount() {
	for {
		n := e.sessionCount.Load()
		if n <= 0 || e.sessionCount.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// EndpointPool holds the configured BiDi endpoints.
type EndpointPool struct {
	endpoints []*ManagedEndpoint
	mu        sync.RWMutex
	logger    *log.Logger
}

// PoolMetrics contains metrics about the entire pool
type PoolMetrics struct {
	TotalEndpoints   int               `json:"total_endpoints"`
	HealthyEndpoints int               `json:"healthy_endpoints"`
	TotalSessions    int64             `json:"total_sessions"`
	Endpoints        []EndpointMetrics `json:"endpoints"`
}

// NewEndpointPool creates a pool from endpoint addresses. Duplicates are
// dropped; every address must be a ws, wss, http or https URL.
func NewEndpointPool(addrs []string, logger *log.Logger) (*EndpointPool, error) {
	if len(addrs) == 0 {
		return nil, ErrEmptyPool
	}

	p := &EndpointPool{logger: logger}
	seen := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		if seen[addr] {
			continue
		}
		seen[addr] = true

		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint %q: %w", addr, err)
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return nil, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", addr, u.Scheme)
		}
		p.endpoints = append(p.endpoints, NewManagedEndpoint(addr))
	}

	logger.Infof("EndpointPool", "initialized with %d endpoints", len(p.endpoints))
	return p, nil
}

// GetEndpoints returns a copy of all endpoints (for monitoring)
func (p *EndpointPool) GetEndpoints() []*ManagedEndpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	endpoints := make([]*ManagedEndpoint, len(p.endpoints))
	copy(endpoints, p.endpoints)
	return endpoints
}

// GetEndpoint returns the endpoint with the given URL.
func (p *EndpointPool) GetEndpoint(rawURL string) (*ManagedEndpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.endpoints {
		if e.url == rawURL {
			return e, true
		}
	}
	return nil, false
}

// GetEndpointCount returns the number of endpoints in the pool
func (p *EndpointPool) GetEndpointCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}

// MarkUnhealthy takes an endpoint out of rotation.
func (p *EndpointPool) MarkUnhealthy(rawURL string) {
	if e, ok := p.GetEndpoint(rawURL); ok && e.IsHealthy() {
		e.SetHealthy(false)
		p.logger.Warnf("EndpointPool", "endpoint %s marked unhealthy", rawURL)
	}
}

// GetMetrics returns metrics for the entire pool
func (p *EndpointPool) GetMetrics() PoolMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m := PoolMetrics{
		TotalEndpoints: len(p.endpoints),
		Endpoints:      make([]EndpointMetrics, len(p.endpoints)),
	}
	for i, e := range p.endpoints {
		em := e.GetMetrics()
		m.Endpoints[i] = em
		m.TotalSessions += em.SessionCount
		if em.Healthy {
			m.HealthyEndpoints++
		}
	}
	return m
}
