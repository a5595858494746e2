package pool

// LoadBalancer places sessions on the least loaded healthy endpoint.
type LoadBalancer struct {
	pool *EndpointPool
}

// NewLoadBalancer creates a new load balancer
func NewLoadBalancer(pool *EndpointPool) *LoadBalancer {
	return &LoadBalancer{
		pool: pool,
	}
}

// SelectEndpoint returns the healthy endpoint with the fewest sessions.
// Ties go to the endpoint listed first.
func (lb *LoadBalancer) SelectEndpoint() (*ManagedEndpoint, error) {
	endpoints := lb.pool.GetEndpoints()
	if len(endpoints) == 0 {
		return nil, ErrEmptyPool
	}

	var selected *ManagedEndpoint
	var minSessions int64 = -1
	for _, e := range endpoints {
		if !e.IsHealthy() {
			lb.pool.logger.Debugf("LoadBalancer", "skipping unhealthy endpoint %s", e.URL())
			continue
		}
		if n := e.GetSessionCount(); minSessions == -1 || n < minSessions {
			minSessions = n
			selected = e
		}
	}
	if selected == nil {
		return nil, ErrNoHealthyEndpoints
	}

	lb.pool.logger.Debugf("LoadBalancer", "selected endpoint %s with %d sessions", selected.URL(), minSessions)
	return selected, nil
}

// GetEndpoint returns an endpoint by URL.
func (lb *LoadBalancer) GetEndpoint(rawURL string) (*ManagedEndpoint, bool) {
	return lb.pool.GetEndpoint(rawURL)
}

// GetEndpoints returns every endpoint of the pool.
func (lb *LoadBalancer) GetEndpoints() []*ManagedEndpoint {
	return lb.pool.GetEndpoints()
}

// MarkUnhealthy takes an endpoint out of rotation.
func (lb *LoadBalancer) MarkUnhealthy(rawURL string) {
	lb.pool.MarkUnhealthy(rawURL)
}

// GetMetrics returns the pool metrics.
func (lb *LoadBalancer) GetMetrics() PoolMetrics {
	return lb.pool.GetMetrics()
}
