// Package health defines the internal and external health status vocabulary
// and the aggregation used by the /health endpoint.
package health

import (
	"sync"
	"time"
)

// Status is the extended internal vocabulary. Components may report
// connection-flavored states; the external surface only ever sees the basic
// three via Basic().
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusWarning      Status = "warning"
	StatusUnhealthy    Status = "unhealthy"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
	StatusDisconnected Status = "disconnected"
)

// Basic collapses the extended vocabulary to the external one:
// {healthy, connected} -> healthy; {warning, degraded} -> warning;
// {unhealthy, disconnected} -> unhealthy.
func (s Status) Basic() Status {
	switch s {
	case StatusHealthy, StatusConnected:
		return StatusHealthy
	case StatusWarning, StatusDegraded:
		return StatusWarning
	case StatusUnhealthy, StatusDisconnected:
		return StatusUnhealthy
	default:
		return StatusUnhealthy
	}
}

// severity orders basic statuses for aggregation.
func severity(s Status) int {
	switch s.Basic() {
	case StatusHealthy:
		return 0
	case StatusWarning:
		return 1
	default:
		return 2
	}
}

// Component is one probed subsystem in a report.
type Component struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the aggregate health view. BasicStatus is the worst component
// status after the Basic() mapping.
type Report struct {
	BasicStatus Status               `json:"status"`
	Components  map[string]Component `json:"components"`
}

// Probe produces the current status of one component.
type Probe func() Component

// Reporter aggregates registered component probes into a Report. A cache TTL
// may be set so frequent polling does not fan out to every probe each time.
type Reporter struct {
	mu     sync.RWMutex
	probes map[string]Probe

	cacheTTL time.Duration
	cached   *Report
	cachedAt time.Time
}

// NewReporter creates an empty reporter.
func NewReporter() *Reporter {
	return &Reporter{probes: make(map[string]Probe)}
}

// Register adds or replaces a component probe and drops any cached report.
func (r *Reporter) Register(name string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[name] = probe
	r.cached = nil
}

// SetCacheTTL caches aggregated reports for d. Zero disables caching.
func (r *Reporter) SetCacheTTL(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheTTL = d
	r.cached = nil
}

// Report runs all probes and aggregates. With no probes registered the
// report is healthy. Within the cache TTL the previous report is returned
// without re-probing.
func (r *Reporter) Report() Report {
	r.mu.RLock()
	if r.cached != nil && r.cacheTTL > 0 && time.Since(r.cachedAt) < r.cacheTTL {
		cached := *r.cached
		r.mu.RUnlock()
		return cached
	}
	probes := make(map[string]Probe, len(r.probes))
	for name, p := range r.probes {
		probes[name] = p
	}
	r.mu.RUnlock()

	report := Report{
		BasicStatus: StatusHealthy,
		Components:  make(map[string]Component, len(probes)),
	}
	for name, probe := range probes {
		c := probe()
		report.Components[name] = c
		if severity(c.Status) > severity(report.BasicStatus) {
			report.BasicStatus = c.Status.Basic()
		}
	}

	r.mu.Lock()
	if r.cacheTTL > 0 {
		snapshot := report
		r.cached = &snapshot
		r.cachedAt = time.Now()
	}
	r.mu.Unlock()
	return report
}
