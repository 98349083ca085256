package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/metrics"
)

// ProbeTimeout bounds one probe. Device enumeration can hang inside the
// audio backend when a USB device is unplugged mid-query.
const ProbeTimeout = 5 * time.Second

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Check stores the latest health result for a named component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProbeFunc inspects one component (audio host, encoder binary, display
// access) and reports its status.
type ProbeFunc func(ctx context.Context) (Status, string)

// Monitor tracks health checks for the daemon's components.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
	probes map[string]ProbeFunc
}

func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]Check),
		probes: make(map[string]ProbeFunc),
	}
}

// Register adds a probe that RunProbes will call.
func (m *Monitor) Register(name string, probe ProbeFunc) {
	m.mu.Lock()
	m.probes[name] = probe
	m.mu.Unlock()
}

// RunProbes calls every registered probe concurrently and records the
// results. A probe that outlives ProbeTimeout or panics is recorded as
// Unhealthy; a timed-out probe's goroutine is left to finish on its own.
func (m *Monitor) RunProbes(ctx context.Context) {
	m.runProbes(ctx, ProbeTimeout)
}

func (m *Monitor) runProbes(ctx context.Context, timeout time.Duration) {
	m.mu.RLock()
	probes := make(map[string]ProbeFunc, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for name, probe := range probes {
		name, probe := name, probe
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, msg := runProbe(ctx, probe, timeout)
			m.Update(name, status, msg)
		}()
	}
	wg.Wait()
}

type probeResult struct {
	status Status
	msg    string
}

func runProbe(ctx context.Context, probe ProbeFunc, timeout time.Duration) (Status, string) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan probeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- probeResult{Unhealthy, fmt.Sprintf("probe panicked: %v", r)}
			}
		}()
		status, msg := probe(ctx)
		done <- probeResult{status, msg}
	}()

	select {
	case r := <-done:
		return r.status, r.msg
	case <-ctx.Done():
		return Unhealthy, "probe timed out"
	}
}

// Update records the health status for a named component. Invalid statuses
// are stored as Unhealthy.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		status = Unhealthy
	}

	m.mu.Lock()
	prev, existed := m.checks[name]
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now(),
	}
	m.mu.Unlock()

	metrics.ComponentHealth.WithLabelValues(name).Set(statusValue(status))
	if status != Healthy && (!existed || prev.Status != status) {
		log.Warn("health check degraded", "check", name, "status", string(status), "message", message)
	}
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all checks, or Unknown when
// nothing has been recorded yet.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if statusRank(c.Status) > statusRank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns the checks sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Summary returns a JSON-friendly map for the status command and /health.
// Overall and component statuses come from the same snapshot.
func (m *Monitor) Summary() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]string, len(m.checks))
	for _, c := range m.checks {
		components[c.Name] = string(c.Status)
	}

	return map[string]any{
		"status":     string(m.overallLocked()),
		"components": components,
	}
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	default:
		return 2
	}
}

// statusValue is the gauge value exported per component.
func statusValue(s Status) float64 {
	switch s {
	case Healthy:
		return 1
	case Degraded:
		return 0.5
	default:
		return 0
	}
}
