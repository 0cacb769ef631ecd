package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string        `json:"name"`
	Kind      string        `json:"kind"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message,omitempty"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency"`
}

// Probe is a component's liveness check; nil means healthy.
type Probe func(ctx context.Context) error

// SystemHealth is the outcome of one Check pass.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

type component struct {
	kind  string
	probe Probe
}

// HealthMonitor runs registered probes concurrently, each bounded by a timeout.
type HealthMonitor struct {
	mu         sync.RWMutex
	timeout    time.Duration
	components map[string]component
	last       map[string]ComponentHealth
	logger     zerolog.Logger
}

// NewHealthMonitor creates a monitor. A non-positive timeout defaults to 10s.
func NewHealthMonitor(timeout time.Duration, logger zerolog.Logger) *HealthMonitor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HealthMonitor{
		timeout:    timeout,
		components: make(map[string]component),
		last:       make(map[string]ComponentHealth),
		logger:     logger.With().Str("component", "health").Logger(),
	}
}

// Register adds or replaces the probe for name. kind groups components for
// display ("provider", "broker").
func (m *HealthMonitor) Register(name, kind string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = component{kind: kind, probe: probe}
}

// Check runs every probe once. A probe that panics or outlives the timeout
// is reported UNHEALTHY; Check itself returns once all probes have finished
// or timed out.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]component, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(components))

	for name, c := range components {
		wg.Add(1)
		go func(name string, c component) {
			defer wg.Done()
			results <- m.runProbe(ctx, name, c)
		}(name, c)
	}

	wg.Wait()
	close(results)

	health := SystemHealth{Status: HealthStatusHealthy, CheckedAt: time.Now()}
	unhealthy := 0
	for h := range results {
		health.Components = append(health.Components, h)
		if h.Status != HealthStatusHealthy {
			unhealthy++
		}
	}
	sort.Slice(health.Components, func(i, j int) bool {
		a, b := health.Components[i], health.Components[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Name < b.Name
	})

	switch {
	case len(health.Components) == 0:
		health.Status = HealthStatusUnknown
	case unhealthy == len(health.Components):
		health.Status = HealthStatusUnhealthy
	case unhealthy > 0:
		health.Status = HealthStatusDegraded
	}

	m.mu.Lock()
	for _, h := range health.Components {
		m.last[h.Name] = h
	}
	m.mu.Unlock()

	return health
}

func (m *HealthMonitor) runProbe(ctx context.Context, name string, c component) (health ComponentHealth) {
	start := time.Now()
	health = ComponentHealth{Name: name, Kind: c.kind, Status: HealthStatusHealthy}

	defer func() {
		if r := recover(); r != nil {
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("panic recovered: %v", r)
			m.logger.Error().Str("name", name).Interface("panic", r).Msg("Health probe panicked")
		}
		health.LastCheck = time.Now()
		health.Latency = time.Since(start)
	}()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic recovered: %v", r)
			}
		}()
		done <- c.probe(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			health.Status = HealthStatusUnhealthy
			health.Message = err.Error()
		}
	case <-ctx.Done():
		health.Status = HealthStatusUnhealthy
		health.Message = "timeout"
	}

	if health.Status != HealthStatusHealthy {
		m.logger.Warn().Str("name", name).Str("kind", c.kind).Str("reason", health.Message).Msg("Component unhealthy")
	}
	return health
}

// Last returns the most recent result for name.
func (m *HealthMonitor) Last(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.last[name]
	return h, ok
}
