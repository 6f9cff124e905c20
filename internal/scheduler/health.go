package scheduler

import (
	"sync"
	"time"
)

// HealthStatus represents the health of a component.
type HealthStatus struct {
	Healthy     bool      `json:"healthy"`
	LastCheck   time.Time `json:"last_check"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastError   error     `json:"-"`
	Message     string    `json:"message"`
}

// HealthReport is a point-in-time view of every component.
type HealthReport struct {
	Healthy    bool                     `json:"healthy"`
	Components map[string]*HealthStatus `json:"components"`
}

// Health tracks the health of the publisher, the trigger and the dispatch runs.
type Health struct {
	mu         sync.RWMutex
	components map[string]*HealthStatus
	now        func() time.Time
}

// NewHealth creates a new health tracker.
func NewHealth() *Health {
	return &Health{
		components: make(map[string]*HealthStatus),
		now:        time.Now,
	}
}

// entry returns the status of component, creating it. Callers hold mu.
func (h *Health) entry(component string) *HealthStatus {
	s, ok := h.components[component]
	if !ok {
		s = &HealthStatus{}
		h.components[component] = s
	}
	return s
}

// SetHealthy marks a component as healthy.
func (h *Health) SetHealthy(component, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	s := h.entry(component)
	s.Healthy = true
	s.LastCheck = now
	s.LastSuccess = now
	s.LastError = nil
	s.Message = message
}

// SetUnhealthy marks a component as unhealthy. The last success is kept.
func (h *Health) SetUnhealthy(component string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.entry(component)
	s.Healthy = false
	s.LastCheck = h.now()
	s.LastError = err
	s.Message = err.Error()
}

// GetStatus returns a copy of the status of a component, or nil.
func (h *Health) GetStatus(component string) *HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if s, ok := h.components[component]; ok {
		c := *s
		return &c
	}
	return nil
}

// Report returns copies of all statuses and the overall health.
func (h *Health) Report() HealthReport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	report := HealthReport{
		Healthy:    true,
		Components: make(map[string]*HealthStatus, len(h.components)),
	}
	for name, s := range h.components {
		c := *s
		report.Components[name] = &c
		if !s.Healthy {
			report.Healthy = false
		}
	}
	return report
}
