package health

import (
	"sort"
	"sync"
)

// Monitor is the thread-safe store of current component statuses
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records a component's current status
func (m *Monitor) Update(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status.Component] = status
}

// UpdateHealthy marks a component healthy
func (m *Monitor) UpdateHealthy(component, message string) {
	m.Update(NewHealthy(component, message))
}

// UpdateDegraded marks a component degraded
func (m *Monitor) UpdateDegraded(component, message string) {
	m.Update(NewDegraded(component, message))
}

// UpdateUnhealthy marks a component unhealthy
func (m *Monitor) UpdateUnhealthy(component, message string) {
	m.Update(NewUnhealthy(component, message))
}

// Get returns a component's current status
func (m *Monitor) Get(component string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[component]
	return status, ok
}

// All returns every tracked status keyed by component
func (m *Monitor) All() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		out[name] = status
	}
	return out
}

// Components returns the tracked component names, sorted
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// System aggregates every tracked component into one status
func (m *Monitor) System(name string) Status {
	m.mu.RLock()
	statuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		statuses = append(statuses, status)
	}
	m.mu.RUnlock()

	return Aggregate(name, statuses)
}
