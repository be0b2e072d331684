// Package health tracks per-component health and aggregates it for the
// readiness endpoint.
package health

import (
	"regexp"
	"time"
)

// Health state values
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Pre-compiled regexes for message sanitization; unhealthy messages often
// carry raw connection errors
var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?|redis)://\S+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)\s*[:=]\s*\S+`)
)

// Status is the health state of one component at a point in time
type Status struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsHealthy reports whether the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded reports whether the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy reports whether the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StateHealthy,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateDegraded,
		Message:   sanitizeMessage(message),
		Timestamp: time.Now().UTC(),
	}
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateUnhealthy,
		Message:   sanitizeMessage(message),
		Timestamp: time.Now().UTC(),
	}
}

// sanitizeMessage strips endpoints and credentials out of failure messages
// before they reach the health endpoint
func sanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = portRegex.ReplaceAllString(msg, "[PORT]")
	msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	return msg
}

// Aggregate folds component statuses into one system status. Any unhealthy
// component makes the system unhealthy; any degraded one (with none
// unhealthy) makes it degraded.
func Aggregate(system string, statuses []Status) Status {
	state := StateHealthy
	message := "all components healthy"

	for _, s := range statuses {
		if s.IsUnhealthy() {
			state = StateUnhealthy
			message = s.Component + " unhealthy"
			break
		}
		if s.IsDegraded() {
			state = StateDegraded
			message = s.Component + " degraded"
		}
	}

	return Status{
		Component: system,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}
