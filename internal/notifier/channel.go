// Package notifier delivers processing results and operator alerts to the
// flaky downstream notification services. Every send goes through the
// per-channel circuit breaker and a per-channel rate limiter, so one stuck
// service can neither starve the workers nor flood its own API.
package notifier

import "context"

// Notification is the payload fanned out to every enabled channel.
type Notification struct {
	Subject  string         `json:"subject"`
	Body     string         `json:"body"`
	Severity string         `json:"severity"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Channel is a single downstream notification service.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}
