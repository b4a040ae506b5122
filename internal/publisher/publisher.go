// Package publisher declares the notification interface used to announce
// session transitions to downstream systems.
package publisher

import "context"

// Publisher sends one payload to a named topic and returns the broker's
// message id. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
