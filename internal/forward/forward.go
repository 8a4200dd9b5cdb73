// Package forward defines how a delivered message is copied to a fallback
// mailbox so people keep receiving it even when they read mail outside Loomio.
package forward

import (
	"context"

	"github.com/shineum/loomio-relay/internal/email"
)

// Forwarder sends the raw message on to the given recipients.
type Forwarder interface {
	// Forward delivers msg.Raw to the recipients. One attempt; the caller
	// only logs a failure.
	Forward(ctx context.Context, msg *email.Inbound, to []string) error

	// Name returns the human-readable name of this forwarder.
	Name() string
}
