// Package relay runs one inbound message through normalization, webhook
// delivery and the optional fallback forward.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shineum/loomio-relay/internal/email"
	"github.com/shineum/loomio-relay/internal/forward"
	"github.com/shineum/loomio-relay/internal/metrics"
	"github.com/shineum/loomio-relay/internal/parser"
)

// rejectPrefix starts every rejection reason returned to the routing layer.
const rejectPrefix = "Email processing failed: "

// Deliverer posts a normalized message to its destination.
type Deliverer interface {
	Deliver(ctx context.Context, msg *email.Inbound, norm *email.Normalized) (email.DeliveryResult, error)
}

// RejectError means the message was not delivered. Reason is meant for the
// sender's non-delivery notice.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	return e.Reason
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

// IsReject reports whether err is a rejection and returns it.
func IsReject(err error) (*RejectError, bool) {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Config wires a Relay.
type Config struct {
	Deliverer Deliverer

	// Forwarder, when set, receives a copy of every delivered message.
	Forwarder forward.Forwarder
	// ForwardTo overrides the envelope recipients for the forwarded copy.
	ForwardTo string

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Relay handles inbound messages. It holds no per-message state and is safe
// for concurrent use.
type Relay struct {
	deliverer Deliverer
	forwarder forward.Forwarder
	forwardTo string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a Relay.
func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	return &Relay{
		deliverer: cfg.Deliverer,
		forwarder: cfg.Forwarder,
		forwardTo: cfg.ForwardTo,
		metrics:   m,
		logger:    logger,
	}
}

// NewID returns a fresh invocation identifier.
func NewID() string {
	return ulid.Make().String()
}

// Handle normalizes msg and delivers it. A nil return means the message was
// delivered; otherwise the error is a *RejectError whose reason names the
// proximate cause. transport labels the metrics ("smtp", "http").
func (r *Relay) Handle(ctx context.Context, transport string, msg *email.Inbound) error {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	logger := r.logger.With(
		"id", msg.ID,
		"from", msg.From,
		"to", strings.Join(msg.To, ","),
	)

	logger.Info("processing inbound email", "transport", transport, "size", len(msg.Raw))

	norm, err := normalize(msg.Raw)
	if err != nil {
		logger.Error("failed to normalize email", "error", err)
		r.metrics.ObserveMessage(transport, metrics.OutcomeRejected)
		return reject(err)
	}
	logger = logger.With("subject", norm.Subject)

	start := time.Now()
	result, err := r.deliverer.Deliver(ctx, msg, norm)
	elapsed := time.Since(start)
	if err != nil {
		r.metrics.ObserveWebhook(metrics.OutcomeRejected, elapsed)
		r.metrics.ObserveMessage(transport, metrics.OutcomeRejected)
		logger.Error("webhook delivery failed",
			"status", result.StatusCode,
			"response", result.Error,
			"duration", elapsed,
			"error", err,
		)
		return reject(err)
	}

	r.metrics.ObserveWebhook(metrics.OutcomeDelivered, elapsed)
	r.metrics.ObserveMessage(transport, metrics.OutcomeDelivered)
	logger.Info("email forwarded to webhook", "status", result.StatusCode, "duration", elapsed)

	r.forward(ctx, logger, msg)
	return nil
}

// forward sends the fallback copy. Failures are logged only.
func (r *Relay) forward(ctx context.Context, logger *slog.Logger, msg *email.Inbound) {
	if r.forwarder == nil {
		return
	}

	to := msg.To
	if r.forwardTo != "" {
		to = []string{r.forwardTo}
	}

	if err := r.forwarder.Forward(ctx, msg, to); err != nil {
		r.metrics.ObserveForward(r.forwarder.Name(), metrics.OutcomeFailed)
		logger.Warn("fallback forward failed", "forwarder", r.forwarder.Name(), "error", err)
		return
	}
	r.metrics.ObserveForward(r.forwarder.Name(), metrics.OutcomeDelivered)
	logger.Info("fallback copy forwarded", "forwarder", r.forwarder.Name(), "forward_to", strings.Join(to, ","))
}

// normalizeFunc is the parser entry point; tests replace it.
var normalizeFunc = parser.Normalize

// normalize runs the parser, turning a panic on hostile input into an error.
func normalize(raw []byte) (norm *email.Normalized, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("normalizer panic: %v", p)
		}
	}()
	return normalizeFunc(raw), nil
}

func reject(err error) *RejectError {
	return &RejectError{Reason: rejectPrefix + err.Error(), Err: err}
}
