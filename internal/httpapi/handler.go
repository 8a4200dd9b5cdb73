// Package httpapi exposes the HTTP invocation path for inbound mail along
// with health and metrics endpoints.
package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shineum/loomio-relay/internal/email"
	"github.com/shineum/loomio-relay/internal/metrics"
	"github.com/shineum/loomio-relay/internal/parser"
	"github.com/shineum/loomio-relay/internal/relay"
)

// Request headers carrying the envelope and the ingest token.
const (
	HeaderEnvelopeFrom = "X-Envelope-From"
	HeaderEnvelopeTo   = "X-Envelope-To"
	HeaderIngestToken  = "X-Ingest-Token"
	HeaderRelayID      = "X-Relay-Id"
)

const defaultMaxBody = 25 * 1024 * 1024

// MessageHandler processes a complete inbound message. A *relay.RejectError
// means the message is refused.
type MessageHandler interface {
	Handle(ctx context.Context, transport string, msg *email.Inbound) error
}

// Config wires the API.
type Config struct {
	Handler MessageHandler
	Metrics *metrics.Metrics

	// IngestToken, when set, must be presented in X-Ingest-Token.
	IngestToken string
	// MaxMessageSize caps the request body. Zero selects 25 MiB.
	MaxMessageSize int64
}

// Response is the JSON body returned by POST /inbound.
type Response struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Handler serves the relay's HTTP endpoints.
type Handler struct {
	cfg Config
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxBody
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Handler{cfg: cfg}
}

// Router returns the chi router with all routes mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", h.cfg.Metrics.Handler())
	r.Post("/inbound", h.inbound)

	return r
}

func (h *Handler) inbound(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, Response{Status: "unauthorized"})
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Response{Status: "rejected", Reason: "message exceeds size limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, Response{Status: "rejected", Reason: "failed to read message"})
		return
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		writeJSON(w, http.StatusBadRequest, Response{Status: "rejected", Reason: "empty message"})
		return
	}

	msg := &email.Inbound{ID: relay.NewID(), Raw: raw}
	msg.From, msg.To = envelope(r.Header, raw)
	w.Header().Set(HeaderRelayID, msg.ID)

	err = h.cfg.Handler.Handle(r.Context(), "http", msg)
	if err == nil {
		writeJSON(w, http.StatusAccepted, Response{ID: msg.ID, Status: "delivered"})
		return
	}
	if rej, ok := relay.IsReject(err); ok {
		writeJSON(w, http.StatusUnprocessableEntity, Response{ID: msg.ID, Status: "rejected", Reason: rej.Reason})
		return
	}

	slog.Error("message handling failed", "id", msg.ID, "error", err)
	writeJSON(w, http.StatusServiceUnavailable, Response{ID: msg.ID, Status: "failed", Reason: "temporary failure"})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.cfg.IngestToken == "" {
		return true
	}
	got := r.Header.Get(HeaderIngestToken)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.IngestToken)) == 1
}

// envelope takes the sender and recipients from the request headers,
// falling back to the message's own From and To.
func envelope(hdr http.Header, raw []byte) (string, []string) {
	from := strings.TrimSpace(hdr.Get(HeaderEnvelopeFrom))
	to := splitList(hdr.Get(HeaderEnvelopeTo))
	if from != "" && len(to) > 0 {
		return from, to
	}

	msgHeader, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return from, to
	}
	if from == "" {
		if addrs := parser.Addresses(msgHeader.Get("From")); len(addrs) > 0 {
			from = addrs[0]
		}
	}
	if len(to) == 0 {
		to = parser.Addresses(msgHeader.Get("To"))
	}
	return from, to
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// requestLogger logs one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
