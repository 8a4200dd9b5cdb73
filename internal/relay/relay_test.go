package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/loomio-relay/internal/email"
	"github.com/shineum/loomio-relay/internal/metrics"
	"github.com/shineum/loomio-relay/internal/webhook"
)

type fakeDeliverer struct {
	result   email.DeliveryResult
	err      error
	lastMsg  *email.Inbound
	lastNorm *email.Normalized
}

func (f *fakeDeliverer) Deliver(_ context.Context, msg *email.Inbound, norm *email.Normalized) (email.DeliveryResult, error) {
	f.lastMsg = msg
	f.lastNorm = norm
	return f.result, f.err
}

type fakeForwarder struct {
	err    error
	calls  int
	lastTo []string
}

func (f *fakeForwarder) Forward(_ context.Context, _ *email.Inbound, to []string) error {
	f.calls++
	f.lastTo = to
	return f.err
}

func (f *fakeForwarder) Name() string { return "fake" }

func newTestRelay(d Deliverer, fw *fakeForwarder, forwardTo string) (*Relay, *metrics.Metrics, *bytes.Buffer) {
	var logs bytes.Buffer
	m := metrics.New()
	cfg := Config{
		Deliverer: d,
		ForwardTo: forwardTo,
		Metrics:   m,
		Logger:    slog.New(slog.NewTextHandler(&logs, nil)),
	}
	if fw != nil {
		cfg.Forwarder = fw
	}
	return New(cfg), m, &logs
}

func inbound() *email.Inbound {
	return &email.Inbound{
		From: "alice@example.com",
		To:   []string{"group@loomio.example"},
		Raw:  []byte("Subject: =?UTF-8?B?UmVzcG9uZHJl?=\r\nMessage-Id: <m1@example.com>\r\n\r\nhello"),
	}
}

func TestHandle_Delivered(t *testing.T) {
	t.Parallel()

	d := &fakeDeliverer{result: email.DeliveryResult{StatusCode: http.StatusOK}}
	r, m, logs := newTestRelay(d, nil, "")

	msg := inbound()
	err := r.Handle(context.Background(), "smtp", msg)
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID, "an invocation id should be assigned")
	require.NotNil(t, d.lastNorm)
	assert.Equal(t, "Respondre", d.lastNorm.Subject)
	assert.Equal(t, "<m1@example.com>", d.lastNorm.MessageID)
	assert.Equal(t, "hello", d.lastNorm.Body.Text)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("smtp", metrics.OutcomeDelivered)))
	assert.Contains(t, logs.String(), "email forwarded to webhook")
	assert.Contains(t, logs.String(), "id="+msg.ID)
}

func TestHandle_KeepsExistingID(t *testing.T) {
	t.Parallel()

	d := &fakeDeliverer{}
	r, _, _ := newTestRelay(d, nil, "")

	msg := inbound()
	msg.ID = "fixed-id"
	require.NoError(t, r.Handle(context.Background(), "http", msg))
	assert.Equal(t, "fixed-id", msg.ID)
}

func TestHandle_NonSuccessStatusRejects(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fw := &fakeForwarder{}
	r, m, _ := newTestRelay(webhook.New(webhook.Config{URL: srv.URL}), fw, "")

	err := r.Handle(context.Background(), "smtp", inbound())
	require.Error(t, err)

	rej, ok := IsReject(err)
	require.True(t, ok)
	assert.Contains(t, rej.Reason, "Email processing failed: ")
	assert.Contains(t, rej.Reason, "500")

	var statusErr *webhook.StatusError
	assert.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 0, fw.calls, "rejected messages are not forwarded")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("smtp", metrics.OutcomeRejected)))
}

func TestHandle_TransportFailureRejects(t *testing.T) {
	t.Parallel()

	d := &fakeDeliverer{err: fmt.Errorf("webhook request failed: %w", errors.New("dial tcp 10.0.0.1:443: connect: connection refused"))}
	r, _, _ := newTestRelay(d, nil, "")

	err := r.Handle(context.Background(), "http", inbound())

	rej, ok := IsReject(err)
	require.True(t, ok)
	assert.Equal(t, "Email processing failed: webhook request failed: dial tcp 10.0.0.1:443: connect: connection refused", rej.Reason)
	assert.Equal(t, rej.Reason, err.Error())
}

func TestHandle_ForwardsDeliveredCopy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		forwardTo string
		want      []string
	}{
		{name: "original recipients", forwardTo: "", want: []string{"group@loomio.example"}},
		{name: "fallback address", forwardTo: "inbox@example.com", want: []string{"inbox@example.com"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fw := &fakeForwarder{}
			r, m, _ := newTestRelay(&fakeDeliverer{}, fw, tt.forwardTo)

			require.NoError(t, r.Handle(context.Background(), "smtp", inbound()))
			assert.Equal(t, 1, fw.calls)
			assert.Equal(t, tt.want, fw.lastTo)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.Forwards.WithLabelValues("fake", metrics.OutcomeDelivered)))
		})
	}
}

func TestHandle_ForwardFailureDoesNotReject(t *testing.T) {
	t.Parallel()

	fw := &fakeForwarder{err: errors.New("ses down")}
	r, m, logs := newTestRelay(&fakeDeliverer{}, fw, "")

	require.NoError(t, r.Handle(context.Background(), "smtp", inbound()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Forwards.WithLabelValues("fake", metrics.OutcomeFailed)))
	assert.Contains(t, logs.String(), "fallback forward failed")
}

func TestHandle_UnstructuredMessageStillDelivered(t *testing.T) {
	t.Parallel()

	d := &fakeDeliverer{}
	r, _, _ := newTestRelay(d, nil, "")

	msg := &email.Inbound{From: "a@example.com", Raw: []byte("garbage without headers")}
	require.NoError(t, r.Handle(context.Background(), "http", msg))
	assert.Equal(t, "garbage without headers", d.lastNorm.Body.Text)
}

// Not parallel: swaps the package-level normalizeFunc.
func TestHandle_NormalizerPanicRejects(t *testing.T) {
	orig := normalizeFunc
	t.Cleanup(func() { normalizeFunc = orig })
	normalizeFunc = func([]byte) *email.Normalized {
		panic("malformed boundary")
	}

	d := &fakeDeliverer{}
	r, m, logs := newTestRelay(d, nil, "")

	var err error
	require.NotPanics(t, func() {
		err = r.Handle(context.Background(), "smtp", inbound())
	})

	rej, ok := IsReject(err)
	require.True(t, ok)
	assert.Equal(t, "Email processing failed: normalizer panic: malformed boundary", rej.Reason)
	assert.Nil(t, d.lastMsg, "deliverer must not be called")
	assert.Contains(t, logs.String(), "failed to normalize email")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("smtp", metrics.OutcomeRejected)))
}

func TestIsReject(t *testing.T) {
	t.Parallel()

	_, ok := IsReject(errors.New("plain"))
	assert.False(t, ok)

	wrapped := fmt.Errorf("outer: %w", reject(errors.New("inner")))
	rej, ok := IsReject(wrapped)
	require.True(t, ok)
	assert.Equal(t, "Email processing failed: inner", rej.Reason)
}
