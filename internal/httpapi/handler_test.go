package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/loomio-relay/internal/email"
	"github.com/shineum/loomio-relay/internal/metrics"
	"github.com/shineum/loomio-relay/internal/relay"
)

type fakeHandler struct {
	err       error
	transport string
	msg       *email.Inbound
}

func (f *fakeHandler) Handle(_ context.Context, transport string, msg *email.Inbound) error {
	f.transport = transport
	f.msg = msg
	return f.err
}

const rawMessage = "From: Alice <alice@example.com>\r\n" +
	"To: group+1@loomio.test, Bob <bob@loomio.test>\r\n" +
	"Subject: hi\r\n" +
	"\r\n" +
	"hello\r\n"

func post(t *testing.T, h http.Handler, body string, headers map[string]string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/inbound", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestInbound_Delivered(t *testing.T) {
	t.Parallel()

	fake := &fakeHandler{}
	h := New(Config{Handler: fake}).Router()

	rec, resp := post(t, h, rawMessage, map[string]string{
		HeaderEnvelopeFrom: "bounce@example.com",
		HeaderEnvelopeTo:   "group+1@loomio.test, other@loomio.test",
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "delivered", resp.Status)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, resp.ID, rec.Header().Get(HeaderRelayID))

	require.NotNil(t, fake.msg)
	assert.Equal(t, "http", fake.transport)
	assert.Equal(t, resp.ID, fake.msg.ID)
	assert.Equal(t, "bounce@example.com", fake.msg.From)
	assert.Equal(t, []string{"group+1@loomio.test", "other@loomio.test"}, fake.msg.To)
	assert.Equal(t, rawMessage, string(fake.msg.Raw))
}

func TestInbound_EnvelopeFromMessageHeaders(t *testing.T) {
	t.Parallel()

	fake := &fakeHandler{}
	h := New(Config{Handler: fake}).Router()

	rec, _ := post(t, h, rawMessage, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "alice@example.com", fake.msg.From)
	assert.Equal(t, []string{"group+1@loomio.test", "bob@loomio.test"}, fake.msg.To)
}

func TestInbound_Rejected(t *testing.T) {
	t.Parallel()

	fake := &fakeHandler{err: &relay.RejectError{Reason: "Email processing failed: webhook returned status 500"}}
	h := New(Config{Handler: fake}).Router()

	rec, resp := post(t, h, rawMessage, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "rejected", resp.Status)
	assert.Equal(t, "Email processing failed: webhook returned status 500", resp.Reason)
	assert.NotEmpty(t, resp.ID)
}

func TestInbound_TemporaryFailure(t *testing.T) {
	t.Parallel()

	h := New(Config{Handler: &fakeHandler{err: errors.New("boom")}}).Router()

	rec, resp := post(t, h, rawMessage, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "failed", resp.Status)
}

func TestInbound_IngestToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "missing", token: "", want: http.StatusUnauthorized},
		{name: "wrong", token: "nope", want: http.StatusUnauthorized},
		{name: "valid", token: "s3cret", want: http.StatusAccepted},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fake := &fakeHandler{}
			h := New(Config{Handler: fake, IngestToken: "s3cret"}).Router()

			headers := map[string]string{}
			if tt.token != "" {
				headers[HeaderIngestToken] = tt.token
			}
			rec, _ := post(t, h, rawMessage, headers)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Nil(t, fake.msg, "unauthorized requests must not reach the relay")
			}
		})
	}
}

func TestInbound_Oversize(t *testing.T) {
	t.Parallel()

	fake := &fakeHandler{}
	h := New(Config{Handler: fake, MaxMessageSize: 32}).Router()

	rec, resp := post(t, h, rawMessage, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "rejected", resp.Status)
	assert.Nil(t, fake.msg)
}

func TestInbound_EmptyBody(t *testing.T) {
	t.Parallel()

	fake := &fakeHandler{}
	h := New(Config{Handler: fake}).Router()

	rec, _ := post(t, h, "  \r\n", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, fake.msg)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := New(Config{Handler: &fakeHandler{}}).Router()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.ObserveMessage("http", metrics.OutcomeDelivered)

	h := New(Config{Handler: &fakeHandler{}, Metrics: m}).Router()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `loomio_relay_messages_total{outcome="delivered",transport="http"} 1`)
}

func TestInbound_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	h := New(Config{Handler: &fakeHandler{}}).Router()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inbound", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a@x", "b@y"}, splitList(" a@x ,, b@y "))
	assert.Nil(t, splitList(""))
}
