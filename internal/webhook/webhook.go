// Package webhook delivers inbound messages to the Loomio email-processor
// endpoint as a multipart/form-data POST.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/loomio-relay/internal/email"
)

// Delivery modes.
const (
	// ModeRaw forwards the unmodified message in the "email" field.
	ModeRaw = "raw"
	// ModeNormalized forwards decoded headers and the extracted body.
	ModeNormalized = "normalized"
)

// Token schemes.
const (
	SchemeHeader = "header"
	SchemeBearer = "bearer"
)

// TokenHeader carries the shared secret when SchemeHeader is used.
const TokenHeader = "X-Email-Token"

// defaultTimeout bounds the single outbound call.
const defaultTimeout = 30 * time.Second

// maxErrorBody is how much of a rejected response body ends up in the error.
const maxErrorBody = 512

// Config holds the webhook client settings.
type Config struct {
	URL         string
	Token       string
	TokenScheme string
	Mode        string
	Timeout     time.Duration
}

// Client posts messages to the webhook. One call, no retries.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a Client. Empty scheme, mode and timeout take their defaults.
func New(cfg Config) *Client {
	if cfg.TokenScheme == "" {
		cfg.TokenScheme = SchemeHeader
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeRaw
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// newWithHTTPClient creates a Client with a custom HTTP client, used for testing.
func newWithHTTPClient(cfg Config, client *http.Client) *Client {
	c := New(cfg)
	c.httpClient = client
	return c
}

// Name identifies the delivery target in logs.
func (c *Client) Name() string {
	return "webhook"
}

// URL returns the configured endpoint.
func (c *Client) URL() string {
	return c.cfg.URL
}

// StatusError is returned when the webhook answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// Deliver posts msg to the webhook. norm supplies the decoded subject and,
// in normalized mode, the headers and body. A non-2xx answer yields a
// *StatusError; transport failures are wrapped.
func (c *Client) Deliver(ctx context.Context, msg *email.Inbound, norm *email.Normalized) (email.DeliveryResult, error) {
	payload, contentType, err := c.buildForm(msg, norm)
	if err != nil {
		return email.DeliveryResult{Error: err.Error()}, fmt.Errorf("failed to build form payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return email.DeliveryResult{Error: err.Error()}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	c.setToken(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return email.DeliveryResult{Error: err.Error()}, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return email.DeliveryResult{StatusCode: resp.StatusCode}, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
	return email.DeliveryResult{StatusCode: resp.StatusCode, Error: statusErr.Body}, statusErr
}

// setToken attaches the shared secret. Raw mode always sends the token
// header, empty or not, as the email processor expects it.
func (c *Client) setToken(req *http.Request) {
	if c.cfg.TokenScheme == SchemeBearer {
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
		return
	}
	if c.cfg.Token != "" || c.cfg.Mode == ModeRaw {
		req.Header.Set(TokenHeader, c.cfg.Token)
	}
}

// buildForm encodes the multipart/form-data payload for the configured mode.
func (c *Client) buildForm(msg *email.Inbound, norm *email.Normalized) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"from", msg.From},
		{"to", strings.Join(msg.To, ", ")},
		{"subject", norm.Subject},
		{"message-id", norm.MessageID},
	}

	switch c.cfg.Mode {
	case ModeNormalized:
		headers, err := json.Marshal(norm.Headers)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode headers: %w", err)
		}
		fields = append(fields,
			[2]string{"headers", string(headers)},
			[2]string{"text", norm.Body.Text},
			[2]string{"html", norm.Body.HTML},
			[2]string{"attachment-count", strconv.Itoa(len(norm.Body.Attachments))},
		)
	default:
		fields = append(fields, [2]string{"email", string(msg.Raw)})
	}

	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %q: %w", f[0], err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}
