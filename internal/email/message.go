// Package email defines the message model shared by the relay's transports,
// the normalizer and the webhook delivery step.
package email

import "net/textproto"

// Inbound is one message handed to the relay by a transport. Raw is the
// unmodified RFC 5322 message and must not be mutated.
type Inbound struct {
	// ID identifies a single invocation in logs.
	ID string

	// From and To are the envelope sender and recipients as supplied by the
	// invoking layer (SMTP MAIL FROM / RCPT TO or HTTP headers).
	From string
	To   []string

	Raw []byte
}

// Headers maps canonical header field names to their raw values in the order
// they were received. Lookups are case-insensitive.
type Headers map[string][]string

// Get returns the first value for key, or "" if the field is absent.
func (h Headers) Get(key string) string {
	values := h[textproto.CanonicalMIMEHeaderKey(key)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Add appends a raw value for key.
func (h Headers) Add(key, value string) {
	key = textproto.CanonicalMIMEHeaderKey(key)
	h[key] = append(h[key], value)
}

// Body holds the best-effort text and HTML renditions of a message.
// Attachments is a placeholder and is never populated by the extractor.
type Body struct {
	Text        string
	HTML        string
	Attachments []Attachment
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Normalized is the result of normalizing an Inbound message.
type Normalized struct {
	// Subject is the word-decoded Subject header.
	Subject   string
	MessageID string
	Headers   Headers
	Body      Body
}

// DeliveryResult describes the outcome of the outbound webhook call.
type DeliveryResult struct {
	StatusCode int
	Error      string
}
