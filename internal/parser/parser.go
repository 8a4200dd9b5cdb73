// Package parser normalizes inbound RFC 5322 messages: it decodes RFC 2047
// header words and extracts a best-effort text and HTML body.
package parser

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"

	"github.com/shineum/loomio-relay/internal/email"
)

// Normalize parses the header block of raw, decodes the subject and extracts
// the body. It never fails: a message whose header block cannot be read
// yields empty headers and the raw message as its text body.
func Normalize(raw []byte) *email.Normalized {
	result := &email.Normalized{
		Headers: make(email.Headers),
	}

	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		slog.Warn("failed to read message header, forwarding raw content", "error", err)
		result.Body = fallbackBody(raw)
		return result
	}

	fields := header.Fields()
	for fields.Next() {
		result.Headers.Add(fields.Key(), unfold(fields.Value()))
	}

	result.Subject = DecodeHeader(result.Headers.Get("Subject"))
	result.MessageID = result.Headers.Get("Message-Id")
	result.Body = ExtractBody(raw, result.Headers.Get("Content-Type"))

	return result
}

// ExtractBody returns the text and HTML renditions of raw. contentType, when
// not empty, overrides the Content-Type declared in the message header.
//
// Multipart messages are walked part by part; the first text/plain and the
// first text/html part that is not an attachment win. A single-part message
// contributes its whole body. When the structure cannot be read, or nothing
// was extracted, the raw message becomes the text body.
func ExtractBody(raw []byte, contentType string) email.Body {
	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return fallbackBody(raw)
	}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}

	entity, err := message.New(message.Header{Header: header}, br)
	if entity == nil || (err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err)) {
		slog.Warn("failed to read message entity, forwarding raw content", "error", err)
		return fallbackBody(raw)
	}

	var body email.Body
	if entity.MultipartReader() == nil {
		body = singlePart(entity)
	} else {
		body = walkParts(entity)
	}
	if body.Text == "" && body.HTML == "" {
		return fallbackBody(raw)
	}
	return body
}

// singlePart reads the body of a non-multipart entity into Text, or into
// HTML for text/html.
func singlePart(entity *message.Entity) email.Body {
	body := email.Body{Attachments: []email.Attachment{}}
	content, err := io.ReadAll(entity.Body)
	if err != nil {
		slog.Warn("failed to read message body", "error", err)
	}
	if mediaTypeOf(entity.Header) == "text/html" {
		body.HTML = string(content)
	} else {
		body.Text = string(content)
	}
	return body
}

// walkParts collects the first text/plain and text/html leaves of a
// multipart entity. Parts already read are kept when the walk fails midway.
func walkParts(entity *message.Entity) email.Body {
	body := email.Body{Attachments: []email.Attachment{}}

	err := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			slog.Debug("undecodable MIME part, reading as-is", "path", path, "error", err)
		}
		if part.MultipartReader() != nil {
			return nil
		}
		if isAttachment(part.Header) {
			return nil
		}

		mediaType := mediaTypeOf(part.Header)
		if mediaType != "text/plain" && mediaType != "text/html" {
			return nil
		}
		if (mediaType == "text/plain" && body.Text != "") || (mediaType == "text/html" && body.HTML != "") {
			return nil
		}

		content, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			slog.Warn("failed to read MIME part", "path", path, "content_type", mediaType, "error", readErr)
			if len(content) == 0 {
				return nil
			}
		}

		if mediaType == "text/plain" {
			body.Text = string(content)
		} else {
			body.HTML = string(content)
		}
		return nil
	})
	if err != nil {
		slog.Warn("failed to walk multipart message", "error", err)
	}

	return body
}

// mediaTypeOf returns the lower-cased media type of h. A missing Content-Type
// means text/plain; an unparseable one yields "".
func mediaTypeOf(h message.Header) string {
	v := h.Get("Content-Type")
	if v == "" {
		return "text/plain"
	}
	mediaType, _, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	return strings.ToLower(mediaType)
}

func isAttachment(h message.Header) bool {
	disposition, _, err := h.ContentDisposition()
	return err == nil && strings.EqualFold(disposition, "attachment")
}

func fallbackBody(raw []byte) email.Body {
	return email.Body{Text: string(raw), Attachments: []email.Attachment{}}
}

// unfold removes the line breaks of a folded header value, keeping the
// whitespace that follows them.
func unfold(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.NewReplacer("\r\n", "", "\n", "").Replace(v)
}
