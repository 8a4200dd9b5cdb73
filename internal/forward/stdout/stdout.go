// Package stdout implements a Forwarder that prints a summary of each
// forwarded message instead of sending it. Useful in development.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/loomio-relay/internal/email"
	"github.com/shineum/loomio-relay/internal/parser"
)

// Forwarder writes forwarded messages to an io.Writer in a human-readable format.
type Forwarder struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a Forwarder that writes to os.Stdout.
func New() *Forwarder {
	return &Forwarder{writer: os.Stdout}
}

// NewWithWriter creates a Forwarder that writes to the given writer.
func NewWithWriter(w io.Writer) *Forwarder {
	return &Forwarder{writer: w}
}

// Forward prints the envelope, the decoded subject and the message size.
func (f *Forwarder) Forward(_ context.Context, msg *email.Inbound, to []string) error {
	norm := parser.Normalize(msg.Raw)

	var b strings.Builder
	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Forward: %s\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", norm.Subject)
	fmt.Fprintf(&b, "Size: %s\n", formatSize(len(msg.Raw)))
	b.WriteString("========================================\n")

	if _, err := io.WriteString(f.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write forwarded message: %w", err)
	}
	return nil
}

// Name returns the forwarder name.
func (f *Forwarder) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
