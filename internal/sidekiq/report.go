package sidekiq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ANSI colors used by the report.
const (
	colorCyan       = "\033[0;36m"
	colorBoldYellow = "\033[1;33m"
	colorGreen      = "\033[0;32m"
	colorRed        = "\033[0;31m"
	colorYellow     = "\033[0;33m"
	colorReset      = "\033[0m"
)

// argsPreview keeps 81 characters, as Ruby args[0..80] does.
const argsPreview = 81

// RenderOptions controls report output.
type RenderOptions struct {
	// NoColor disables ANSI escape sequences.
	NoColor bool
	// Location formats retry times. Nil means time.Local.
	Location *time.Location
}

// Render writes the status report for snap to w.
func Render(w io.Writer, snap *Snapshot, opts RenderOptions) error {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	c := func(color, s string) string {
		if opts.NoColor {
			return s
		}
		return color + s + colorReset
	}

	var b bytes.Buffer

	st := snap.Stats
	fmt.Fprintf(&b, "\n%s\n", c(colorCyan, "Overall Stats:"))
	fmt.Fprintf(&b, "  Processed: %d\n", st.Processed)
	fmt.Fprintf(&b, "  Failed: %d\n", st.Failed)
	fmt.Fprintf(&b, "  Enqueued: %d\n", st.Enqueued)
	fmt.Fprintf(&b, "  Scheduled: %d\n", st.Scheduled)
	fmt.Fprintf(&b, "  Retries: %d\n", st.Retries)
	fmt.Fprintf(&b, "  Dead: %d\n", st.Dead)
	fmt.Fprintf(&b, "  Workers: %d\n", st.Workers)

	fmt.Fprintf(&b, "\n%s\n", c(colorCyan, "Queues:"))
	for _, q := range snap.Queues {
		color := colorGreen
		if q.Size > 0 {
			color = colorBoldYellow
		}
		fmt.Fprintf(&b, "  %s Size: %4d | Latency: %ss\n",
			c(color, fmt.Sprintf("%-20s", q.Name)), q.Size, formatLatency(q.Latency))
	}

	if snap.Dead.Size > 0 {
		fmt.Fprintf(&b, "\n%s\n", c(colorRed, fmt.Sprintf("Dead Jobs (%d):", snap.Dead.Size)))
		for i, job := range snap.Dead.Jobs {
			fmt.Fprintf(&b, "  %d. [%s] Failed at: %s\n", i+1, job.Class, formatFailedAt(job.FailedAt))
			fmt.Fprintf(&b, "     Error: %s: %s\n", job.ErrorClass, job.ErrorMessage)
			if len(job.Args) > 0 && string(job.Args) != "null" {
				fmt.Fprintf(&b, "     Args: %s...\n", truncate(Inspect(job.Args), argsPreview))
			}
			b.WriteString("\n")
		}
		if snap.Dead.Size > DeadLimit {
			fmt.Fprintf(&b, "  %s\n", c(colorYellow,
				fmt.Sprintf("(Showing first %d of %d dead jobs)", DeadLimit, snap.Dead.Size)))
		}
	} else {
		fmt.Fprintf(&b, "\n%s\n", c(colorGreen, "✓ No dead jobs"))
	}

	if snap.Retries.Size > 0 {
		fmt.Fprintf(&b, "\n%s\n", c(colorYellow, fmt.Sprintf("Retrying Jobs (%d):", snap.Retries.Size)))
		for i, job := range snap.Retries.Jobs {
			fmt.Fprintf(&b, "  %d. [%s] Retry: %s/%s | Next: %s\n", i+1, job.Class,
				formatRaw(job.RetryCount), formatRaw(job.Retry), job.At.In(loc).Format(time.TimeOnly))
			fmt.Fprintf(&b, "     Error: %s: %s\n", job.ErrorClass, job.ErrorMessage)
			b.WriteString("\n")
		}
		if snap.Retries.Size > RetryLimit {
			fmt.Fprintf(&b, "  %s\n", c(colorYellow,
				fmt.Sprintf("(Showing first %d of %d retrying jobs)", RetryLimit, snap.Retries.Size)))
		}
	}

	_, err := w.Write(b.Bytes())
	return err
}

// formatLatency prints seconds rounded to two places, keeping a trailing
// ".0" for whole numbers.
func formatLatency(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	if strings.HasSuffix(s, ".") {
		s += "0"
	}
	return s
}

func formatFailedAt(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Inspect renders a JSON value in Ruby's inspect notation, preserving object
// key order.
func Inspect(raw json.RawMessage) string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var b strings.Builder
	if err := inspectValue(dec, &b); err != nil {
		return string(raw)
	}
	return b.String()
}

func inspectValue(dec *json.Decoder, b *strings.Builder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '[':
			b.WriteByte('[')
			for i := 0; dec.More(); i++ {
				if i > 0 {
					b.WriteString(", ")
				}
				if err := inspectValue(dec, b); err != nil {
					return err
				}
			}
			b.WriteByte(']')
		case '{':
			b.WriteByte('{')
			for i := 0; dec.More(); i++ {
				if i > 0 {
					b.WriteString(", ")
				}
				key, err := dec.Token()
				if err != nil {
					return err
				}
				b.WriteString(inspectString(fmt.Sprint(key)))
				b.WriteString("=>")
				if err := inspectValue(dec, b); err != nil {
					return err
				}
			}
			b.WriteByte('}')
		}
		// Consume the closing delimiter.
		_, err := dec.Token()
		return err
	case string:
		b.WriteString(inspectString(v))
	case json.Number:
		b.WriteString(v.String())
	case bool:
		b.WriteString(strconv.FormatBool(v))
	case nil:
		b.WriteString("nil")
	}
	return nil
}

func inspectString(s string) string {
	return strings.ReplaceAll(strconv.Quote(s), "#{", `\#{`)
}
