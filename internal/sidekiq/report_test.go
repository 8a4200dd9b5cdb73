package sidekiq

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_NoColor(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{
		Stats: Stats{Processed: 10, Failed: 1, Enqueued: 3, Scheduled: 0, Retries: 1, Dead: 1, Workers: 2},
		Queues: []Queue{
			{Name: "default", Size: 3, Latency: 1.234},
			{Name: "mailers", Size: 0, Latency: 0},
		},
		Dead: JobSet{Size: 1, Jobs: []Job{{
			Class:        "PollMailer",
			Args:         json.RawMessage(`[42,"x"]`),
			ErrorClass:   "Net::ReadTimeout",
			ErrorMessage: "timed out",
			FailedAt:     time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC),
		}}},
		Retries: JobSet{Size: 1, Jobs: []Job{{
			Class:        "ReceivedEmailWorker",
			ErrorClass:   "RuntimeError",
			ErrorMessage: "boom",
			RetryCount:   json.RawMessage(`2`),
			Retry:        json.RawMessage(`true`),
			At:           time.Date(2026, 5, 4, 11, 15, 7, 0, time.UTC),
		}}},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, snap, RenderOptions{NoColor: true, Location: time.UTC}))

	want := "\n" +
		"Overall Stats:\n" +
		"  Processed: 10\n" +
		"  Failed: 1\n" +
		"  Enqueued: 3\n" +
		"  Scheduled: 0\n" +
		"  Retries: 1\n" +
		"  Dead: 1\n" +
		"  Workers: 2\n" +
		"\n" +
		"Queues:\n" +
		"  default              Size:    3 | Latency: 1.23s\n" +
		"  mailers              Size:    0 | Latency: 0.0s\n" +
		"\n" +
		"Dead Jobs (1):\n" +
		"  1. [PollMailer] Failed at: 2026-05-04 09:30:00 UTC\n" +
		"     Error: Net::ReadTimeout: timed out\n" +
		"     Args: [42, \"x\"]...\n" +
		"\n" +
		"\n" +
		"Retrying Jobs (1):\n" +
		"  1. [ReceivedEmailWorker] Retry: 2/true | Next: 11:15:07\n" +
		"     Error: RuntimeError: boom\n" +
		"\n"

	assert.Equal(t, want, buf.String())
}

func TestRender_Colors(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{Queues: []Queue{{Name: "busy", Size: 1}, {Name: "idle"}}}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, snap, RenderOptions{}))
	out := buf.String()

	assert.Contains(t, out, "\033[0;36mOverall Stats:\033[0m")
	assert.Contains(t, out, "\033[1;33mbusy                \033[0m Size:    1")
	assert.Contains(t, out, "\033[0;32midle                \033[0m Size:    0")
	assert.Contains(t, out, "\033[0;32m✓ No dead jobs\033[0m")
	assert.NotContains(t, out, "Retrying Jobs")
}

func TestRender_Truncation(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{
		Dead: JobSet{Size: 12, Jobs: []Job{{
			Class: "Big",
			Args:  json.RawMessage(`["` + strings.Repeat("a", 200) + `"]`),
		}}},
		Retries: JobSet{Size: 6},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, snap, RenderOptions{NoColor: true}))
	out := buf.String()

	assert.Contains(t, out, `     Args: ["`+strings.Repeat("a", 79)+"...\n")
	assert.Contains(t, out, "  (Showing first 10 of 12 dead jobs)\n")
	assert.Contains(t, out, "  (Showing first 5 of 6 retrying jobs)\n")
}

func TestInspect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: `[]`, want: `[]`},
		{in: `[1, 2.5, "a", true, null]`, want: `[1, 2.5, "a", true, nil]`},
		{in: `[{"job_class":"PollMailer","arguments":[42]}]`, want: `[{"job_class"=>"PollMailer", "arguments"=>[42]}]`},
		{in: `["say \"hi\"\n"]`, want: `["say \"hi\"\n"]`},
		{in: `["#{x}"]`, want: `["\#{x}"]`},
		{in: `[1,`, want: `[1,`},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Inspect(json.RawMessage(tt.in)), tt.in)
	}
}

func TestFormatLatency(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0.0", formatLatency(0))
	assert.Equal(t, "1.5", formatLatency(1.5))
	assert.Equal(t, "12.35", formatLatency(12.346))
	assert.Equal(t, "100.0", formatLatency(100))
}
