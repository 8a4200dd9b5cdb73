package parser

import (
	"strings"
	"testing"
)

func TestNormalizePlainTextEmail(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: =?UTF-8?Q?R=C3=A9pondre?= au fil",
		"Message-Id: <test123@example.com>",
		"Content-Type: text/plain",
		"",
		"Hello, this is a plain text email.",
	}, "\r\n"))

	msg := Normalize(raw)

	if msg.Subject != "Répondre au fil" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Répondre au fil")
	}
	if msg.MessageID != "<test123@example.com>" {
		t.Errorf("MessageID: got %q, want %q", msg.MessageID, "<test123@example.com>")
	}
	if got := msg.Headers.Get("subject"); got != "=?UTF-8?Q?R=C3=A9pondre?= au fil" {
		t.Errorf("raw Subject header: got %q", got)
	}
	if msg.Body.Text != "Hello, this is a plain text email." {
		t.Errorf("Text: got %q, want %q", msg.Body.Text, "Hello, this is a plain text email.")
	}
	if msg.Body.HTML != "" {
		t.Errorf("HTML: got %q, want empty", msg.Body.HTML)
	}
	if msg.Body.Attachments == nil || len(msg.Body.Attachments) != 0 {
		t.Errorf("Attachments: got %v, want empty placeholder", msg.Body.Attachments)
	}
}

func TestNormalizeUnfoldsHeaders(t *testing.T) {
	t.Parallel()

	raw := []byte("Subject: a very\r\n long subject\r\nTo: x@example.com\r\n\r\nbody")

	msg := Normalize(raw)

	if msg.Subject != "a very long subject" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "a very long subject")
	}
}

func TestNormalizeUnparseableHeader(t *testing.T) {
	t.Parallel()

	raw := []byte("this is not an email at all")

	msg := Normalize(raw)

	if len(msg.Headers) != 0 {
		t.Errorf("Headers: got %v, want empty", msg.Headers)
	}
	if msg.Body.Text != string(raw) {
		t.Errorf("Text: got %q, want raw content", msg.Body.Text)
	}
}

func TestExtractBodyMultipartQuotedPrintable(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"Content-Type: multipart/alternative; boundary=XYZ",
		"",
		"--XYZ",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"Caf=C3=A9",
		"--XYZ",
		"Content-Type: text/html; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"<p>Caf=C3=A9 au l=",
		"ait</p>",
		"--XYZ--",
		"",
	}, "\r\n"))

	body := ExtractBody(raw, "")

	if body.Text != "Café" {
		t.Errorf("Text: got %q, want %q", body.Text, "Café")
	}
	if body.HTML != "<p>Café au lait</p>" {
		t.Errorf("HTML: got %q, want %q", body.HTML, "<p>Café au lait</p>")
	}
}

func TestExtractBodyFirstPartWins(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Content-Type: multipart/mixed; boundary=b1",
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"first",
		"--b1",
		"Content-Type: text/plain",
		"",
		"second",
		"--b1--",
		"",
	}, "\r\n"))

	body := ExtractBody(raw, "")

	if body.Text != "first" {
		t.Errorf("Text: got %q, want %q", body.Text, "first")
	}
}

func TestExtractBodyNestedMultipart(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"Nested plain",
		"--inner",
		"Content-Type: text/html",
		"",
		"<b>Nested html</b>",
		"--inner--",
		"--outer",
		"Content-Type: text/plain",
		"Content-Disposition: attachment; filename=notes.txt",
		"",
		"attached notes",
		"--outer--",
		"",
	}, "\r\n"))

	body := ExtractBody(raw, "")

	if body.Text != "Nested plain" {
		t.Errorf("Text: got %q, want %q", body.Text, "Nested plain")
	}
	if body.HTML != "<b>Nested html</b>" {
		t.Errorf("HTML: got %q, want %q", body.HTML, "<b>Nested html</b>")
	}
	if len(body.Attachments) != 0 {
		t.Errorf("Attachments: got %d, want 0", len(body.Attachments))
	}
}

func TestExtractBodyBase64Part(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Content-Type: multipart/alternative; boundary=b",
		"",
		"--b",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8gV29y",
		"bGQ=",
		"--b--",
		"",
	}, "\r\n"))

	body := ExtractBody(raw, "")

	if body.Text != "Hello World" {
		t.Errorf("Text: got %q, want %q", body.Text, "Hello World")
	}
}

func TestExtractBodySinglePart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		override string
		wantText string
		wantHTML string
	}{
		{
			name:     "plain text",
			raw:      "Content-Type: text/plain\r\n\r\nplain body",
			wantText: "plain body",
		},
		{
			name:     "no content type",
			raw:      "Subject: hi\r\n\r\nimplicit plain",
			wantText: "implicit plain",
		},
		{
			name:     "html",
			raw:      "Content-Type: text/html\r\n\r\n<p>hi</p>",
			wantHTML: "<p>hi</p>",
		},
		{
			name:     "quoted printable",
			raw:      "Content-Type: text/plain; charset=utf-8\r\nContent-Transfer-Encoding: quoted-printable\r\n\r\nCaf=C3=A9 soft=\r\nbreak",
			wantText: "Café softbreak",
		},
		{
			name:     "declared type overrides header",
			raw:      "Content-Type: text/plain\r\n\r\n<p>html</p>",
			override: "text/html; charset=utf-8",
			wantHTML: "<p>html</p>",
		},
		{
			name:     "latin1 charset",
			raw:      "Content-Type: text/plain; charset=iso-8859-1\r\nContent-Transfer-Encoding: quoted-printable\r\n\r\nCaf=E9",
			wantText: "Café",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body := ExtractBody([]byte(tt.raw), tt.override)
			if body.Text != tt.wantText {
				t.Errorf("Text: got %q, want %q", body.Text, tt.wantText)
			}
			if body.HTML != tt.wantHTML {
				t.Errorf("HTML: got %q, want %q", body.HTML, tt.wantHTML)
			}
		})
	}
}

func TestExtractBodyFallsBackToRaw(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "no header block", raw: "just some words without structure"},
		{name: "multipart without boundary", raw: "Content-Type: multipart/mixed\r\n\r\n--x\r\n\r\nhello\r\n--x--\r\n"},
		{name: "multipart without text parts", raw: "Content-Type: multipart/mixed; boundary=b\r\n\r\n--b\r\nContent-Type: image/png\r\n\r\nPNG\r\n--b--\r\n"},
		{name: "headers with empty body", raw: "From: a@b.c\r\nSubject: hi\r\n\r\n"},
		{name: "headers without blank line", raw: "From: a@b.c\r\nSubject: hi"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body := ExtractBody([]byte(tt.raw), "")
			if body.Text != tt.raw {
				t.Errorf("Text: got %q, want raw message", body.Text)
			}
			if body.HTML != "" {
				t.Errorf("HTML: got %q, want empty", body.HTML)
			}
		})
	}
}

func TestNormalizeHeadersOnlyUsesRaw(t *testing.T) {
	t.Parallel()

	raw := "From: a@b.c\r\nSubject: hi\r\n\r\n"
	norm := Normalize([]byte(raw))
	if norm.Subject != "hi" {
		t.Errorf("Subject: got %q, want %q", norm.Subject, "hi")
	}
	if norm.Body.Text != raw {
		t.Errorf("Text: got %q, want raw message", norm.Body.Text)
	}
}

func TestExtractBodyKeepsTruncatedPart(t *testing.T) {
	t.Parallel()

	raw := "Content-Type: multipart/mixed; boundary=b\r\n\r\n" +
		"--b\r\nContent-Type: text/plain\r\n\r\npartial text\r\n"

	body := ExtractBody([]byte(raw), "")
	if body.Text == raw {
		t.Fatalf("Text: got the raw message, want the truncated part")
	}
	if !strings.Contains(body.Text, "partial text") {
		t.Errorf("Text: got %q, want it to contain %q", body.Text, "partial text")
	}
}

func TestAddresses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  []string
	}{
		{"", nil},
		{"alice@example.com", []string{"alice@example.com"}},
		{"Alice <alice@example.com>, bob@example.com", []string{"alice@example.com", "bob@example.com"}},
		{"=?UTF-8?Q?J=C3=B6rg?= <jorg@example.com>", []string{"jorg@example.com"}},
		{"not an address, other", []string{"not an address", "other"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got := Addresses(tt.input)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("Addresses(%q): got %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
