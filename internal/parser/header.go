package parser

import (
	"mime"
	"net/mail"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"
)

// encodedWord matches an RFC 2047 encoded-word: =?charset?encoding?text?=
var encodedWord = regexp.MustCompile(`=\?[^?\s]+\?[A-Za-z]\?[^?\s]*\?=`)

// wordDecoder resolves charsets beyond UTF-8, US-ASCII and ISO-8859-1
// through go-message's charset table.
var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// DecodeHeader replaces every RFC 2047 encoded-word in value with its decoded
// text. Words are decoded independently, left to right. A word with an unknown
// encoding, unknown charset or malformed payload is left as it was.
// Whitespace separating two decoded words is dropped.
func DecodeHeader(value string) string {
	matches := encodedWord.FindAllStringIndex(value, -1)
	if len(matches) == 0 {
		return value
	}

	var b strings.Builder
	b.Grow(len(value))

	last := 0
	prevDecoded := false
	for _, m := range matches {
		start, end := m[0], m[1]
		word := value[start:end]

		decoded, err := wordDecoder.Decode(word)
		ok := err == nil

		gap := value[last:start]
		if !(ok && prevDecoded && isLinearWhitespace(gap)) {
			b.WriteString(gap)
		}

		if ok {
			b.WriteString(decoded)
		} else {
			b.WriteString(word)
		}

		prevDecoded = ok
		last = end
	}
	b.WriteString(value[last:])

	return b.String()
}

// isLinearWhitespace reports whether s consists only of spaces, tabs and
// line breaks from header folding.
func isLinearWhitespace(s string) bool {
	if s == "" {
		return false
	}
	return strings.Trim(s, " \t\r\n") == ""
}

// Addresses splits an address-list header into bare addresses. Values that
// do not parse as RFC 5322 fall back to a plain comma split.
func Addresses(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parser := mail.AddressParser{WordDecoder: wordDecoder}
	addresses, err := parser.ParseList(raw)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
