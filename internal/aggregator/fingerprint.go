package aggregator

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/autorev/paddock/pkg/types"
)

// Masking patterns applied to error messages before hashing, broadest
// first so UUIDs don't get chewed up by the hex pass.
var (
	uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	hexPattern  = regexp.MustCompile(`\b0[xX][0-9a-fA-F]+\b|\b[0-9a-fA-F]{16,}\b`)
	numPattern  = regexp.MustCompile(`\d+`)
)

// Fingerprint derives the stable bucket key for an event. Two events
// that differ only in volatile details (IDs, counts, addresses) must
// land in the same bucket, so volatile tokens are masked before hashing.
func Fingerprint(ev types.EventRecord) string {
	var material string
	switch ev.Kind {
	case types.EventConversation:
		material = "conv|" + slugify(ev.Subject) + "|" + strings.ToLower(strings.TrimSpace(ev.Category))
	default:
		material = "err|" + maskMessage(ev.Message) + "|" + maskMessage(ev.StackTop)
	}

	sum := sha1.Sum([]byte(material))
	return hex.EncodeToString(sum[:])
}

// maskMessage replaces volatile tokens in an error message with
// placeholders so e.g. "timeout after 3021ms for request 7f3a..." and
// "timeout after 2998ms for request 91bb..." fingerprint identically.
func maskMessage(s string) string {
	s = strings.TrimSpace(s)
	s = uuidPattern.ReplaceAllString(s, "<uuid>")
	s = hexPattern.ReplaceAllString(s, "<hex>")
	s = numPattern.ReplaceAllString(s, "<n>")
	return strings.ToLower(s)
}

// slugify reduces a conversation subject to a stable lowercase token
// sequence.
func slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
