package incident

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Identity is the correlation key for a problem. Signals that differ only in
// timestamps, run ids, context entries or description casing share one.
type Identity string

const identityPrefix = "pi_"

var identityPattern = regexp.MustCompile(`^pi_[0-9a-f]{32}$`)

func (id Identity) String() string { return string(id) }

// Valid reports whether id has the shape produced by IdentityOf.
func (id Identity) Valid() bool {
	return identityPattern.MatchString(string(id))
}

// IdentityOf derives the deterministic identity of an event from its origin,
// subject, category and the signature of its description. The context map
// and timestamps never contribute.
func IdentityOf(ev NormalizedEvent) Identity {
	canonical := strings.Join([]string{
		canonicalize(ev.Origin),
		canonicalize(ev.Subject),
		canonicalize(ev.Category),
		Signature(ev.Description),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return Identity(identityPrefix + hex.EncodeToString(sum[:])[:32])
}

var (
	isoTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?(z|[+-]\d{2}:?\d{2})?`)
	uuidToken    = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	hexToken     = regexp.MustCompile(`\b[0-9a-f]{7,}\b`)
	intToken     = regexp.MustCompile(`\b\d+\b`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Signature reduces a description to its error signature: lowercased,
// whitespace-collapsed, with timestamps, UUIDs, hex ids and bare integers
// replaced by placeholders.
func Signature(desc string) string {
	s := canonicalize(desc)
	s = isoTimestamp.ReplaceAllString(s, "<ts>")
	s = uuidToken.ReplaceAllString(s, "<uuid>")
	s = hexToken.ReplaceAllStringFunc(s, func(tok string) string {
		if strings.ContainsAny(tok, "0123456789") {
			return "<hex>"
		}
		return tok
	})
	return intToken.ReplaceAllString(s, "<n>")
}

func canonicalize(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(strings.ToLower(s), " "))
}
