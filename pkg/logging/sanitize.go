package logging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Sanitizer rewrites user-identifying values (subjects, addresses) before
// they reach the log stream. When enabled, values are replaced with short
// keyed digests so that repeated log lines about the same message remain
// correlatable without disclosing content.
type Sanitizer struct {
	enabled bool
	key     []byte
}

const digestLen = 12

// NewSanitizer derives the digest key from the given secret. An empty secret
// yields a disabled sanitizer that passes values through after bounding.
func NewSanitizer(enabled bool, secret string) *Sanitizer {
	s := &Sanitizer{enabled: enabled}
	if enabled && secret != "" {
		s.key = pbkdf2.Key([]byte(secret), []byte("quail-log-sanitizer"), 4096, 32, sha256.New)
	}
	return s
}

// Subject returns a loggable form of a message subject.
func (s *Sanitizer) Subject(subject string) string {
	if !s.enabled {
		return BoundAndClean(subject, 80)
	}
	return s.digest(subject)
}

// Address returns a loggable form of an email address. Disabled sanitizers
// still mask the local part and domain labels.
func (s *Sanitizer) Address(addr string) string {
	if !s.enabled {
		return MaskEmail(addr)
	}
	return s.digest(strings.ToLower(strings.TrimSpace(addr)))
}

func (s *Sanitizer) digest(v string) string {
	if len(s.key) == 0 {
		return "[redacted]"
	}
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))[:digestLen]
}

// SummarizeLiteral describes a protocol literal by size only.
func SummarizeLiteral(n int) string {
	return "bytes=" + strconv.Itoa(n)
}

// MaskEmail masks each label of an address, keeping first and last runes so
// operators can still distinguish accounts at a glance.
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	mask := func(part string) string {
		if len(part) <= 1 {
			return "*"
		}
		stars := len(part) - 2
		if stars < 0 {
			stars = 0
		}
		return part[:1] + strings.Repeat("*", stars) + part[len(part)-1:]
	}
	labels := strings.Split(s[at+1:], ".")
	for i, l := range labels {
		labels[i] = mask(l)
	}
	return mask(s[:at]) + "@" + strings.Join(labels, ".")
}

var emailRE = regexp.MustCompile(`(?i)[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// RedactEmailsIn masks every address found in free-form text, such as
// server alert strings.
func RedactEmailsIn(s string) string {
	return emailRE.ReplaceAllStringFunc(s, MaskEmail)
}

// BoundAndClean strips control characters and bounds the length of an
// arbitrary string, avoiding cuts inside a UTF-8 sequence.
func BoundAndClean(s string, limit int) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 32 || r == 127 {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if limit <= 0 || len(out) <= limit {
		return out
	}
	cut := limit
	for cut > 0 && (out[cut]&0xC0) == 0x80 {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return out[:cut]
}
