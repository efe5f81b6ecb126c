package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a****e@e*****e.c*m", MaskEmail("alice@example.com"))
	assert.Equal(t, "not-an-email", MaskEmail("not-an-email"))
	assert.Equal(t, "*@b*b.o*g", MaskEmail("a@bob.org"))
}

func TestSanitizerDigestStable(t *testing.T) {
	s := NewSanitizer(true, "secret")
	d1 := s.Subject("Quarterly report")
	d2 := s.Subject("Quarterly report")
	require.Equal(t, d1, d2)
	assert.Len(t, d1, digestLen)
	assert.NotEqual(t, d1, s.Subject("Other subject"))
}

func TestSanitizerNoSecret(t *testing.T) {
	s := NewSanitizer(true, "")
	assert.Equal(t, "[redacted]", s.Subject("anything"))
}

func TestSanitizerDisabledBounds(t *testing.T) {
	s := NewSanitizer(false, "")
	long := strings.Repeat("x", 200)
	assert.Len(t, s.Subject(long), 80)
}

func TestRedactEmailsIn(t *testing.T) {
	out := RedactEmailsIn("NO [ALERT] user bob@example.com over quota")
	assert.NotContains(t, out, "bob@example.com")
	assert.Contains(t, out, "@")
}

func TestBoundAndCleanControlChars(t *testing.T) {
	assert.Equal(t, "ab", BoundAndClean("a\x00b\r\n", 10))
}
