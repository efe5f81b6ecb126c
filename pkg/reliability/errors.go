package reliability

import (
	"context"
	"errors"
	"strings"
)

// Category classifies an error for retry and state-machine decisions.
type Category int

const (
	CategoryTemporary Category = iota
	CategoryNetwork
	CategoryTimeout
	CategoryAuth
	CategoryPermanent
)

func (c Category) String() string {
	switch c {
	case CategoryTemporary:
		return "temporary"
	case CategoryNetwork:
		return "network"
	case CategoryTimeout:
		return "timeout"
	case CategoryAuth:
		return "auth"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var authPatterns = []string{
	"authentication failed",
	"authenticationfailed",
	"login failed",
	"invalid credentials",
	"bad credentials",
	"access denied",
	"unauthorized",
}

var networkPatterns = []string{
	"connection refused",
	"connection reset",
	"network unreachable",
	"host unreachable",
	"no such host",
	"broken pipe",
	"connection lost",
	"use of closed network connection",
	"unexpected eof",
	"eof",
	"connection closed",
	"socket",
	"tls handshake",
}

var timeoutPatterns = []string{
	"i/o timeout",
	"deadline exceeded",
	"timeout",
	"timed out",
}

var permanentPatterns = []string{
	"mailbox does not exist",
	"no mailbox",
	"invalid mailbox",
	"permission denied",
	"quota exceeded",
	"cannot parse",
}

// Categorize maps an error onto a Category by response text. IMAP errors
// carry no structured codes at this layer, so classification is by the
// server's human-readable text, matching the most specific class first.
func Categorize(err error) Category {
	if err == nil {
		return CategoryTemporary
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	s := strings.ToLower(err.Error())
	for _, p := range authPatterns {
		if strings.Contains(s, p) {
			return CategoryAuth
		}
	}
	for _, p := range timeoutPatterns {
		if strings.Contains(s, p) {
			return CategoryTimeout
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(s, p) {
			return CategoryPermanent
		}
	}
	for _, p := range networkPatterns {
		if strings.Contains(s, p) {
			return CategoryNetwork
		}
	}
	return CategoryTemporary
}

// ShouldRetry reports whether an error class is worth another attempt.
// Auth and permanent failures never are.
func ShouldRetry(err error) bool {
	switch Categorize(err) {
	case CategoryTemporary, CategoryNetwork, CategoryTimeout:
		return true
	default:
		return false
	}
}

// IsHardNetErr reports errors after which the connection must be assumed
// dead and rebuilt rather than reused.
func IsHardNetErr(err error) bool {
	if err == nil {
		return false
	}
	switch Categorize(err) {
	case CategoryNetwork, CategoryTimeout:
		return true
	}
	return false
}
