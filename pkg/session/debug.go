package session

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/quailmail/quail/pkg/logging"
)

// debugWriter logs raw protocol traffic at Trace. Credentials are always
// redacted; sanitized mode summarizes payloads by size instead of dumping
// them.
type debugWriter struct {
	log       zerolog.Logger
	sanitized bool
}

func (w *debugWriter) Write(p []byte) (int, error) {
	data := strings.TrimSpace(string(p))
	switch {
	case strings.Contains(strings.ToUpper(data), "LOGIN"),
		strings.Contains(strings.ToUpper(data), "AUTHENTICATE"):
		w.log.Trace().Str("imap", "[auth exchange redacted]").Msg("protocol")
	case w.sanitized:
		w.log.Trace().Str("imap", logging.SummarizeLiteral(len(data))).Msg("protocol")
	default:
		// Addresses are masked even in unsanitized traces.
		w.log.Trace().Str("imap", logging.RedactEmailsIn(logging.BoundAndClean(data, 512))).Msg("protocol")
	}
	return len(p), nil
}
