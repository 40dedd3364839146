package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor scrubs credentials from log output
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor covering realtime keys and every provider
// auth scheme
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Realtime endpoint keys
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

			// Authorization header values
			regexp.MustCompile(`(?i)Bearer\s+[a-zA-Z0-9._~+/=-]+`),
			regexp.MustCompile(`(?i)Basic\s+[a-zA-Z0-9+/=]{8,}`),

			// Provider API key and session headers
			regexp.MustCompile(`(?i)x-api-key["\s:=]+[^\s",}]+`),
			regexp.MustCompile(`(?i)mcp-session-id["\s:=]+[^\s",}]+`),

			// Credential fields in config dumps
			regexp.MustCompile(`(?i)"?(password|client_secret|api_key|token)"?\s*[:=]\s*"[^"]+"`),

			// Generic secrets
			regexp.MustCompile(`(?i)secret["\s:=]+[^\s"]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact scrubs s
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts before forwarding to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write when the
// redacted output differs in length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
