package errdefs

import (
	"regexp"
	"strings"
)

// redaction is one substitution applied to outgoing messages. Order matters:
// URIs are replaced before the credential and path patterns would otherwise
// chew them into fragments.
type redaction struct {
	re          *regexp.Regexp
	replacement string
}

var redactions = []redaction{
	// Connection URIs.
	{regexp.MustCompile(`(?i)\b(?:mongodb(?:\+srv)?|postgres(?:ql)?|mysql)://[^\s"']+`), "[DATABASE_URI]"},
	{regexp.MustCompile(`(?i)\brediss?://[^\s"']+`), "[CACHE_URI]"},
	// Inline credentials: key=value / key: value forms and user:pass@ userinfo.
	{regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|secret|token|api[_-]?key|authorization)\s*[=:]\s*[^\s,;]+`), "[CREDENTIALS]"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+:[^@\s/]+@`), "[CREDENTIALS]@"},
	// Stack frames (both JS-style "at ..." lines and Go file:line frames).
	{regexp.MustCompile(`(?m)^[ \t]*at\s+.+$`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*(?:\S+/)*\S+\.go:\d+(?:[ \t].*)?$`), ""},
	{regexp.MustCompile(`(?m)^goroutine \d+ \[.*$`), ""},
	// Module-tree paths before generic filesystem paths.
	{regexp.MustCompile(`(?:[\w.-]+[/\\])?node_modules[/\\][\w@./\\-]+`), "[MODULE]"},
	// Filesystem paths, Windows then POSIX.
	{regexp.MustCompile(`\b[A-Za-z]:\\[\w\\ .-]+`), "[PATH]"},
	{regexp.MustCompile(`(?:/[\w.-]+){2,}/?`), "[PATH]"},
	// IP addresses, optionally with a port.
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d{1,5})?\b`), "[IP]"},
	// Well-known transport error codes.
	{regexp.MustCompile(`\b(?:ECONNREFUSED|ECONNRESET|ETIMEDOUT|EHOSTUNREACH|ENOTFOUND|EPIPE|EADDRINUSE|EAI_AGAIN)\b`), "[ERROR]"},
	// SQL statements and document-query expressions.
	{regexp.MustCompile(`(?i)\b(?:SELECT\s+.+?\s+FROM\s+\S+|INSERT\s+INTO\s+\S+|UPDATE\s+\S+\s+SET\b|DELETE\s+FROM\s+\S+)[^;]*`), "[QUERY]"},
	{regexp.MustCompile(`\{\s*"?\$\w+.*\}`), "[QUERY]"},
	// Environment variable references.
	{regexp.MustCompile(`process\.env\.[A-Za-z0-9_]+`), "[ENV]"},
	{regexp.MustCompile(`\$\{?[A-Z][A-Z0-9_]{2,}\}?`), "[ENV]"},
	// Memory addresses.
	{regexp.MustCompile(`\b0x[0-9a-fA-F]{4,}\b`), "[ADDR]"},
}

var reWhitespace = regexp.MustCompile(`\s+`)

// Redact applies every substitution pattern to msg, collapses whitespace, and
// trims. The result is safe to embed in client-facing messages.
func Redact(msg string) string {
	out := redactRaw(msg)
	out = reWhitespace.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// RedactKeepLayout applies the substitution patterns but preserves line
// structure, for operator-facing log sinks.
func RedactKeepLayout(msg string) string {
	return strings.TrimSpace(redactRaw(msg))
}

func redactRaw(msg string) string {
	out := msg
	for _, r := range redactions {
		out = r.re.ReplaceAllString(out, r.replacement)
	}
	return out
}

// ContainsSensitive reports whether any redaction pattern matches str.
func ContainsSensitive(str string) bool {
	for _, r := range redactions {
		if r.re.MatchString(str) {
			return true
		}
	}
	return false
}
