package errdefs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const unknownMessage = "Unknown error"

// maxExtractDepth bounds recursion when walking nested error-bearing values,
// which may contain cycles (a map holding a reference to itself).
const maxExtractDepth = 4

// ExtractMessage pulls a message string out of anything the world throws:
// errors, strings, nested maps with message/error fields, primitives, nil.
func ExtractMessage(v any) string {
	s := strings.TrimSpace(extract(v, 0))
	if s == "" {
		return unknownMessage
	}
	return s
}

func extract(v any, depth int) string {
	if depth > maxExtractDepth {
		return ""
	}
	switch t := v.(type) {
	case nil:
		return ""
	case error:
		return t.Error()
	case string:
		return t
	case map[string]any:
		if m, ok := t["message"]; ok {
			if s := strings.TrimSpace(extract(m, depth+1)); s != "" {
				return s
			}
		}
		if e, ok := t["error"]; ok {
			if s := strings.TrimSpace(extract(e, depth+1)); s != "" {
				return s
			}
		}
		return stringify(t, depth)
	case []any:
		return stringify(t, depth)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// stringify renders maps and slices depth-limited and with sorted keys, so
// cyclic graphs terminate and equal inputs produce equal output.
func stringify(v any, depth int) string {
	if depth > maxExtractDepth {
		return "..."
	}
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(stringify(t[k], depth+1))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(stringify(e, depth+1))
		}
		b.WriteByte(']')
		return b.String()
	case nil:
		return "null"
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Sanitized is the classified, redacted form of an arbitrary error.
type Sanitized struct {
	Code        string    `json:"code"`
	Kind        Kind      `json:"category"`
	Message     string    `json:"message"`
	UserMessage string    `json:"userMessage"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"requestId,omitempty"`
}

// technical terms that disqualify a validation message from passthrough.
var technicalTerms = []string{"stack", "trace", "exception", "pointer", "heap", "buffer", "overflow"}

// Sanitize classifies v, redacts its message, and picks a user-facing
// message. A pre-classified *Error keeps its kind and code; everything else
// is classified by message content. The code is deterministic for a given
// input.
func Sanitize(v any) Sanitized {
	msg := ExtractMessage(v)

	var kind Kind
	var code string
	var clsErr *Error
	if err, ok := v.(error); ok && errors.As(err, &clsErr) {
		kind = clsErr.Kind
		code = clsErr.Code
		if code == "" {
			code = CodeFor(kind, msg)
		}
	} else {
		kind = Classify(msg)
		code = CodeFor(kind, msg)
	}

	redacted := Redact(msg)
	user := UserMessage(code)
	if kind == KindValidation && validationPassthrough(redacted) {
		user = redacted
	}

	return Sanitized{
		Code:        code,
		Kind:        kind,
		Message:     redacted,
		UserMessage: user,
		Timestamp:   time.Now().UTC(),
	}
}

// validationPassthrough reports whether a redacted validation message is
// plain enough to show directly to the user.
func validationPassthrough(redacted string) bool {
	if len(redacted) > 200 || ContainsSensitive(redacted) {
		return false
	}
	lower := strings.ToLower(redacted)
	for _, term := range technicalTerms {
		if strings.Contains(lower, term) {
			return false
		}
	}
	return true
}

// SanitizeForLogging returns the user-facing record plus a redacted message
// with its original layout preserved, for operator-facing log sinks.
func SanitizeForLogging(v any) (Sanitized, string) {
	s := Sanitize(v)
	return s, RedactKeepLayout(ExtractMessage(v))
}

// HTTPStatus maps a sanitised error to an HTTP status code.
func HTTPStatus(s Sanitized) int {
	switch s.Code {
	case CodeDBDuplicateKey:
		return 409
	case CodeDBConnectionFailed:
		return 503
	case CodeDBTimeout:
		return 504
	case CodeSessionExpired:
		return 404
	}
	switch s.Kind {
	case KindValidation:
		return 400
	case KindAuthentication:
		return 401
	case KindAuthorization:
		return 403
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindRateLimit:
		return 429
	case KindServiceUnavailable:
		return 503
	default:
		return 500
	}
}

// Envelope is the wire form of an error response.
type Envelope struct {
	Success       bool   `json:"success"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Timestamp     string `json:"timestamp"`
	RequestID     string `json:"requestId"`
	StatusCode    int    `json:"statusCode,omitempty"`
	Category      string `json:"category,omitempty"`
	Path          string `json:"path,omitempty"`
	Method        string `json:"method,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	Event         string `json:"event,omitempty"`
}

// NewEnvelope builds the wire envelope for a sanitised error, generating a
// request id when the record does not carry one.
func NewEnvelope(s Sanitized) Envelope {
	requestID := s.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return Envelope{
		Success:    false,
		Code:       s.Code,
		Message:    s.UserMessage,
		Timestamp:  s.Timestamp.Format(time.RFC3339),
		RequestID:  requestID,
		StatusCode: HTTPStatus(s),
		Category:   string(s.Kind),
	}
}
