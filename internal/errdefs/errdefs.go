// Package errdefs classifies arbitrary errors into stable codes, redacts
// sensitive substrings, and produces user-facing messages. Every error that
// leaves the process boundary passes through Sanitize so that connection
// strings, credentials, paths, and query shapes never reach a client.
package errdefs

import (
	"fmt"
	"regexp"
)

// Kind is the coarse error category.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAuthentication     Kind = "authentication"
	KindAuthorization      Kind = "authorization"
	KindRateLimit          Kind = "rate_limit"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindTimeout            Kind = "timeout"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal"
	KindNetwork            Kind = "network"
	KindDatabase           Kind = "database"
	KindUnknown            Kind = "unknown"
)

// Stable error codes surfaced to clients.
const (
	CodeUnknown            = "UNKNOWN_ERROR"
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenInvalid       = "TOKEN_INVALID"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeForbidden          = "FORBIDDEN"
	CodeRateLimited        = "RATE_LIMITED"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeTimeout            = "TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
	CodeNetwork            = "NETWORK_ERROR"
	CodeDatabase           = "DATABASE_ERROR"
	CodeDBDuplicateKey     = "DB_DUPLICATE_KEY"
	CodeDBConnectionFailed = "DB_CONNECTION_FAILED"
	CodeDBTimeout          = "DB_TIMEOUT"
	CodeCache              = "CACHE_ERROR"
	CodeSessionExpired     = "SESSION_EXPIRED"
)

// Error is a classified error carrying a kind and stable code alongside the
// wrapped cause. Components use it to hand pre-classified failures to the
// boundary without relying on message pattern matching.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// classifier maps message patterns to a kind. Order matters: the first match
// wins, so more specific categories come first.
type classifier struct {
	kind Kind
	re   *regexp.Regexp
}

var classifiers = []classifier{
	{KindAuthentication, regexp.MustCompile(`(?i)\b(?:jwt|token|credential|unauthoriz|unauthenticated|login fail|auth fail|session (?:expired|invalid))`)},
	{KindDatabase, regexp.MustCompile(`(?i)(?:mongo|redis|duplicate key|\bE11000\b|ECONNREFUSED|connection refused|topology|replica set|write concern|server selection)`)},
	{KindAuthorization, regexp.MustCompile(`(?i)(?:forbidden|permission denied|access denied|not allowed|insufficient privilege)`)},
	{KindRateLimit, regexp.MustCompile(`(?i)(?:rate limit|too many requests|throttl)`)},
	{KindNotFound, regexp.MustCompile(`(?i)(?:not found|no such|does not exist|no documents?\b)`)},
	{KindConflict, regexp.MustCompile(`(?i)(?:conflict|already exists|already joined|duplicate)`)},
	{KindTimeout, regexp.MustCompile(`(?i)(?:timeout|timed out|deadline exceeded|ETIMEDOUT)`)},
	{KindServiceUnavailable, regexp.MustCompile(`(?i)(?:service unavailable|unavailable|circuit breaker|overload|not ready)`)},
	{KindInternal, regexp.MustCompile(`(?i)(?:internal server error|panic|nil pointer|index out of range|assertion)`)},
	{KindValidation, regexp.MustCompile(`(?i)(?:validation|invalid|malformed|required field|must be|bad request|out of range|too (?:long|short))`)},
	{KindNetwork, regexp.MustCompile(`(?i)(?:network|socket|ECONNRESET|EHOSTUNREACH|ENOTFOUND|broken pipe|\bdns\b|connection (?:reset|closed|lost)|dial tcp)`)},
}

// Classify maps an extracted message to its coarse category.
func Classify(message string) Kind {
	for _, c := range classifiers {
		if c.re.MatchString(message) {
			return c.kind
		}
	}
	return KindUnknown
}

var (
	reDuplicate  = regexp.MustCompile(`(?i)duplicate key|\bE11000\b`)
	reDBRefused  = regexp.MustCompile(`(?i)ECONNREFUSED|connection refused|topology|server selection|no reachable`)
	reDBTimeout  = regexp.MustCompile(`(?i)timeout|timed out`)
	reCacheWord  = regexp.MustCompile(`(?i)redis`)
	reExpired    = regexp.MustCompile(`(?i)expired`)
	reTokenWord  = regexp.MustCompile(`(?i)jwt|token`)
	reCredential = regexp.MustCompile(`(?i)credential|login`)
)

// CodeFor refines a category into a stable code using the message content.
func CodeFor(kind Kind, message string) string {
	switch kind {
	case KindDatabase:
		switch {
		case reDuplicate.MatchString(message):
			return CodeDBDuplicateKey
		case reDBTimeout.MatchString(message):
			return CodeDBTimeout
		case reDBRefused.MatchString(message):
			return CodeDBConnectionFailed
		case reCacheWord.MatchString(message):
			return CodeCache
		default:
			return CodeDatabase
		}
	case KindAuthentication:
		switch {
		case reExpired.MatchString(message) && reTokenWord.MatchString(message):
			return CodeTokenExpired
		case reTokenWord.MatchString(message):
			return CodeTokenInvalid
		case reCredential.MatchString(message):
			return CodeInvalidCredentials
		default:
			return CodeUnauthorized
		}
	case KindAuthorization:
		return CodeForbidden
	case KindRateLimit:
		return CodeRateLimited
	case KindNotFound:
		return CodeNotFound
	case KindConflict:
		return CodeConflict
	case KindTimeout:
		return CodeTimeout
	case KindServiceUnavailable:
		return CodeServiceUnavailable
	case KindInternal:
		return CodeInternal
	case KindValidation:
		return CodeValidation
	case KindNetwork:
		return CodeNetwork
	default:
		return CodeUnknown
	}
}

// userMessages maps codes to client-safe text.
var userMessages = map[string]string{
	CodeUnknown:            "Something went wrong. Please try again.",
	CodeValidation:         "Your request could not be processed. Please check your input.",
	CodeUnauthorized:       "You need to sign in to do that.",
	CodeTokenExpired:       "Your sign-in has expired. Please sign in again.",
	CodeTokenInvalid:       "Your sign-in is no longer valid. Please sign in again.",
	CodeInvalidCredentials: "Incorrect name or password.",
	CodeForbidden:          "You don't have permission to do that.",
	CodeRateLimited:        "You're doing that too often. Please wait a moment.",
	CodeNotFound:           "We couldn't find what you were looking for.",
	CodeConflict:           "That already exists.",
	CodeTimeout:            "The request took too long. Please try again.",
	CodeServiceUnavailable: "The service is temporarily unavailable. Please try again shortly.",
	CodeInternal:           "Something went wrong on our side. Please try again.",
	CodeNetwork:            "A connection problem occurred. Please check your network.",
	CodeDatabase:           "A storage problem occurred. Please try again.",
	CodeDBDuplicateKey:     "That already exists.",
	CodeDBConnectionFailed: "The service is temporarily unavailable. Please try again shortly.",
	CodeDBTimeout:          "The request took too long. Please try again.",
	CodeCache:              "A storage problem occurred. Please try again.",
	CodeSessionExpired:     "Your session has expired. Please rejoin with the join code.",
}

// UserMessage returns the client-safe text for a code.
func UserMessage(code string) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return userMessages[CodeUnknown]
}
