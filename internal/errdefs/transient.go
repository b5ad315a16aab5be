package errdefs

import (
	"context"
	"errors"
	"net"
	"regexp"
)

// reTransient matches messages from network-class failures that are worth
// retrying: the dependency may come back, as opposed to a rejected write.
var reTransient = regexp.MustCompile(`(?i)(?:connection refused|connection reset|broken pipe|no reachable servers|server selection|i/o timeout|timed out|timeout|ECONN|ETIMEDOUT|EHOSTUNREACH|EPIPE|dial tcp|socket|unexpected EOF|connection closed|connection pool|network)`)

// IsTransient reports whether err looks like a transient network-class
// failure. Classification errors (validation, duplicate key, not found) are
// deliberately excluded: retrying those cannot succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	if reDuplicate.MatchString(msg) {
		return false
	}
	return reTransient.MatchString(msg)
}
