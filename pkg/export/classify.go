package export

import (
	"context"
	"errors"
	"strings"

	"github.com/quarrydata/quarry/pkg/qerrors"
)

// transientKeywords match raw driver errors that arrive untyped from the
// wire. Matched case-insensitively against the full error string.
var transientKeywords = []string{
	"connection",
	"timeout",
	"timed out",
	"network",
	"temporar",
	"reset by peer",
	"broken pipe",
	"refused",
	"unavailable",
	"too many connections",
	"authentication",
	"eof",
}

// Transient reports whether a chunk failure is worth retrying. Circuit-open
// errors are never transient: the breaker already decided the database is
// down, and retrying against an open circuit just burns the retry budget.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if qerrors.IsType(err, qerrors.ErrorTypeCircuitOpen) {
		return false
	}
	if qerrors.IsRetryable(err) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range transientKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
