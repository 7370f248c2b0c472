package export

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quarrydata/quarry/pkg/qerrors"
)

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed_connection", qerrors.New(qerrors.ErrorTypeConnection, "server closed the connection"), true},
		{"typed_timeout", qerrors.New(qerrors.ErrorTypeTimeout, "statement timeout"), true},
		{"typed_query", qerrors.New(qerrors.ErrorTypeQuery, "syntax error at or near"), false},
		{"circuit_open_never_retried", qerrors.New(qerrors.ErrorTypeCircuitOpen, "circuit open"), false},
		{"context_canceled", context.Canceled, false},
		{"deadline_exceeded", context.DeadlineExceeded, true},
		{"raw_reset_by_peer", errors.New("read tcp 10.0.0.1:5432: connection reset by peer"), true},
		{"raw_broken_pipe", errors.New("write: broken pipe"), true},
		{"raw_too_many_connections", errors.New("FATAL: too many connections for role"), true},
		{"raw_syntax_error", errors.New("ERROR: column \"nope\" does not exist"), false},
		{"raw_permission", errors.New("ERROR: permission denied for table orders"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transient(tt.err))
		})
	}
}

// A circuit-open failure wrapped in another typed error still must not
// retry; the breaker has already decided the database is down.
func TestTransientWrappedCircuitOpen(t *testing.T) {
	inner := qerrors.New(qerrors.ErrorTypeCircuitOpen, "circuit open, rejecting acquisition")
	wrapped := qerrors.Wrap(inner, qerrors.ErrorTypeCircuitOpen, "chunk 3 failed")

	assert.False(t, Transient(wrapped))
}
