package export

import (
	"context"
	"sync/atomic"

	"github.com/quarrydata/quarry/pkg/qerrors"
)

type ctxKey int

const stopFlagKey ctxKey = iota

// WithStopFlag attaches a cooperative stop flag to the context. Unlike
// context cancellation, raising the flag does not interrupt queries already
// running; it only stops new chunks from being submitted.
func WithStopFlag(ctx context.Context, flag *int32) context.Context {
	return context.WithValue(ctx, stopFlagKey, flag)
}

func stopRequested(ctx context.Context) bool {
	flag, ok := ctx.Value(stopFlagKey).(*int32)
	return ok && atomic.LoadInt32(flag) != 0
}

func errStopped() error {
	return qerrors.New(qerrors.ErrorTypeInternal, "export cancelled before chunk started")
}
