package logging

import "context"

type ctxKey int

const correlationKey ctxKey = iota

// Correlation carries the trace identifiers for one logical request.
// The pair propagates through the cycle, dispatch, and worker layers so
// every log record for a request can be joined on correlationId.
type Correlation struct {
	CorrelationID string
	UserID        string
}

// WithCorrelation returns a context carrying the correlation pair.
func WithCorrelation(ctx context.Context, correlationID, userID string) context.Context {
	return context.WithValue(ctx, correlationKey, Correlation{
		CorrelationID: correlationID,
		UserID:        userID,
	})
}

// CorrelationFrom extracts the correlation pair from a context.
// Returns zero values when none is set.
func CorrelationFrom(ctx context.Context) Correlation {
	if c, ok := ctx.Value(correlationKey).(Correlation); ok {
		return c
	}
	return Correlation{}
}
