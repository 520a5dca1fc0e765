// Package notify defines the alert payload shared by operator notification sinks.
package notify

import (
	"context"
	"time"
)

// Severity values recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert is the canonical payload delivered to operators.
type Alert struct {
	// Key identifies the condition; sinks use it to group repeats.
	Key        string
	Summary    string
	Severity   string
	Source     string
	OccurredAt time.Time
	// LocalTime is OccurredAt rendered in the operator display zone.
	LocalTime string
	Details   map[string]string
}

// Sink describes a destination capable of consuming alerts.
type Sink interface {
	Send(ctx context.Context, alert Alert) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, alert Alert) error

// Send implements the Sink interface.
func (f SinkFunc) Send(ctx context.Context, alert Alert) error {
	if f == nil {
		return nil
	}
	return f(ctx, alert)
}

// Retry calls fn up to retries+1 times with a linear backoff between attempts.
// It returns the last error, or ctx.Err() if the context ends while waiting.
func Retry(ctx context.Context, retries int, fn func(context.Context) error) error {
	attempts := max(retries, 0) + 1
	var lastErr error
	for attempt := range attempts {
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * 200 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
