package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/metrics"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

// Operation is a unit of work the executor may run more than once.
type Operation func(ctx context.Context) error

// Permanent marks err as not worth retrying. Do returns the wrapped error
// unchanged after the first attempt.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Executor runs operations with bounded retries and reports every attempt.
type Executor struct {
	reporter telemetry.Reporter
	timer    backoff.Timer // nil uses real timers
}

// NewExecutor returns an Executor reporting to r.
func NewExecutor(r telemetry.Reporter) *Executor {
	if r == nil {
		r = telemetry.Nop{}
	}
	return &Executor{reporter: r}
}

// Do runs op, retrying failures up to p.MaxRetries times with p's backoff.
// It returns nil on the first success, or the last error once retries are
// exhausted, a permanent error is returned, or ctx is done.
func (e *Executor) Do(ctx context.Context, name string, p Policy, op Operation) error {
	attempt := 0
	permanent := false
	run := func() error {
		attempt++
		err := op(ctx)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		metrics.RecordRetryAttempt(name, err == nil)
		ev := telemetry.Event{
			Level:    telemetry.LevelDebug,
			Category: "retry.attempt",
			Message:  fmt.Sprintf("%s attempt %d succeeded", name, attempt),
			Data:     map[string]any{"operation": name, "attempt": attempt},
		}
		if err != nil {
			ev.Level = telemetry.LevelWarn
			ev.Message = fmt.Sprintf("%s attempt %d failed", name, attempt)
			ev.Data["error"] = err.Error()
		}
		e.reporter.Report(ctx, ev)
		return err
	}

	var b backoff.BackOff = &policyBackOff{policy: p}
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.MaxRetries, 0))), ctx)

	err := backoff.RetryNotifyWithTimer(run, b, nil, e.timer)
	if err != nil && permanent {
		e.reporter.Report(ctx, telemetry.Event{
			Level:    telemetry.LevelDebug,
			Category: "retry.stopped",
			Message:  fmt.Sprintf("%s stopped on a permanent error", name),
			Data:     map[string]any{"operation": name, "attempts": attempt, "error": err.Error()},
		})
		return err
	}
	if err != nil {
		e.reporter.Report(ctx, telemetry.Event{
			Level:    telemetry.LevelError,
			Category: "retry.exhausted",
			Message:  fmt.Sprintf("%s failed after %d attempts", name, attempt),
			Data:     map[string]any{"operation": name, "attempts": attempt, "error": err.Error()},
		})
	}
	return err
}

// Degrade runs primary and falls back to fallback when it fails. When both
// fail the fallback's error is returned and both failures are reported.
func (e *Executor) Degrade(ctx context.Context, name string, primary, fallback Operation) error {
	perr := primary(ctx)
	if perr == nil {
		return nil
	}
	e.reporter.Report(ctx, telemetry.Event{
		Level:    telemetry.LevelWarn,
		Category: "degrade.primary_failed",
		Message:  fmt.Sprintf("%s primary path failed, using fallback", name),
		Data:     map[string]any{"operation": name, "error": perr.Error()},
	})

	ferr := fallback(ctx)
	if ferr == nil {
		return nil
	}
	e.reporter.Report(ctx, telemetry.Event{
		Level:    telemetry.LevelError,
		Category: "degrade.fallback_failed",
		Message:  fmt.Sprintf("%s fallback path failed", name),
		Data:     map[string]any{"operation": name, "error": ferr.Error(), "primary_error": perr.Error()},
	})
	return ferr
}

// IsContextError reports whether err came from a cancelled or expired context.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
