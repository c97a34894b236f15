package operation

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Classifier attaches a specific cause to a revert, typically by reading
// ledger state. Returning nil or the input surfaces the revert unchanged.
type Classifier func(ctx context.Context, reverted *RevertedError) error

// Check is one step of a classification tree. Test reports whether the cause
// applies and may return a detail message for the caller.
type Check struct {
	Name  string
	Cause Cause
	Test  func(ctx context.Context) (bool, string, error)
}

// Classify runs checks in order and returns the first cause that applies.
// A check that cannot read its state ends classification, since later checks
// rank below it; the revert is then surfaced unchanged.
func Classify(logger *zap.Logger, checks ...Check) Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, reverted *RevertedError) error {
		for _, check := range checks {
			hit, detail, err := check.Test(ctx)
			if err != nil {
				logger.Warn("classification read failed", zap.String("check", check.Name), zap.Error(err))
				return reverted
			}
			if !hit {
				continue
			}
			return &RevertedError{
				Cause:  check.Cause,
				Detail: detail,
				Reason: reverted.Reason,
				Err:    reverted.Err,
			}
		}
		return reverted
	}
}

// RequireEvent maps a receipt through the named event; its absence fails the
// operation with a MissingMarkerError.
func RequireEvent[T any](name string, decode func(Event) (T, error)) Mapper[T] {
	return func(r *Receipt) (T, error) {
		event, ok := r.Event(name)
		if !ok {
			var zero T
			missing := &MissingMarkerError{Event: name}
			if r != nil {
				missing.TxHash = r.TxHash
			}
			return zero, missing
		}
		out, err := decode(event)
		if err != nil {
			var zero T
			return zero, fmt.Errorf("decode %s event: %w", name, err)
		}
		return out, nil
	}
}

// OptionalEvent maps a receipt through the named event when present and
// yields nil otherwise.
func OptionalEvent[T any](name string, decode func(Event) (T, error)) Mapper[*T] {
	return func(r *Receipt) (*T, error) {
		event, ok := r.Event(name)
		if !ok {
			return nil, nil
		}
		out, err := decode(event)
		if err != nil {
			return nil, fmt.Errorf("decode %s event: %w", name, err)
		}
		return &out, nil
	}
}
