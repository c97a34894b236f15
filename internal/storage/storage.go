package storage

import (
	"context"
	"errors"

	"govScope/internal/model"
)

// Storage is a journal sink for observed changes, operation outcomes and
// backfilled events.
type Storage interface {
	PutChanges(ctx context.Context, changes []model.ChangeRecord) error
	PutOperation(ctx context.Context, op model.OperationRecord) error
	PutEvents(ctx context.Context, events []model.EventRecord) error
}

// Multi writes to every sink and joins their errors.
type Multi []Storage

func (m Multi) PutChanges(ctx context.Context, changes []model.ChangeRecord) error {
	var errs []error
	for _, sink := range m {
		if err := sink.PutChanges(ctx, changes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PutOperation(ctx context.Context, op model.OperationRecord) error {
	var errs []error
	for _, sink := range m {
		if err := sink.PutOperation(ctx, op); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PutEvents(ctx context.Context, events []model.EventRecord) error {
	var errs []error
	for _, sink := range m {
		if err := sink.PutEvents(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
