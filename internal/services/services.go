// Package services runs engine operations against the repository: load the
// current value, apply a pure transition, save it conditionally on the
// caller's version, then dispatch the emitted events.
package services

import (
	"context"
	"errors"

	"proposal-workflows/internal/events"
	"proposal-workflows/internal/repository"
	"proposal-workflows/internal/telemetry"
	"proposal-workflows/pkg/errs"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ErrNotFound is returned when a workflow or proposal does not exist for the
// tenant.
var ErrNotFound = repository.ErrNotFound

// deps are shared by both services.
type deps struct {
	repo       repository.Repository
	dispatcher events.Dispatcher
	metrics    *telemetry.Metrics
	logger     Logger
}

// reject records a failed operation and passes err through.
func (d deps) reject(ctx context.Context, op string, err error, kv ...any) error {
	d.metrics.Rejection(ctx, op, err)
	kv = append(kv, "operation", op, "error", err)
	switch {
	case errs.KindOf(err) != "":
		d.logger.Warn("operation rejected", append(kv, "kind", errs.KindOf(err))...)
	case errors.Is(err, repository.ErrNotFound):
		d.logger.Debug("record not found", kv...)
	default:
		d.logger.Error("operation failed", kv...)
	}
	return err
}

// committed records a successful operation.
func (d deps) committed(ctx context.Context, op string, kv ...any) {
	d.metrics.Transition(ctx, op)
	d.logger.Info(op, kv...)
}
