// Package events delivers state machine events to notification consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"proposal-workflows/pkg/models"
)

// Dispatcher delivers events emitted by a committed transition.
type Dispatcher interface {
	Dispatch(ctx context.Context, events []models.Event) error
}

// Publisher is the subset of *nats.Conn used for delivery.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSDispatcher publishes each event as JSON on <prefix>.<tenant>.<event name>.
type NATSDispatcher struct {
	pub    Publisher
	prefix string
}

// NewNATSDispatcher creates a dispatcher publishing under prefix.
func NewNATSDispatcher(pub Publisher, prefix string) *NATSDispatcher {
	return &NATSDispatcher{pub: pub, prefix: prefix}
}

// Connect dials url and returns a dispatcher over the connection. The caller
// owns the returned connection.
func Connect(url, prefix string) (*NATSDispatcher, *nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("proposal-workflows"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewNATSDispatcher(nc, prefix), nc, nil
}

// Subject returns the subject an event is published on.
func (d *NATSDispatcher) Subject(e models.Event) string {
	return fmt.Sprintf("%s.%s.%s", d.prefix, e.TenantID, e.Name)
}

// Dispatch publishes every event. A failed publish does not stop the others;
// the joined error is returned.
func (d *NATSDispatcher) Dispatch(ctx context.Context, events []models.Event) error {
	var errs []error
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled before publish: %w", err)
		}
		data, err := json.Marshal(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal event %s: %w", e.ID, err))
			continue
		}
		if err := d.pub.Publish(d.Subject(e), data); err != nil {
			errs = append(errs, fmt.Errorf("publish event %s: %w", e.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Logger is the logging surface LogDispatcher needs.
type Logger interface {
	Info(msg string, args ...interface{})
}

// LogDispatcher writes events to a logger. Used when no broker is configured.
type LogDispatcher struct {
	logger Logger
}

func NewLogDispatcher(logger Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, events []models.Event) error {
	for _, e := range events {
		d.logger.Info("evaluation event",
			"event", e.Name,
			"tenant_id", e.TenantID,
			"proposal_id", e.ProposalID,
			"step_id", e.StepID,
			"step_index", e.StepIndex,
			"outcome", e.Outcome,
			"notify", e.Notify,
		)
	}
	return nil
}

// Multi fans events out to several dispatchers.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, events []models.Event) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
