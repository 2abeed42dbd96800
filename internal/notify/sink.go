package notify

import (
	"context"

	"github.com/trustwire/trustwire/internal/alerts"
)

// Sink decorates an alert store so every inserted alert is also dispatched
// to webhook subscribers. Reads and updates pass straight through.
type Sink struct {
	alerts.Store
	dispatcher *Dispatcher
}

func NewSink(inner alerts.Store, dispatcher *Dispatcher) *Sink {
	return &Sink{Store: inner, dispatcher: dispatcher}
}

// Insert stores the alert, then fans it out. Delivery problems are the
// dispatcher's to log; the insert already succeeded.
func (s *Sink) Insert(ctx context.Context, a *alerts.Alert) error {
	if err := s.Store.Insert(ctx, a); err != nil {
		return err
	}
	return s.dispatcher.Dispatch(ctx, a)
}

var _ alerts.Store = (*Sink)(nil)
