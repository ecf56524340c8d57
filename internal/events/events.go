// Package events describes what the broker announces to the outside world
// and the Notifier interface that carries those announcements.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/devghori1264/aerophoenix/bookd/internal/models"
)

// Kind names a lifecycle event.
type Kind string

const (
	ResourceRegistered Kind = "resource.registered"
	BookingCreated     Kind = "booking.created"
	BookingMatched     Kind = "booking.matched"
	BookingCancelled   Kind = "booking.cancelled"
	BookingFinished    Kind = "booking.finished"
)

// Event is a snapshot of the entities involved in one lifecycle step.
type Event struct {
	ID       string           `json:"id"`
	Kind     Kind             `json:"kind"`
	Time     time.Time        `json:"time"`
	Booking  *models.Booking  `json:"booking,omitempty"`
	Resource *models.Resource `json:"resource,omitempty"`
}

// New stamps an event with a fresh id.
func New(kind Kind, at time.Time, b *models.Booking, r *models.Resource) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		Time:     at.UTC(),
		Booking:  b,
		Resource: r,
	}
}

// Encode is the wire form shared by every publisher.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Notifier delivers an event somewhere outside the process.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Decode parses the output of Encode.
func Decode(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, err
	}
	if e.Kind == "" {
		return Event{}, errors.New("event without kind")
	}
	return e, nil
}
