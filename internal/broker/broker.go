// Package broker matches bookings to free resources. A single mutex guards
// both registries so the scan for a free resource and the assignment that
// claims it happen as one step; two bookings can never be handed the
// same resource.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/devghori1264/aerophoenix/bookd/internal/events"
	"github.com/devghori1264/aerophoenix/bookd/internal/fsm"
	"github.com/devghori1264/aerophoenix/bookd/internal/models"
	"github.com/devghori1264/aerophoenix/bookd/internal/tasks"
)

// Spawner runs follow-up work without the caller waiting on it.
type Spawner interface {
	Spawn(name string, fn tasks.Func) *tasks.Handle
}

// Broker is safe for concurrent use.
type Broker struct {
	mu        sync.Mutex
	resources *ResourceRegistry
	bookings  *BookingRegistry

	// emitMu is taken before mu is released so hooks see events in
	// commit order.
	emitMu sync.Mutex

	clock   clock.PassiveClock
	log     *zap.Logger
	spawner Spawner
	onEvent func(events.Event)
}

// Option configures a Broker.
type Option func(*Broker)

func WithClock(c clock.PassiveClock) Option {
	return func(b *Broker) { b.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithSpawner sets where re-matching after Finish runs. Defaults to a
// private tasks.Tracker. A spawner that has been closed refuses the work
// with tasks.ErrClosed; Finish then re-matches before returning.
func WithSpawner(s Spawner) Option {
	return func(b *Broker) { b.spawner = s }
}

// WithEventHook registers fn to receive every lifecycle event. fn is
// called after the broker lock is released, in the goroutine that caused
// the event, one call at a time and in the order the changes were made.
// fn must not call back into the Broker.
func WithEventHook(fn func(events.Event)) Option {
	return func(b *Broker) { b.onEvent = fn }
}

func New(opts ...Option) *Broker {
	b := &Broker{
		resources: NewResourceRegistry(),
		bookings:  NewBookingRegistry(),
		clock:     clock.RealClock{},
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.spawner == nil {
		b.spawner = tasks.New(tasks.WithLogger(b.log))
	}
	return b
}

// txn holds the broker lock and collects the events produced while it
// is held.
type txn struct {
	b      *Broker
	events []events.Event
}

func (b *Broker) begin() *txn {
	b.mu.Lock()
	return &txn{b: b}
}

func (t *txn) emit(kind events.Kind, rec *Record, res *models.Resource) {
	var (
		bk *models.Booking
		rs *models.Resource
	)
	if rec != nil {
		c := rec.Booking.Clone()
		bk = &c
	}
	if res != nil {
		c := res.Clone()
		rs = &c
	}
	t.events = append(t.events, events.New(kind, t.b.clock.Now(), bk, rs))
}

func (t *txn) commit() {
	if t.b.onEvent == nil || len(t.events) == 0 {
		t.b.mu.Unlock()
		return
	}
	t.b.emitMu.Lock()
	t.b.mu.Unlock()
	defer t.b.emitMu.Unlock()
	for _, ev := range t.events {
		t.b.onEvent(ev)
	}
}

// RegisterResource adds a resource and immediately offers it to the
// oldest WAITING booking that wants it.
func (b *Broker) RegisterResource(typ, identifier string) (models.Resource, error) {
	tx := b.begin()
	defer tx.commit()

	res, err := b.resources.Register(typ, identifier, b.clock.Now())
	if err != nil {
		return models.Resource{}, err
	}
	tx.emit(events.ResourceRegistered, nil, res)
	if _, err := b.matchFreedResource(tx, res); err != nil {
		return models.Resource{}, err
	}
	return res.Clone(), nil
}

// CreateBooking opens a booking and tries to assign it a free resource
// right away.
func (b *Broker) CreateBooking(req models.BookingRequest) (models.Booking, error) {
	tx := b.begin()
	defer tx.commit()

	rec, err := b.bookings.Create(req, b.clock.Now())
	if err != nil {
		return models.Booking{}, err
	}
	tx.emit(events.BookingCreated, rec, nil)
	if _, err := b.matchNewBooking(tx, rec); err != nil {
		return models.Booking{}, err
	}
	return rec.Booking.Clone(), nil
}

// MatchNewBooking looks for a free resource for booking id. It does
// nothing unless the booking is WAITING and reports whether an
// assignment was made.
func (b *Broker) MatchNewBooking(id int64) (bool, error) {
	tx := b.begin()
	defer tx.commit()

	rec, err := b.bookings.Get(id)
	if err != nil {
		return false, err
	}
	return b.matchNewBooking(tx, rec)
}

// MatchFreedResource offers a free resource to the oldest WAITING booking
// that wants it. It does nothing if the resource is held.
func (b *Broker) MatchFreedResource(identifier string) (bool, error) {
	tx := b.begin()
	defer tx.commit()

	res, err := b.resources.Get(identifier)
	if err != nil {
		return false, err
	}
	return b.matchFreedResource(tx, res)
}

func (b *Broker) matchNewBooking(tx *txn, rec *Record) (bool, error) {
	if rec.Booking.Status != models.StatusWaiting {
		return false, nil
	}
	for _, res := range b.resources.List() {
		if !res.Free() || !rec.Booking.Requested.Matches(res) {
			continue
		}
		return true, b.assign(tx, rec, res)
	}
	return false, nil
}

func (b *Broker) matchFreedResource(tx *txn, res *models.Resource) (bool, error) {
	if !res.Free() {
		return false, nil
	}
	for _, rec := range b.bookings.List() {
		if rec.Booking.Status != models.StatusWaiting || !rec.Booking.Requested.Matches(res) {
			continue
		}
		return true, b.assign(tx, rec, res)
	}
	return false, nil
}

// assign links rec and res, moves the booking to ON and wakes its waiters.
// Callers hold the lock and have checked that res is free.
func (b *Broker) assign(tx *txn, rec *Record, res *models.Resource) error {
	next, err := fsm.Next(fsm.ActionMatch, rec.Booking.Status)
	if err != nil {
		return err
	}
	identifier := res.Identifier
	id := rec.Booking.ID
	rec.Booking.AssignedResource = &identifier
	res.UsedBy = &id
	rec.Booking.Status = next
	rec.Booking.UpdatedAt = b.clock.Now().UTC()
	rec.Channel.Signal()

	b.log.Info("booking matched",
		zap.Int64("booking_id", id),
		zap.String("resource", identifier),
		zap.String("type", res.Type))
	tx.emit(events.BookingMatched, rec, res)
	return nil
}

// Cancel withdraws a WAITING booking. A booking that already holds a
// resource has to be finished instead.
func (b *Broker) Cancel(id int64) (models.Booking, error) {
	tx := b.begin()
	defer tx.commit()

	rec, err := b.bookings.Get(id)
	if err != nil {
		return models.Booking{}, err
	}
	if err := fsm.Apply(rec.Booking, fsm.ActionCancel); err != nil {
		return models.Booking{}, fmt.Errorf("booking %d: %w", id, err)
	}
	rec.Booking.UpdatedAt = b.clock.Now().UTC()
	rec.Channel.Signal()
	tx.emit(events.BookingCancelled, rec, nil)
	return rec.Booking.Clone(), nil
}

// Finish releases the resource held by an ON booking. Offering the freed
// resource to the next WAITING booking is handed to the spawner, so the
// caller does not wait for it.
func (b *Broker) Finish(id int64) (models.Booking, error) {
	tx := b.begin()
	defer tx.commit()

	rec, err := b.bookings.Get(id)
	if err != nil {
		return models.Booking{}, err
	}
	next, err := fsm.Next(fsm.ActionFinish, rec.Booking.Status)
	if err != nil {
		return models.Booking{}, fmt.Errorf("booking %d: %w", id, err)
	}
	res, err := b.heldResource(rec)
	if err != nil {
		b.log.Error("broken booking/resource link", zap.Int64("booking_id", id), zap.Error(err))
		return models.Booking{}, err
	}

	res.UsedBy = nil
	rec.Booking.AssignedResource = nil
	rec.Booking.Status = next
	rec.Booking.UpdatedAt = b.clock.Now().UTC()
	rec.Channel.Signal()
	tx.emit(events.BookingFinished, rec, res)

	identifier := res.Identifier
	h := b.spawner.Spawn("rematch "+identifier, func(context.Context) error {
		_, err := b.MatchFreedResource(identifier)
		return err
	})
	// The rematch cannot finish while we hold the lock, so a handle that
	// is already done was refused.
	select {
	case <-h.Done():
		if errors.Is(h.Err(), tasks.ErrClosed) {
			if _, err := b.matchFreedResource(tx, res); err != nil {
				b.log.Error("rematch failed", zap.String("resource", identifier), zap.Error(err))
			}
		}
	default:
	}
	return rec.Booking.Clone(), nil
}

func (b *Broker) heldResource(rec *Record) (*models.Resource, error) {
	if rec.Booking.AssignedResource == nil {
		return nil, fmt.Errorf("booking %d is %s without a resource: %w",
			rec.Booking.ID, rec.Booking.Status, ErrInvariantViolation)
	}
	res, err := b.resources.Get(*rec.Booking.AssignedResource)
	if err != nil {
		return nil, fmt.Errorf("booking %d holds unknown resource %q: %w",
			rec.Booking.ID, *rec.Booking.AssignedResource, ErrInvariantViolation)
	}
	if res.UsedBy == nil || *res.UsedBy != rec.Booking.ID {
		return nil, fmt.Errorf("resource %q does not point back to booking %d: %w",
			res.Identifier, rec.Booking.ID, ErrInvariantViolation)
	}
	return res, nil
}

// Await blocks until booking id is no longer WAITING, or ctx is done.
// Giving up on the wait does not undo anything the broker has done.
func (b *Broker) Await(ctx context.Context, id int64) (models.Booking, error) {
	for {
		b.mu.Lock()
		rec, err := b.bookings.Get(id)
		if err != nil {
			b.mu.Unlock()
			return models.Booking{}, err
		}
		if rec.Booking.Status != models.StatusWaiting {
			out := rec.Booking.Clone()
			b.mu.Unlock()
			return out, nil
		}
		// Signals are sent with b.mu held, so none can be missed between
		// the status check above and this watch.
		wake := rec.Channel.Watch()
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return models.Booking{}, ctx.Err()
		}
	}
}

func (b *Broker) GetBooking(id int64) (models.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.bookings.Get(id)
	if err != nil {
		return models.Booking{}, err
	}
	return rec.Booking.Clone(), nil
}

func (b *Broker) GetResource(identifier string) (models.Resource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.resources.Get(identifier)
	if err != nil {
		return models.Resource{}, err
	}
	return res.Clone(), nil
}

func (b *Broker) ListBookings() []models.Booking {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneBookings(b.bookings.List())
}

func (b *Broker) ListResources() []models.Resource {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneResources(b.resources.List())
}

func cloneBookings(recs []*Record) []models.Booking {
	out := make([]models.Booking, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Booking.Clone())
	}
	return out
}

func cloneResources(list []*models.Resource) []models.Resource {
	out := make([]models.Resource, 0, len(list))
	for _, res := range list {
		out = append(out, res.Clone())
	}
	return out
}
