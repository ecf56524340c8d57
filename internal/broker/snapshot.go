package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/devghori1264/aerophoenix/bookd/internal/models"
)

// Snapshot is a read-only copy of both registries.
type Snapshot struct {
	TakenAt       time.Time         `json:"taken_at"`
	NextBookingID int64             `json:"next_booking_id"`
	Bookings      []models.Booking  `json:"bookings"`
	Resources     []models.Resource `json:"resources"`
}

// CountByStatus tallies the bookings in s.
func (s Snapshot) CountByStatus() map[models.Status]int {
	out := make(map[models.Status]int, 4)
	for _, st := range models.Statuses() {
		out[st] = 0
	}
	for _, b := range s.Bookings {
		out[b.Status]++
	}
	return out
}

// Snapshot copies the registries under the broker lock.
func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		TakenAt:       b.clock.Now().UTC(),
		NextBookingID: b.bookings.NextID(),
		Bookings:      cloneBookings(b.bookings.List()),
		Resources:     cloneResources(b.resources.List()),
	}
}

// CheckInvariants verifies that bookings and resources agree with each
// other. Any failure wraps ErrInvariantViolation.
func (b *Broker) CheckInvariants() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format+": %w", append(args, ErrInvariantViolation)...))
	}

	for _, rec := range b.bookings.List() {
		bk := rec.Booking
		if !bk.Status.Valid() {
			fail("booking %d has unknown status %q", bk.ID, bk.Status)
			continue
		}
		on := bk.Status == models.StatusOn
		if (bk.AssignedResource != nil) != on {
			fail("booking %d is %s with assigned resource %v", bk.ID, bk.Status, bk.AssignedResource != nil)
			continue
		}
		if !on {
			continue
		}
		res, ok := b.resources.byID[*bk.AssignedResource]
		if !ok {
			fail("booking %d holds unknown resource %q", bk.ID, *bk.AssignedResource)
			continue
		}
		if res.UsedBy == nil || *res.UsedBy != bk.ID {
			fail("resource %q does not point back to booking %d", res.Identifier, bk.ID)
		}
	}

	for _, res := range b.resources.List() {
		if res.UsedBy == nil {
			continue
		}
		rec, ok := b.bookings.byID[*res.UsedBy]
		if !ok {
			fail("resource %q used by unknown booking %d", res.Identifier, *res.UsedBy)
			continue
		}
		if rec.Booking.Status != models.StatusOn {
			fail("resource %q used by booking %d in status %s", res.Identifier, rec.Booking.ID, rec.Booking.Status)
			continue
		}
		if rec.Booking.AssignedResource == nil || *rec.Booking.AssignedResource != res.Identifier {
			fail("booking %d does not point back to resource %q", rec.Booking.ID, res.Identifier)
		}
	}
	return errors.Join(errs...)
}
