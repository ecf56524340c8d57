package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/devghori1264/aerophoenix/bookd/internal/models"
	"github.com/devghori1264/aerophoenix/bookd/internal/notify"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvariantViolation = errors.New("invariant violation")
)

// ResourceRegistry owns every registered resource in registration order.
// It does no locking of its own; the Broker serialises access.
type ResourceRegistry struct {
	order []*models.Resource
	byID  map[string]*models.Resource
}

func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{byID: make(map[string]*models.Resource)}
}

// Register adds a free resource. Identifiers are unique.
func (r *ResourceRegistry) Register(typ, identifier string, at time.Time) (*models.Resource, error) {
	if typ == "" || identifier == "" {
		return nil, fmt.Errorf("resource type and identifier required: %w", ErrInvalidArgument)
	}
	if _, ok := r.byID[identifier]; ok {
		return nil, fmt.Errorf("resource with identifier %q: %w", identifier, ErrConflict)
	}
	res := &models.Resource{Type: typ, Identifier: identifier, RegisteredAt: at.UTC()}
	r.order = append(r.order, res)
	r.byID[identifier] = res
	return res, nil
}

func (r *ResourceRegistry) Get(identifier string) (*models.Resource, error) {
	res, ok := r.byID[identifier]
	if !ok {
		return nil, fmt.Errorf("resource %q: %w", identifier, ErrNotFound)
	}
	return res, nil
}

// List returns the resources in registration order. The slice is shared
// with the registry and must not be modified.
func (r *ResourceRegistry) List() []*models.Resource {
	return r.order[:len(r.order):len(r.order)]
}

func (r *ResourceRegistry) Len() int { return len(r.order) }

// Record is a booking together with the channel its waiters block on.
type Record struct {
	Booking *models.Booking
	Channel *notify.Channel
}

// BookingRegistry owns every booking in creation order. Like
// ResourceRegistry it relies on the Broker for locking.
type BookingRegistry struct {
	nextID int64
	order  []*Record
	byID   map[int64]*Record
}

func NewBookingRegistry() *BookingRegistry {
	return &BookingRegistry{byID: make(map[int64]*Record)}
}

// Create opens a WAITING booking under the next id. Ids start at 0 and
// are never reused.
func (r *BookingRegistry) Create(req models.BookingRequest, at time.Time) (*Record, error) {
	if req.Resource.Type == "" {
		return nil, fmt.Errorf("requested resource type required: %w", ErrInvalidArgument)
	}
	if req.Resource.Identifier != nil && *req.Resource.Identifier == "" {
		req.Resource.Identifier = nil
	}
	at = at.UTC()
	b := &models.Booking{
		ID:        r.nextID,
		Name:      req.Name,
		Requested: req.Resource,
		GitHub:    req.GitHub,
		Status:    models.StatusWaiting,
		BookedAt:  at,
		UpdatedAt: at,
	}
	// Detach from the caller's pointers.
	*b = b.Clone()
	r.nextID++

	rec := &Record{Booking: b, Channel: notify.New()}
	r.order = append(r.order, rec)
	r.byID[b.ID] = rec
	return rec, nil
}

func (r *BookingRegistry) Get(id int64) (*Record, error) {
	rec, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("booking %d: %w", id, ErrNotFound)
	}
	return rec, nil
}

// List returns the bookings in creation order. The slice is shared with
// the registry and must not be modified.
func (r *BookingRegistry) List() []*Record {
	return r.order[:len(r.order):len(r.order)]
}

// NextID is the id the next Create will assign.
func (r *BookingRegistry) NextID() int64 { return r.nextID }

func (r *BookingRegistry) Len() int { return len(r.order) }
