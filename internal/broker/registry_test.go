package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/aerophoenix/bookd/internal/models"
)

func TestResourceRegistry(t *testing.T) {
	r := NewResourceRegistry()
	now := time.Now()

	a, err := r.Register("gpu", "gpu-1", now)
	require.NoError(t, err)
	assert.True(t, a.Free())

	_, err = r.Register("cpu", "gpu-1", now)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = r.Register("", "x", now)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = r.Register("gpu", "", now)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = r.Register("gpu", "gpu-0", now)
	require.NoError(t, err)

	got, err := r.Get("gpu-1")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	ids := []string{}
	for _, res := range r.List() {
		ids = append(ids, res.Identifier)
	}
	assert.Equal(t, []string{"gpu-1", "gpu-0"}, ids, "insertion order")
	assert.Equal(t, 2, r.Len())
}

func TestBookingRegistry(t *testing.T) {
	r := NewBookingRegistry()
	now := time.Now()

	for want := int64(0); want < 3; want++ {
		rec, err := r.Create(models.BookingRequest{Name: "ci", Resource: models.RequestedResource{Type: "gpu"}}, now)
		require.NoError(t, err)
		assert.Equal(t, want, rec.Booking.ID)
		assert.Equal(t, models.StatusWaiting, rec.Booking.Status)
		assert.Nil(t, rec.Booking.AssignedResource)
		assert.NotNil(t, rec.Channel)
	}
	assert.Equal(t, int64(3), r.NextID())

	_, err := r.Create(models.BookingRequest{}, now)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, int64(3), r.NextID(), "rejected requests do not consume ids")

	rec, err := r.Get(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Booking.ID)

	_, err = r.Get(42)
	assert.ErrorIs(t, err, ErrNotFound)

	list := r.List()
	require.Len(t, list, 3)
	for i, rec := range list {
		assert.Equal(t, int64(i), rec.Booking.ID)
	}
}

func TestBookingRegistryNormalisesEmptyIdentifier(t *testing.T) {
	r := NewBookingRegistry()
	empty := ""
	rec, err := r.Create(models.BookingRequest{Resource: models.RequestedResource{Type: "gpu", Identifier: &empty}}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, rec.Booking.Requested.Identifier)
}

func TestBookingRegistryDetachesRequest(t *testing.T) {
	r := NewBookingRegistry()
	id := "gpu-1"
	job := &models.JobInfo{JobID: 1}
	rec, err := r.Create(models.BookingRequest{Resource: models.RequestedResource{Type: "gpu", Identifier: &id}, GitHub: job}, time.Now())
	require.NoError(t, err)

	id = "changed"
	job.JobID = 2
	assert.Equal(t, "gpu-1", *rec.Booking.Requested.Identifier)
	assert.Equal(t, int64(1), rec.Booking.GitHub.JobID)
}
