package models

// Messages sent to a client waiting on a booking.
const (
	WaitNoSuchBooking    = "No such booking id"
	WaitAlreadyFinished  = "Booking was already finished"
	WaitAlreadyCancelled = "Booking was already cancelled"
	WaitCancelled        = "Booking was cancelled"
	WaitResourceIsYours  = "Resource is yours"
)

// WaitResult is the single message written on a wait connection.
type WaitResult struct {
	Message string   `json:"message"`
	Booking *Booking `json:"booking,omitempty"`
}

// Acquired reports whether the waiter got its resource.
func (w WaitResult) Acquired() bool {
	return w.Booking != nil && w.Booking.Status == StatusOn
}
