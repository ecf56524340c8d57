package models

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusOn        Status = "ON"
	StatusCancelled Status = "CANCELLED"
	StatusFinished  Status = "FINISHED"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusFinished
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusOn, StatusCancelled, StatusFinished:
		return true
	}
	return false
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusWaiting, StatusOn, StatusCancelled, StatusFinished}
}
