package models

import "time"

// JobInfo identifies a GitHub Actions job parked until its booking is
// assigned a resource.
type JobInfo struct {
	RunID     int64  `json:"run_id"`
	JobID     int64  `json:"job_id"`
	RepoOwner string `json:"repo_owner"`
	RepoName  string `json:"repo_name"`
}

// Booking is a request for a resource tracked from WAITING to one of
// ON, CANCELLED or FINISHED. AssignedResource holds the identifier of
// the resource while the booking is ON.
type Booking struct {
	ID               int64             `json:"id"`
	Name             string            `json:"name"`
	Requested        RequestedResource `json:"requested"`
	GitHub           *JobInfo          `json:"github,omitempty"`
	Status           Status            `json:"status"`
	AssignedResource *string           `json:"assigned_resource"`
	BookedAt         time.Time         `json:"booked_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with b.
func (b *Booking) Clone() Booking {
	out := *b
	out.Requested = b.Requested.clone()
	if b.GitHub != nil {
		job := *b.GitHub
		out.GitHub = &job
	}
	if b.AssignedResource != nil {
		id := *b.AssignedResource
		out.AssignedResource = &id
	}
	return out
}

// BookingRequest is what a client submits to open a booking.
type BookingRequest struct {
	Name     string            `json:"name"`
	Resource RequestedResource `json:"resource"`
	GitHub   *JobInfo          `json:"github,omitempty"`
}
