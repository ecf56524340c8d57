package models

import "time"

// Resource is a typed, uniquely identified thing that at most one ON
// booking can hold at a time. UsedBy carries the holder's booking id.
type Resource struct {
	Type         string    `json:"type"`
	Identifier   string    `json:"identifier"`
	UsedBy       *int64    `json:"used_by"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Free reports whether no booking holds the resource.
func (r *Resource) Free() bool {
	return r.UsedBy == nil
}

// Clone returns a copy that shares no pointers with r.
func (r *Resource) Clone() Resource {
	out := *r
	if r.UsedBy != nil {
		id := *r.UsedBy
		out.UsedBy = &id
	}
	return out
}

// RequestedResource is a match predicate. A nil Identifier accepts any
// resource of Type.
type RequestedResource struct {
	Type       string  `json:"type"`
	Identifier *string `json:"identifier"`
}

// Matches reports whether res satisfies the predicate. Availability is
// not considered.
func (q RequestedResource) Matches(res *Resource) bool {
	if res.Type != q.Type {
		return false
	}
	return q.Identifier == nil || *q.Identifier == res.Identifier
}

func (q RequestedResource) clone() RequestedResource {
	if q.Identifier != nil {
		id := *q.Identifier
		q.Identifier = &id
	}
	return q
}
