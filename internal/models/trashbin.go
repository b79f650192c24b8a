package models

import (
	"errors"
	"time"
)

// UnknownField is published in place of a missing name or location
const UnknownField = "Unknown"

// Trashbin is the typed view of one row in the trashbins table.
// It is read once per iteration and treated as an immutable value; the With*
// helpers return modified copies.
type Trashbin struct {
	ID            string     `json:"id"`
	OrgID         string     `json:"orgId"`
	Name          string     `json:"name"`
	Location      string     `json:"location"`
	Latitude      *float64   `json:"latitude,omitempty"`
	Longitude     *float64   `json:"longitude,omitempty"`
	IsOperational bool       `json:"isOperational"`
	IsArchive     bool       `json:"isArchive"`
	IsCollected   bool       `json:"isCollected"`
	IsScheduled   bool       `json:"isScheduled"`
	ScheduledAt   *time.Time `json:"scheduledAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Validate checks the invariants every row must hold before it enters a loop iteration
func (t Trashbin) Validate() error {
	if t.ID == "" {
		return errors.New("trashbin row has empty id")
	}
	if t.IsScheduled && t.ScheduledAt == nil {
		return errors.New("trashbin is scheduled but scheduled_at is not set")
	}
	return nil
}

// WithScheduled returns a copy flagged as scheduled at the given time
func (t Trashbin) WithScheduled(at time.Time) Trashbin {
	t.IsScheduled = true
	t.ScheduledAt = &at
	return t
}

// WithCollected returns a copy with the collected flag set to v
func (t Trashbin) WithCollected(v bool) Trashbin {
	t.IsCollected = v
	return t
}

// DisplayName is the name used in notifications
func (t Trashbin) DisplayName() string {
	if t.Name == "" {
		return "A bin"
	}
	return t.Name
}

// TrashbinSnapshot is the trashbin section of a published status message
type TrashbinSnapshot struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Location      string  `json:"location"`
	IsOperational bool    `json:"isOperational"`
	IsCollected   bool    `json:"isCollected"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
}

// ToSnapshot converts a Trashbin to its published form.
// Missing name/location become "Unknown" and missing coordinates become 0.
func (t Trashbin) ToSnapshot() TrashbinSnapshot {
	snap := TrashbinSnapshot{
		ID:            t.ID,
		Name:          t.Name,
		Location:      t.Location,
		IsOperational: t.IsOperational,
		IsCollected:   t.IsCollected,
	}

	if snap.Name == "" {
		snap.Name = UnknownField
	}
	if snap.Location == "" {
		snap.Location = UnknownField
	}
	if t.Latitude != nil {
		snap.Latitude = *t.Latitude
	}
	if t.Longitude != nil {
		snap.Longitude = *t.Longitude
	}

	return snap
}
