// Package cabinet implements the slot lifecycle for the drop-box service:
// a fixed pool of numbered cabinets that move between free, held and
// occupied states under per-slot locking, plus the background sweeper
// that reclaims expired slots.
package cabinet

import "time"

// Status is the lifecycle state of a cabinet slot.
type Status string

const (
	StatusFree     Status = "free"
	StatusHeld     Status = "held"
	StatusOccupied Status = "occupied"
)

// ItemKind distinguishes stored message text from uploaded files.
type ItemKind string

const (
	ItemText ItemKind = "text"
	ItemFile ItemKind = "file"
)

// ItemSummary is the non-secret metadata of one stored item.
type ItemSummary struct {
	ID       int64    `json:"id"`
	Kind     ItemKind `json:"kind"`
	Filename string   `json:"filename,omitempty"`
	Size     int64    `json:"size"`
}

// Meta is the display metadata fixed at occupancy.
type Meta struct {
	Name        string
	Description string
}

// View is the externally visible shape of a cabinet. HoldToken is only
// populated on responses to the caller who owns the hold.
type View struct {
	Code        int64      `json:"code"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	HoldToken   string     `json:"hold_token,omitempty"`
	ExpireAt    *time.Time `json:"expire_at,omitempty"`
}

// Usage is a point-in-time snapshot of pool occupancy.
type Usage struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
	Free  int64 `json:"free"`
}
