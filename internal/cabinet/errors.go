package cabinet

import "errors"

var (
	// ErrNotFound means the code does not name a slot in the pool.
	ErrNotFound = errors.New("cabinet not found")

	// ErrCapacityExhausted means no free slot was available for Apply.
	ErrCapacityExhausted = errors.New("no free cabinet")

	// ErrInvalidToken means the hold token did not match, or the slot
	// has no active hold.
	ErrInvalidToken = errors.New("invalid hold token")

	// ErrAlreadyOccupied means the slot has already been filled.
	ErrAlreadyOccupied = errors.New("cabinet already occupied")

	// ErrExpired means the hold lapsed before the content was committed.
	ErrExpired = errors.New("cabinet hold expired")

	// ErrNoContent means an occupy attempt carried neither a message nor
	// any files. An occupied cabinet always holds at least one item.
	ErrNoContent = errors.New("cabinet content empty")
)
