package cabinet

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// slot is one cabinet. All mutation happens under mu, which is the
// single-writer lock the rest of the package relies on.
type slot struct {
	mu sync.Mutex

	code        int64
	status      Status
	holdToken   string
	expireAt    time.Time
	name        string
	description string
	items       []ItemSummary
}

// lapsed reports whether a non-free slot's expiry has passed. Callers
// must hold s.mu.
func (s *slot) lapsed(now time.Time) bool {
	return s.status != StatusFree && now.After(s.expireAt)
}

func (s *slot) reset() {
	s.status = StatusFree
	s.holdToken = ""
	s.expireAt = time.Time{}
	s.name = ""
	s.description = ""
	s.items = nil
}

func (s *slot) view(now time.Time, includeToken bool) View {
	if s.status == StatusFree || s.lapsed(now) {
		return View{Code: s.code, Status: StatusFree}
	}
	v := View{
		Code:        s.code,
		Name:        s.name,
		Description: s.description,
		Status:      s.status,
	}
	exp := s.expireAt
	v.ExpireAt = &exp
	if includeToken {
		v.HoldToken = s.holdToken
	}
	return v
}

// Registry owns the fixed pool of cabinet slots, codes 1..total. The
// slot table is immutable after construction; only slot contents change.
type Registry struct {
	slots        []*slot
	holdWindow   time.Duration
	maxOccupancy time.Duration

	now       func() time.Time
	onRelease func(code int64)
}

// NewRegistry builds a pool of total slots. holdWindow bounds the
// held phase; maxOccupancy caps the expiry a caller may request when
// occupying.
func NewRegistry(total int, holdWindow, maxOccupancy time.Duration) *Registry {
	slots := make([]*slot, total)
	for i := range slots {
		slots[i] = &slot{code: int64(i + 1), status: StatusFree}
	}
	return &Registry{
		slots:        slots,
		holdWindow:   holdWindow,
		maxOccupancy: maxOccupancy,
		now:          time.Now,
	}
}

// SetReleaseHook registers a callback invoked whenever a slot is forced
// back to free (sweep, inline reclaim during Apply, or explicit Release).
// It runs under the slot lock, so the old contents are detached before
// any other writer can touch the slot; the hook must therefore be cheap
// and push any I/O into background work. Must be set before the
// registry is shared.
func (r *Registry) SetReleaseHook(fn func(code int64)) {
	r.onRelease = fn
}

// SetClock overrides the time source. Test use only.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Registry) slotFor(code int64) *slot {
	if code < 1 || code > int64(len(r.slots)) {
		return nil
	}
	return r.slots[code-1]
}

// Contains reports whether code names a slot in the pool. Lock-free:
// the slot table never changes after construction.
func (r *Registry) Contains(code int64) bool {
	return r.slotFor(code) != nil
}

// releaseLocked clears a slot and fires the release hook. Callers must
// hold s.mu.
func (r *Registry) releaseLocked(s *slot) {
	wasFree := s.status == StatusFree
	s.reset()
	if !wasFree && r.onRelease != nil {
		r.onRelease(s.code)
	}
}

// Apply allocates the first free slot, transitions it to held with a
// fresh hold token, and returns the owner view. A slot whose previous
// occupancy lapsed but has not been swept yet is reclaimed in place.
func (r *Registry) Apply() (View, error) {
	now := r.now()
	for _, s := range r.slots {
		s.mu.Lock()
		if s.lapsed(now) {
			r.releaseLocked(s)
		}
		if s.status != StatusFree {
			s.mu.Unlock()
			continue
		}
		s.status = StatusHeld
		s.holdToken = uuid.NewString()
		s.expireAt = now.Add(r.holdWindow)
		v := s.view(now, true)
		s.mu.Unlock()
		return v, nil
	}
	return View{}, ErrCapacityExhausted
}

// Get returns the public view of a slot. The hold token is never
// included; a lapsed slot reads as free even before the sweep runs.
func (r *Registry) Get(code int64) (View, error) {
	s := r.slotFor(code)
	if s == nil {
		return View{}, ErrNotFound
	}
	s.mu.Lock()
	v := s.view(r.now(), false)
	s.mu.Unlock()
	return v, nil
}

// Usage counts held and occupied slots as used. Lapsed slots count as
// free.
func (r *Registry) Usage() Usage {
	now := r.now()
	u := Usage{Total: int64(len(r.slots))}
	for _, s := range r.slots {
		s.mu.Lock()
		if s.status != StatusFree && !s.lapsed(now) {
			u.Used++
		}
		s.mu.Unlock()
	}
	u.Free = u.Total - u.Used
	return u
}

// Occupy commits content to a held slot. The transition is all-or-
// nothing: on any error the slot is left exactly as it was. ttl is
// clamped to the configured maximum occupancy.
func (r *Registry) Occupy(code int64, token string, meta Meta, items []ItemSummary, ttl time.Duration) (View, error) {
	if len(items) == 0 {
		return View{}, ErrNoContent
	}
	s := r.slotFor(code)
	if s == nil {
		return View{}, ErrNotFound
	}
	if ttl > r.maxOccupancy {
		ttl = r.maxOccupancy
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()
	switch {
	case s.status == StatusOccupied:
		return View{}, ErrAlreadyOccupied
	case s.status == StatusFree:
		return View{}, ErrInvalidToken
	case s.holdToken != token:
		return View{}, ErrInvalidToken
	case now.After(s.expireAt):
		return View{}, ErrExpired
	}

	s.status = StatusOccupied
	s.expireAt = now.Add(ttl)
	s.name = meta.Name
	s.description = meta.Description
	s.items = append([]ItemSummary(nil), items...)
	return s.view(now, true), nil
}

// Release forces a slot back to free, clearing token, items and
// metadata. Idempotent; unknown codes return ErrNotFound.
func (r *Registry) Release(code int64) error {
	s := r.slotFor(code)
	if s == nil {
		return ErrNotFound
	}
	s.mu.Lock()
	r.releaseLocked(s)
	s.mu.Unlock()
	return nil
}

// ReapExpired releases every slot whose expiry has passed and returns
// how many were reclaimed. Expiry is re-checked under each slot lock,
// so a concurrent Occupy that refreshed the expiry is never undone.
func (r *Registry) ReapExpired() int {
	reaped := 0
	for _, s := range r.slots {
		s.mu.Lock()
		if s.lapsed(r.now()) {
			r.releaseLocked(s)
			reaped++
		}
		s.mu.Unlock()
	}
	return reaped
}
