package cabinet

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(total int) (*Registry, *time.Time) {
	reg := NewRegistry(total, 5*time.Minute, 24*time.Hour)
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	current := &now
	reg.SetClock(func() time.Time { return *current })
	return reg, current
}

func testItems() []ItemSummary {
	return []ItemSummary{{ID: 11, Kind: ItemText, Size: 2}}
}

func TestApply_AllocatesHeldSlot(t *testing.T) {
	reg, now := newTestRegistry(3)

	v, err := reg.Apply()
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if v.Code != 1 {
		t.Errorf("expected code 1, got %d", v.Code)
	}
	if v.Status != StatusHeld {
		t.Errorf("expected status held, got %s", v.Status)
	}
	if v.HoldToken == "" {
		t.Error("expected a hold token")
	}
	if v.ExpireAt == nil || !v.ExpireAt.Equal(now.Add(5*time.Minute)) {
		t.Errorf("expected expiry at now+5m, got %v", v.ExpireAt)
	}
}

func TestApply_CapacityExhausted(t *testing.T) {
	reg, _ := newTestRegistry(2)

	for i := 0; i < 2; i++ {
		if _, err := reg.Apply(); err != nil {
			t.Fatalf("Apply %d failed: %v", i+1, err)
		}
	}

	_, err := reg.Apply()
	if !errors.Is(err, ErrCapacityExhausted) {
		t.Errorf("expected ErrCapacityExhausted, got %v", err)
	}
}

func TestApply_ConcurrentCallersGetDistinctCodes(t *testing.T) {
	const total = 50
	reg, _ := newTestRegistry(total)

	var mu sync.Mutex
	codes := make(map[int64]int)
	exhausted := 0

	var wg sync.WaitGroup
	for i := 0; i < total+10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := reg.Apply()
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrCapacityExhausted) {
				exhausted++
				return
			}
			if err != nil {
				t.Errorf("Apply failed: %v", err)
				return
			}
			codes[v.Code]++
		}()
	}
	wg.Wait()

	if len(codes) != total {
		t.Errorf("expected %d distinct codes, got %d", total, len(codes))
	}
	for code, n := range codes {
		if n != 1 {
			t.Errorf("code %d handed out %d times", code, n)
		}
	}
	if exhausted != 10 {
		t.Errorf("expected 10 exhausted callers, got %d", exhausted)
	}
}

func TestOccupy_SucceedsExactlyOnce(t *testing.T) {
	reg, now := newTestRegistry(1)

	held, err := reg.Apply()
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	v, err := reg.Occupy(held.Code, held.HoldToken, Meta{Name: "n"}, testItems(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Occupy failed: %v", err)
	}
	if v.Status != StatusOccupied {
		t.Errorf("expected occupied, got %s", v.Status)
	}
	if v.ExpireAt == nil || !v.ExpireAt.Equal(now.Add(24*time.Hour)) {
		t.Errorf("expected expiry at now+24h, got %v", v.ExpireAt)
	}

	// A second commit with the same token must fail.
	_, err = reg.Occupy(held.Code, held.HoldToken, Meta{}, testItems(), time.Hour)
	if !errors.Is(err, ErrAlreadyOccupied) {
		t.Errorf("expected ErrAlreadyOccupied, got %v", err)
	}
}

func TestOccupy_Validation(t *testing.T) {
	reg, current := newTestRegistry(2)

	held, err := reg.Apply()
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if _, err := reg.Occupy(held.Code, "wrong-token", Meta{}, testItems(), time.Hour); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong token: expected ErrInvalidToken, got %v", err)
	}
	if _, err := reg.Occupy(2, "whatever", Meta{}, testItems(), time.Hour); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("free slot: expected ErrInvalidToken, got %v", err)
	}
	if _, err := reg.Occupy(99, held.HoldToken, Meta{}, testItems(), time.Hour); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown code: expected ErrNotFound, got %v", err)
	}
	if _, err := reg.Occupy(held.Code, held.HoldToken, Meta{}, nil, time.Hour); !errors.Is(err, ErrNoContent) {
		t.Errorf("no items: expected ErrNoContent, got %v", err)
	}

	// Lapse the hold.
	*current = current.Add(6 * time.Minute)
	if _, err := reg.Occupy(held.Code, held.HoldToken, Meta{}, testItems(), time.Hour); !errors.Is(err, ErrExpired) {
		t.Errorf("lapsed hold: expected ErrExpired, got %v", err)
	}
}

func TestOccupy_TTLClamped(t *testing.T) {
	reg, now := newTestRegistry(1)

	held, _ := reg.Apply()
	v, err := reg.Occupy(held.Code, held.HoldToken, Meta{}, testItems(), 100*time.Hour)
	if err != nil {
		t.Fatalf("Occupy failed: %v", err)
	}
	if !v.ExpireAt.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("expected ttl clamped to 24h, got expiry %v", v.ExpireAt)
	}
}

func TestContains(t *testing.T) {
	reg, _ := newTestRegistry(3)

	for _, code := range []int64{1, 2, 3} {
		if !reg.Contains(code) {
			t.Errorf("Contains(%d) = false, want true", code)
		}
	}
	for _, code := range []int64{0, -1, 4, 999} {
		if reg.Contains(code) {
			t.Errorf("Contains(%d) = true, want false", code)
		}
	}
}

func TestGet_NeverRevealsToken(t *testing.T) {
	reg, _ := newTestRegistry(1)

	held, _ := reg.Apply()
	v, err := reg.Get(held.Code)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v.HoldToken != "" {
		t.Error("Get must not expose the hold token")
	}
	if v.Status != StatusHeld {
		t.Errorf("expected held, got %s", v.Status)
	}

	if _, err := reg.Get(42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_LapsedSlotReadsFree(t *testing.T) {
	reg, current := newTestRegistry(1)

	held, _ := reg.Apply()
	if _, err := reg.Occupy(held.Code, held.HoldToken, Meta{Name: "secret"}, testItems(), time.Hour); err != nil {
		t.Fatalf("Occupy failed: %v", err)
	}

	*current = current.Add(2 * time.Hour)

	v, err := reg.Get(held.Code)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v.Status != StatusFree {
		t.Errorf("lapsed slot should read free, got %s", v.Status)
	}
	if v.Name != "" || v.ExpireAt != nil {
		t.Error("lapsed slot view must carry no metadata")
	}
}

func TestUsage_Snapshot(t *testing.T) {
	reg, current := newTestRegistry(3)

	held, _ := reg.Apply()
	if _, err := reg.Apply(); err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	if _, err := reg.Occupy(held.Code, held.HoldToken, Meta{}, testItems(), time.Hour); err != nil {
		t.Fatalf("Occupy failed: %v", err)
	}

	u := reg.Usage()
	if u.Total != 3 || u.Used != 2 || u.Free != 1 {
		t.Errorf("unexpected usage: %+v", u)
	}

	// Both the hold and the occupancy lapse.
	*current = current.Add(2 * time.Hour)
	u = reg.Usage()
	if u.Used != 0 || u.Free != 3 {
		t.Errorf("expected all free after lapse, got %+v", u)
	}
}

func TestRelease_IdempotentAndHooked(t *testing.T) {
	reg, _ := newTestRegistry(1)

	released := 0
	reg.SetReleaseHook(func(code int64) { released++ })

	held, _ := reg.Apply()
	if _, err := reg.Occupy(held.Code, held.HoldToken, Meta{}, testItems(), time.Hour); err != nil {
		t.Fatalf("Occupy failed: %v", err)
	}

	if err := reg.Release(held.Code); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := reg.Release(held.Code); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if released != 1 {
		t.Errorf("hook should fire once, fired %d times", released)
	}

	if err := reg.Release(42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApply_ReclaimsLapsedSlotInline(t *testing.T) {
	reg, current := newTestRegistry(1)

	released := 0
	reg.SetReleaseHook(func(code int64) { released++ })

	held, _ := reg.Apply()
	if _, err := reg.Occupy(held.Code, held.HoldToken, Meta{}, testItems(), time.Hour); err != nil {
		t.Fatalf("Occupy failed: %v", err)
	}

	*current = current.Add(2 * time.Hour)

	v, err := reg.Apply()
	if err != nil {
		t.Fatalf("Apply after lapse failed: %v", err)
	}
	if v.Code != held.Code || v.Status != StatusHeld {
		t.Errorf("expected slot %d re-held, got %+v", held.Code, v)
	}
	if released != 1 {
		t.Errorf("inline reclaim should fire the release hook, fired %d", released)
	}
}

func TestReapExpired(t *testing.T) {
	reg, current := newTestRegistry(3)

	held, _ := reg.Apply()
	if _, err := reg.Occupy(held.Code, held.HoldToken, Meta{}, testItems(), time.Hour); err != nil {
		t.Fatalf("Occupy failed: %v", err)
	}
	if _, err := reg.Apply(); err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}

	if n := reg.ReapExpired(); n != 0 {
		t.Errorf("nothing expired yet, reaped %d", n)
	}

	*current = current.Add(2 * time.Hour)
	if n := reg.ReapExpired(); n != 2 {
		t.Errorf("expected 2 reaped, got %d", n)
	}

	v, _ := reg.Get(held.Code)
	if v.Status != StatusFree {
		t.Errorf("expected free after reap, got %s", v.Status)
	}
}
