package cabinet

import (
	"context"
	"log"
	"time"
)

// SweeperConfig holds configuration for the expiry sweeper.
type SweeperConfig struct {
	Interval time.Duration
	Registry *Registry
}

// StartSweeper runs the periodic sweep that reclaims expired cabinets.
// It blocks until ctx is cancelled, so callers run it in a goroutine.
// One sweep pass touches every slot independently; a single slot can
// never stall or fail the rest of the pass.
func StartSweeper(ctx context.Context, cfg SweeperConfig) {
	log.Printf("service=sweeper msg=%q interval=%s", "starting", cfg.Interval)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	runSweep(cfg.Registry)

	for {
		select {
		case <-ctx.Done():
			log.Printf("service=sweeper msg=%q", "shutting_down")
			return
		case <-ticker.C:
			runSweep(cfg.Registry)
		}
	}
}

func runSweep(reg *Registry) {
	start := time.Now()
	reaped := reg.ReapExpired()
	if reaped > 0 {
		log.Printf("service=sweeper msg=%q reaped=%d duration_ms=%d",
			"sweep_complete", reaped, time.Since(start).Milliseconds())
	}
}
