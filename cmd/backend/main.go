package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cabinet-drop/internal/blob"
	"cabinet-drop/internal/cabinet"
	"cabinet-drop/internal/db"
	"cabinet-drop/internal/gateway"
	"cabinet-drop/internal/keyring"
	"cabinet-drop/internal/server"
	"cabinet-drop/internal/vault"
)

func main() {
	addr := getenvDefault("CAB_ADDR", ":8080")

	build := server.BuildInfo{
		Version: getenvDefault("CAB_VERSION", "dev"),
		Commit:  getenvDefault("CAB_COMMIT", "unknown"),
	}

	cabinets := getenvInt("CAB_CABINETS", 100)
	holdWindow := getenvDuration("CAB_HOLD_WINDOW", 5*time.Minute)
	maxOccupancy := getenvDuration("CAB_MAX_OCCUPANCY", 24*time.Hour)
	sweepInterval := getenvDuration("CAB_SWEEP_INTERVAL", 5*time.Minute)

	attempts := gateway.AttemptConfig{
		MaxAttempts: getenvInt("CAB_MAX_ATTEMPTS", 5),
		Lockout:     getenvDuration("CAB_LOCKOUT", 10*time.Minute),
		Window:      getenvDuration("CAB_ATTEMPT_WINDOW", 10*time.Minute),
	}

	store, cleanup, err := buildBlobStore()
	if err != nil {
		log.Printf("service=backend msg=%q err=%v", "blob_store_init_failed", err)
		os.Exit(1)
	}
	defer cleanup()

	keys, err := keyring.New()
	if err != nil {
		log.Printf("service=backend msg=%q err=%v", "keyring_init_failed", err)
		os.Exit(1)
	}

	reg := cabinet.NewRegistry(cabinets, holdWindow, maxOccupancy)
	v := vault.New(store)
	gw := gateway.New(reg, v, keys, attempts)

	srv := server.New(server.Config{
		Addr:            addr,
		Build:           build,
		Registry:        reg,
		Gateway:         gw,
		Keys:            keys,
		RateLimit:       getenvInt("CAB_RATE_LIMIT", 0),
		RateLimitWindow: getenvDuration("CAB_RATE_LIMIT_WINDOW", time.Minute),
	})

	// Background jobs share one cancellation scope with the server.
	jobCtx, jobCancel := context.WithCancel(context.Background())
	defer jobCancel()

	go cabinet.StartSweeper(jobCtx, cabinet.SweeperConfig{
		Interval: sweepInterval,
		Registry: reg,
	})

	if rotate := getenvDuration("CAB_KEY_ROTATE_INTERVAL", 0); rotate > 0 {
		go startKeyRotation(jobCtx, keys, rotate)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("service=backend msg=%q addr=%s version=%s commit=%s cabinets=%d",
			"starting", addr, build.Version, build.Commit, cabinets)
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("service=backend msg=%q signal=%s", "shutting_down", sig.String())
		jobCancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("service=backend msg=%q err=%v", "shutdown_error", err)
			os.Exit(1)
		}
		// Let in-flight blob deletions finish before the store closes.
		v.Flush()
		log.Printf("service=backend msg=%q", "shutdown_complete")
	case err := <-errCh:
		if err != nil {
			log.Printf("service=backend msg=%q err=%v", "server_error", err)
			os.Exit(1)
		}
	}
}

// buildBlobStore picks the item content backend from the environment:
// MinIO when CAB_S3_ENDPOINT is set, Postgres when CAB_DATABASE_URL is
// set, in-memory otherwise. The in-memory store loses content on
// restart, which is acceptable for an ephemeral drop box but noisy
// enough to warrant a log line.
func buildBlobStore() (blob.Store, func(), error) {
	noop := func() {}

	if endpoint := os.Getenv("CAB_S3_ENDPOINT"); endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("CAB_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("CAB_S3_SECRET_KEY"),
			Bucket:    getenvDefault("CAB_S3_BUCKET", "cabinet-items"),
		})
		if err != nil {
			return nil, noop, err
		}
		log.Printf("service=backend msg=%q endpoint=%s", "using_minio_store", endpoint)
		return store, noop, nil
	}

	if dsn := os.Getenv("CAB_DATABASE_URL"); dsn != "" {
		conn, err := blob.OpenDB(dsn)
		if err != nil {
			return nil, noop, err
		}
		log.Printf("service=backend msg=%q", "running_migrations")
		if err := db.RunMigrations(conn); err != nil {
			_ = conn.Close()
			return nil, noop, err
		}
		log.Printf("service=backend msg=%q", "using_postgres_store")
		return blob.NewPostgresStore(conn), func() { _ = conn.Close() }, nil
	}

	log.Printf("service=backend msg=%q", "using_memory_store")
	return blob.NewMemoryStore(), noop, nil
}

// startKeyRotation rotates the server keypair on a fixed interval.
// Credentials encrypted under the previous key keep working for one
// more interval.
func startKeyRotation(ctx context.Context, keys *keyring.Keyring, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("service=keyring msg=%q interval=%s", "rotation_started", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := keys.Rotate(); err != nil {
				log.Printf("service=keyring msg=%q err=%v", "rotation_failed", err)
				continue
			}
			log.Printf("service=keyring msg=%q", "rotated")
		}
	}
}

// getenvDefault reads an environment variable and returns a default value if not set.
func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("service=backend msg=%q key=%s value=%q", "bad_int_env", key, v)
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("service=backend msg=%q key=%s value=%q", "bad_duration_env", key, v)
		return def
	}
	return d
}
