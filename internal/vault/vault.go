// Package vault stores cabinet contents encrypted under a key derived
// from the caller's password. The password, the derived key and the
// plaintext are request-scoped; only salt, verifier and ciphertext
// survive the call.
package vault

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"cabinet-drop/internal/blob"
	"cabinet-drop/internal/cabinet"
)

var (
	// ErrNotFound means no content is stored under the code (or item id).
	ErrNotFound = errors.New("vault entry not found")

	// ErrWrongPassword means the derived key did not match the stored
	// verifier. Deliberately distinct from ErrNotFound inside the core;
	// the transport layer collapses the two.
	ErrWrongPassword = errors.New("wrong password")

	// ErrEncryptionFailure wraps unexpected failures of the underlying
	// primitives. Request-fatal, never process-fatal.
	ErrEncryptionFailure = errors.New("encryption failure")
)

// Item is one plaintext unit handed to Store.
type Item struct {
	Kind     cabinet.ItemKind
	Filename string
	Payload  []byte
}

// record is the per-cabinet non-secret state kept in memory. Ciphertext
// itself lives in the blob store under the record's key prefix, which
// is unique per occupancy so a late deletion from an earlier occupancy
// can never touch a successor's content.
type record struct {
	prefix   string
	salt     []byte
	verifier []byte
	items    []cabinet.ItemSummary
}

// Vault encrypts and stores cabinet items.
type Vault struct {
	mu      sync.RWMutex
	records map[int64]*record
	blobs   blob.Store
	pending sync.WaitGroup
}

func New(store blob.Store) *Vault {
	return &Vault{records: make(map[int64]*record), blobs: store}
}

func blobKey(prefix string, itemID int64) string {
	return fmt.Sprintf("%s/%d", prefix, itemID)
}

// Store derives a key from password, encrypts every item independently
// and persists the ciphertext. Item ids follow the code*10+order scheme,
// order being 1-based. On any failure already-written blobs are removed
// and nothing is registered for the code.
func (v *Vault) Store(ctx context.Context, code int64, password string, items []Item) ([]cabinet.ItemSummary, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	key := deriveKey(password, salt)

	rec := &record{
		prefix:   fmt.Sprintf("%d/%s", code, uuid.NewString()),
		salt:     salt,
		verifier: makeVerifier(key),
	}

	written := make([]string, 0, len(items))
	rollback := func() {
		for _, k := range written {
			if derr := v.blobs.Delete(ctx, k); derr != nil && !errors.Is(derr, blob.ErrNotFound) {
				log.Printf("service=vault msg=%q key=%s err=%v", "rollback_delete_failed", k, derr)
			}
		}
	}

	for i, item := range items {
		sealed, err := seal(key, item.Payload)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
		}

		id := code*10 + int64(i+1)
		k := blobKey(rec.prefix, id)
		if err := v.blobs.Put(ctx, k, sealed); err != nil {
			rollback()
			return nil, fmt.Errorf("store item %d: %w", id, err)
		}
		written = append(written, k)

		rec.items = append(rec.items, cabinet.ItemSummary{
			ID:       id,
			Kind:     item.Kind,
			Filename: item.Filename,
			Size:     int64(len(item.Payload)),
		})
	}

	v.mu.Lock()
	v.records[code] = rec
	v.mu.Unlock()

	return append([]cabinet.ItemSummary(nil), rec.items...), nil
}

// unlock re-derives the key and checks it against the verifier.
func (v *Vault) unlock(code int64, password string) (*record, []byte, error) {
	v.mu.RLock()
	rec, ok := v.records[code]
	v.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}

	key := deriveKey(password, rec.salt)
	if subtle.ConstantTimeCompare(makeVerifier(key), rec.verifier) != 1 {
		return nil, nil, ErrWrongPassword
	}
	return rec, key, nil
}

// FetchList validates the password and returns the item summaries.
func (v *Vault) FetchList(_ context.Context, code int64, password string) ([]cabinet.ItemSummary, error) {
	rec, _, err := v.unlock(code, password)
	if err != nil {
		return nil, err
	}
	return append([]cabinet.ItemSummary(nil), rec.items...), nil
}

// FetchContent decrypts and returns one item's payload plus its summary.
func (v *Vault) FetchContent(ctx context.Context, code, itemID int64, password string) ([]byte, cabinet.ItemSummary, error) {
	rec, key, err := v.unlock(code, password)
	if err != nil {
		return nil, cabinet.ItemSummary{}, err
	}

	var summary cabinet.ItemSummary
	found := false
	for _, it := range rec.items {
		if it.ID == itemID {
			summary = it
			found = true
			break
		}
	}
	if !found {
		return nil, cabinet.ItemSummary{}, ErrNotFound
	}

	sealed, err := v.blobs.Get(ctx, blobKey(rec.prefix, itemID))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, cabinet.ItemSummary{}, ErrNotFound
		}
		return nil, cabinet.ItemSummary{}, err
	}

	plaintext, err := open(key, sealed)
	if err != nil {
		return nil, cabinet.ItemSummary{}, ErrWrongPassword
	}
	return plaintext, summary, nil
}

// Clear detaches everything stored for a code and deletes the blobs in
// the background. Wired as the registry's release hook, which runs
// under the slot lock: only the map detach happens there, so the lock
// is never held across blob-store I/O. The per-occupancy key prefix
// keeps a slow deletion away from any successor's content. Deletion
// errors are logged and skipped; they must not fail a sweep.
func (v *Vault) Clear(code int64) {
	v.mu.Lock()
	rec, ok := v.records[code]
	delete(v.records, code)
	v.mu.Unlock()
	if !ok {
		return
	}

	v.pending.Add(1)
	go func() {
		defer v.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, it := range rec.items {
			k := blobKey(rec.prefix, it.ID)
			if err := v.blobs.Delete(ctx, k); err != nil && !errors.Is(err, blob.ErrNotFound) {
				log.Printf("service=vault msg=%q key=%s err=%v", "clear_delete_failed", k, err)
			}
		}
	}()
}

// Flush blocks until background blob deletions have finished. Used on
// shutdown and in tests; normal request handling never waits.
func (v *Vault) Flush() {
	v.pending.Wait()
}
