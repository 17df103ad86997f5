// Package gateway orchestrates the two-phase access protocol: the caller
// sends the password encrypted to the server public key, the gateway
// unwraps it and hands the plaintext to the vault for the actual item
// operation. The plaintext password is never stored or logged.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"cabinet-drop/internal/cabinet"
	"cabinet-drop/internal/keyring"
	"cabinet-drop/internal/vault"
)

// ErrTooManyAttempts means the cabinet is locked out after repeated
// failed password attempts. Returned even when the password supplied
// would have been correct.
var ErrTooManyAttempts = errors.New("too many failed attempts")

// Credential is the encrypted password plus the public key it was
// encrypted under, as submitted by the client.
type Credential struct {
	Password  string `json:"password"`   // hex RSA-OAEP ciphertext
	PublicKey string `json:"public_key"` // PEM, must be a key the server holds
}

// AttemptConfig bounds failed-password guessing per cabinet.
type AttemptConfig struct {
	MaxAttempts int
	Lockout     time.Duration
	Window      time.Duration
}

// Gateway wires registry, vault and keyring together.
type Gateway struct {
	registry *cabinet.Registry
	vault    *vault.Vault
	keys     *keyring.Keyring
	limiter  *attemptLimiter

	// occupyMu serializes Occupy per code so the vault write and the
	// registry transition commit or roll back as one unit even under a
	// double-submitted hold token.
	occupyGuard sync.Mutex
	occupyMu    map[int64]*sync.Mutex
}

// New builds the gateway and installs the vault as the registry's
// release hook, so any forced release (sweep, reclaim, explicit)
// discards the ciphertext with the slot.
func New(reg *cabinet.Registry, v *vault.Vault, keys *keyring.Keyring, attempts AttemptConfig) *Gateway {
	reg.SetReleaseHook(v.Clear)
	return &Gateway{
		registry: reg,
		vault:    v,
		keys:     keys,
		limiter:  newAttemptLimiter(attempts.MaxAttempts, attempts.Lockout, attempts.Window),
		occupyMu: make(map[int64]*sync.Mutex),
	}
}

func (g *Gateway) lockCode(code int64) *sync.Mutex {
	g.occupyGuard.Lock()
	mu, ok := g.occupyMu[code]
	if !ok {
		mu = &sync.Mutex{}
		g.occupyMu[code] = mu
	}
	g.occupyGuard.Unlock()
	return mu
}

// Occupy commits items to a held cabinet. All-or-nothing: when the
// registry rejects the transition, everything written to the vault for
// this attempt is removed and the slot stays in its prior state.
func (g *Gateway) Occupy(ctx context.Context, code int64, holdToken string, cred Credential, meta cabinet.Meta, ttl time.Duration, items []vault.Item) (cabinet.View, error) {
	if len(items) == 0 {
		return cabinet.View{}, cabinet.ErrNoContent
	}

	password, err := g.keys.Unwrap(cred.PublicKey, cred.Password)
	if err != nil {
		return cabinet.View{}, err
	}

	mu := g.lockCode(code)
	mu.Lock()
	defer mu.Unlock()

	// Refuse before touching the vault when the slot is already
	// occupied: Store would overwrite the committed ciphertext, and the
	// rollback below would then destroy it. Occupancy only changes to
	// occupied under this same lock, so the check holds through commit.
	current, err := g.registry.Get(code)
	if err != nil {
		return cabinet.View{}, err
	}
	if current.Status == cabinet.StatusOccupied {
		return cabinet.View{}, cabinet.ErrAlreadyOccupied
	}

	summaries, err := g.vault.Store(ctx, code, password, items)
	if err != nil {
		return cabinet.View{}, err
	}

	view, err := g.registry.Occupy(code, holdToken, meta, summaries, ttl)
	if err != nil {
		g.vault.Clear(code)
		return cabinet.View{}, err
	}
	return view, nil
}

// unwrap enforces the attempt lockout before touching key material. A
// credential that fails to decrypt counts as a failed attempt: it is
// indistinguishable from a wrong guess to the server.
func (g *Gateway) unwrap(code int64, cred Credential) (string, error) {
	if g.limiter.locked(code) {
		return "", ErrTooManyAttempts
	}
	password, err := g.keys.Unwrap(cred.PublicKey, cred.Password)
	if err != nil {
		g.noteFailure(code)
		return "", err
	}
	return password, nil
}

// note translates a vault result into limiter state. A vault miss
// costs the same as a wrong password: if only cabinets holding content
// could lock out, the 429 after the threshold would reveal exactly
// which codes hold content.
func (g *Gateway) note(code int64, err error) {
	switch {
	case err == nil:
		g.limiter.reset(code)
	case errors.Is(err, vault.ErrWrongPassword), errors.Is(err, vault.ErrNotFound):
		g.noteFailure(code)
	}
}

// noteFailure records one failed attempt. Codes outside the pool are
// not tracked, which keeps the limiter map bounded by the pool size.
func (g *Gateway) noteFailure(code int64) {
	if g.registry.Contains(code) {
		g.limiter.recordFailure(code)
	}
}

// ListItems returns the item summaries of an occupied cabinet.
func (g *Gateway) ListItems(ctx context.Context, code int64, cred Credential) ([]cabinet.ItemSummary, error) {
	password, err := g.unwrap(code, cred)
	if err != nil {
		return nil, err
	}
	items, err := g.vault.FetchList(ctx, code, password)
	g.note(code, err)
	return items, err
}

// FetchContent decrypts one item's payload.
func (g *Gateway) FetchContent(ctx context.Context, code, itemID int64, cred Credential) ([]byte, cabinet.ItemSummary, error) {
	password, err := g.unwrap(code, cred)
	if err != nil {
		return nil, cabinet.ItemSummary{}, err
	}
	payload, summary, err := g.vault.FetchContent(ctx, code, itemID, password)
	g.note(code, err)
	return payload, summary, err
}

// Delete releases a cabinet after validating the credential. The
// release hook clears the vault.
func (g *Gateway) Delete(ctx context.Context, code int64, cred Credential) error {
	password, err := g.unwrap(code, cred)
	if err != nil {
		return err
	}
	if _, err := g.vault.FetchList(ctx, code, password); err != nil {
		g.note(code, err)
		return err
	}
	g.note(code, nil)
	return g.registry.Release(code)
}
