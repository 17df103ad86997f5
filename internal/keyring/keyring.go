// Package keyring holds the server-side asymmetric key material used to
// unwrap the password credential. The depositor and retriever never share
// a key with each other; both encrypt the password to the server's public
// key, and only this package ever sees the private half.
package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
)

// ErrDecryptionFailure covers every way an unwrap can fail: unknown
// public key, malformed ciphertext, or tampering. Callers get no more
// detail than that.
var ErrDecryptionFailure = errors.New("credential decryption failed")

const keyBits = 2048

type keypair struct {
	private   *rsa.PrivateKey
	publicPEM string
}

// Keyring is the process-wide keypair handle. After a rotation the
// previous keypair stays usable for unwrapping until the next rotation,
// so credentials encrypted moments before the rotation still open.
type Keyring struct {
	mu       sync.RWMutex
	current  keypair
	previous *keypair
}

// New generates the initial keypair. Key material lives only in memory;
// persisting it is deliberately not supported here.
func New() (*Keyring, error) {
	kp, err := generate()
	if err != nil {
		return nil, err
	}
	return &Keyring{current: kp}, nil
}

func generate() (keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return keypair{}, fmt.Errorf("encode public key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return keypair{private: priv, publicPEM: string(pemBytes)}, nil
}

// PublicKeyPEM returns the current public key encoding. Stable across
// calls until Rotate.
func (k *Keyring) PublicKeyPEM() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current.publicPEM
}

// Rotate installs a fresh keypair. The outgoing keypair is retained for
// unwrapping; the one before that is dropped.
func (k *Keyring) Rotate() error {
	kp, err := generate()
	if err != nil {
		return err
	}
	k.mu.Lock()
	old := k.current
	k.previous = &old
	k.current = kp
	k.mu.Unlock()
	return nil
}

// Unwrap decrypts a hex-encoded RSA-OAEP ciphertext produced under the
// declared public key and returns the plaintext password. The declared
// key must be the current or the retained previous key; anything else,
// and any primitive failure, reports ErrDecryptionFailure.
func (k *Keyring) Unwrap(publicKeyPEM, hexCiphertext string) (string, error) {
	k.mu.RLock()
	var priv *rsa.PrivateKey
	switch {
	case publicKeyPEM == k.current.publicPEM:
		priv = k.current.private
	case k.previous != nil && publicKeyPEM == k.previous.publicPEM:
		priv = k.previous.private
	}
	k.mu.RUnlock()

	if priv == nil {
		return "", ErrDecryptionFailure
	}

	ciphertext, err := hex.DecodeString(hexCiphertext)
	if err != nil {
		return "", ErrDecryptionFailure
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailure
	}
	return string(plaintext), nil
}
