package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
)

// deriveKey stretches a user-chosen password into an AES-256 key.
// Argon2id with t=1, m=64MiB, p=4; passwords here are short and
// user-chosen, so a memory-hard KDF is required.
func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, keySize)
}

// makeVerifier produces the stored password-check value: a hash of the
// derived key, never of the password itself.
func makeVerifier(key []byte) []byte {
	hash := sha256.Sum256(key)
	return hash[:]
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// seal encrypts plaintext with AES-GCM under key and returns
// nonce||ciphertext. A fresh random nonce is generated per call.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return append(nonce, aesgcm.Seal(nil, nonce, plaintext, nil)...), nil
}

// open reverses seal. Fails on truncated input, a wrong key, or any
// tampering with the ciphertext.
func open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aesgcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
}
