package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of vault keys and data keys in bytes.
const KeySize = 32

var (
	// ErrAuthentication is returned when a ciphertext fails authentication
	// (wrong key, truncation, tampering).
	ErrAuthentication = errors.New("ciphertext authentication failed")

	// ErrInvalidKey is returned for keys of the wrong size or format.
	ErrInvalidKey = errors.New("invalid key")
)

// GenerateKey returns a 32-byte key from crypto/rand.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// DeriveKey derives a 32-byte subkey from a root key using HKDF-SHA256.
func DeriveKey(rootKey []byte, context string) ([]byte, error) {
	if len(rootKey) == 0 {
		return nil, fmt.Errorf("deriving key: %w", ErrInvalidKey)
	}
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, rootKey, nil, []byte(context))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return out, nil
}

// ParseKey decodes key material. Accepted forms: "base64:<b64>", 64 hex
// characters, standard base64 of 32 bytes, or 32 raw bytes.
func ParseKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty key: %w", ErrInvalidKey)
	}
	if rest, ok := strings.CutPrefix(value, "base64:"); ok {
		b, err := base64.StdEncoding.DecodeString(rest)
		if err != nil || len(b) != KeySize {
			return nil, fmt.Errorf("base64 key must decode to %d bytes: %w", KeySize, ErrInvalidKey)
		}
		return b, nil
	}
	if len(value) == 2*KeySize {
		if b, err := hex.DecodeString(value); err == nil {
			return b, nil
		}
	}
	if b, err := base64.StdEncoding.DecodeString(value); err == nil && len(b) == KeySize {
		return b, nil
	}
	if len(value) == KeySize {
		return []byte(value), nil
	}
	return nil, fmt.Errorf("key must be %d bytes: %w", KeySize, ErrInvalidKey)
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM. Returns ciphertext and nonce separately.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext.
func DecryptAESGCM(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce size %d: %w", len(nonce), ErrAuthentication)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// WrapKey seals a data key under a key-encryption key. The nonce is prepended.
func WrapKey(dek, kek []byte) ([]byte, error) {
	ciphertext, nonce, err := EncryptAESGCM(dek, kek)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	return append(nonce, ciphertext...), nil
}

// UnwrapKey opens a data key sealed by WrapKey.
func UnwrapKey(wrapped, kek []byte) ([]byte, error) {
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(wrapped) < ns+gcm.Overhead() {
		return nil, fmt.Errorf("wrapped key too short: %w", ErrAuthentication)
	}
	dek, err := gcm.Open(nil, wrapped[:ns], wrapped[ns:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return dek, nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key is %d bytes: %w", len(key), ErrInvalidKey)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
