package crypto

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher names.
const (
	AlgAESGCM    = "aes-256-gcm-envelope"
	AlgXChaCha20 = "xchacha20-poly1305"
	AlgExec      = "exec"
)

// Cipher encrypts secret material under a caller-supplied key.
// Implementations must authenticate ciphertexts.
type Cipher interface {
	Name() string
	Encrypt(ctx context.Context, plaintext, key []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext, key []byte) ([]byte, error)
}

// New returns the built-in cipher for name. Exec ciphers are built with NewExec.
func New(name string) (Cipher, error) {
	switch name {
	case AlgAESGCM, "aes-gcm", "":
		return AESGCM{}, nil
	case AlgXChaCha20, "xchacha20":
		return XChaCha20{}, nil
	}
	return nil, fmt.Errorf("unknown cipher %q", name)
}

const envelopeVersion byte = 1

// AESGCM is envelope encryption: every record gets a fresh data key that
// encrypts the plaintext with AES-256-GCM, and the data key is wrapped by the
// vault key.
//
// Layout: version(1) | len(wrapped)(2) | wrapped DEK | nonce(12) | ciphertext.
type AESGCM struct{}

func (AESGCM) Name() string { return AlgAESGCM }

func (AESGCM) Encrypt(_ context.Context, plaintext, key []byte) ([]byte, error) {
	dek, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	defer Zero(dek)

	ciphertext, nonce, err := EncryptAESGCM(plaintext, dek)
	if err != nil {
		return nil, fmt.Errorf("encrypting secret: %w", err)
	}
	wrapped, err := WrapKey(dek, key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 3+len(wrapped)+len(nonce)+len(ciphertext))
	out = append(out, envelopeVersion)
	out = binary.BigEndian.AppendUint16(out, uint16(len(wrapped)))
	out = append(out, wrapped...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func (AESGCM) Decrypt(_ context.Context, data, key []byte) ([]byte, error) {
	if len(data) < 3 || data[0] != envelopeVersion {
		return nil, fmt.Errorf("bad envelope header: %w", ErrAuthentication)
	}
	wlen := int(binary.BigEndian.Uint16(data[1:3]))
	rest := data[3:]
	const nonceSize = 12
	if len(rest) < wlen+nonceSize {
		return nil, fmt.Errorf("envelope truncated: %w", ErrAuthentication)
	}
	dek, err := UnwrapKey(rest[:wlen], key)
	if err != nil {
		return nil, err
	}
	defer Zero(dek)
	rest = rest[wlen:]
	return DecryptAESGCM(rest[nonceSize:], rest[:nonceSize], dek)
}

// XChaCha20 seals with XChaCha20-Poly1305 directly under the vault key.
// Layout: nonce(24) | ciphertext.
type XChaCha20 struct{}

func (XChaCha20) Name() string { return AlgXChaCha20 }

func (XChaCha20) Encrypt(_ context.Context, plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating xchacha20: %w", ErrInvalidKey)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (XChaCha20) Decrypt(_ context.Context, data, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating xchacha20: %w", ErrInvalidKey)
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("ciphertext truncated: %w", ErrAuthentication)
	}
	plaintext, err := aead.Open(nil, data[:aead.NonceSize()], data[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
