package core

import (
	"context"
	"fmt"
	"os"

	"github.com/org/lockr/internal/crypto"
)

// FileKeyProvider reads the root key from a file on every call and derives
// the vault key from it, so key rotation on disk takes effect immediately
// and nothing is cached in the process.
type FileKeyProvider struct {
	Path    string
	Context string
}

// NewFileKeyProvider returns a provider for the key stored at path.
func NewFileKeyProvider(path string) *FileKeyProvider {
	return &FileKeyProvider{Path: path, Context: VaultKeyContext}
}

// VaultKey reads, parses and derives the vault key.
func (p *FileKeyProvider) VaultKey(_ context.Context) ([]byte, error) {
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	defer crypto.Zero(raw)
	root, err := crypto.ParseKey(string(raw))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", p.Path, err)
	}
	defer crypto.Zero(root)
	return crypto.DeriveKey(root, p.Context)
}

// StaticKeyProvider serves a fixed key. Used in dev mode and tests.
type StaticKeyProvider struct {
	key []byte
}

// NewStaticKeyProvider derives a vault key from root.
func NewStaticKeyProvider(root []byte) (*StaticKeyProvider, error) {
	key, err := crypto.DeriveKey(root, VaultKeyContext)
	if err != nil {
		return nil, err
	}
	return &StaticKeyProvider{key: key}, nil
}

func (p *StaticKeyProvider) VaultKey(_ context.Context) ([]byte, error) {
	out := make([]byte, len(p.key))
	copy(out, p.key)
	return out, nil
}
