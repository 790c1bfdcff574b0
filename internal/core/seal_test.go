package core

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/org/lockr/internal/crypto"
	"github.com/org/lockr/internal/storage"
)

func TestSealLifecycle(t *testing.T) {
	ctx := context.Background()
	sm := NewSealManager(storage.NewMemoryBackend())

	if !sm.IsSealed() {
		t.Fatal("new manager should be sealed")
	}
	if _, err := sm.VaultKey(ctx); !errors.Is(err, ErrSealed) {
		t.Fatalf("expected ErrSealed, got %v", err)
	}
	if _, err := sm.Unseal(ctx, []byte{1, 2}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}

	shares, err := sm.Initialize(ctx, 5, 3)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(shares) != 5 {
		t.Fatalf("expected 5 shares, got %d", len(shares))
	}
	if sm.IsSealed() {
		t.Fatal("vault should be unsealed after init")
	}
	key, err := sm.VaultKey(ctx)
	if err != nil || len(key) != crypto.KeySize {
		t.Fatalf("VaultKey: %v (len %d)", err, len(key))
	}
	if _, err := sm.Initialize(ctx, 5, 3); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}

	sm.Seal()
	if _, err := sm.VaultKey(ctx); !errors.Is(err, ErrSealed) {
		t.Fatalf("expected ErrSealed after Seal, got %v", err)
	}

	for i, share := range []int{4, 0} {
		done, err := sm.Unseal(ctx, shares[share])
		if err != nil || done {
			t.Fatalf("share %d: done=%v err=%v", i, done, err)
		}
	}
	if _, err := sm.Unseal(ctx, shares[0]); !errors.Is(err, ErrDuplicateShare) {
		t.Errorf("expected ErrDuplicateShare, got %v", err)
	}
	st, _ := sm.Status(ctx)
	if st.Progress != 2 || st.Threshold != 3 || st.Shares != 5 || !st.Sealed {
		t.Errorf("unexpected status %+v", st)
	}
	done, err := sm.Unseal(ctx, shares[2])
	if err != nil || !done {
		t.Fatalf("third share: done=%v err=%v", done, err)
	}
	again, err := sm.VaultKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key, again) {
		t.Error("unsealed key differs from the key at init")
	}
}

func TestUnsealWrongSharesResetsProgress(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	sm := NewSealManager(store)
	shares, err := sm.Initialize(ctx, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	sm.Seal()

	// Shares from a different vault reconstruct a different key.
	other, _ := crypto.SplitKey(bytes.Repeat([]byte{7}, crypto.KeySize), 3, 2)
	if _, err := sm.Unseal(ctx, other[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.Unseal(ctx, other[1]); !errors.Is(err, ErrInvalidShares) {
		t.Fatalf("expected ErrInvalidShares, got %v", err)
	}
	if st, _ := sm.Status(ctx); st.Progress != 0 || !st.Sealed {
		t.Fatalf("progress not reset: %+v", st)
	}

	if _, err := sm.Unseal(ctx, shares[1]); err != nil {
		t.Fatal(err)
	}
	if done, err := sm.Unseal(ctx, shares[2]); err != nil || !done {
		t.Fatalf("valid shares: done=%v err=%v", done, err)
	}
}

func TestFileKeyProvider(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.key")
	root := bytes.Repeat([]byte{0x42}, crypto.KeySize)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(root)+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	p := NewFileKeyProvider(path)
	k1, err := p.VaultKey(ctx)
	if err != nil {
		t.Fatalf("VaultKey: %v", err)
	}
	want, _ := crypto.DeriveKey(root, VaultKeyContext)
	if !bytes.Equal(k1, want) {
		t.Error("file key not derived with the vault context")
	}
	static, _ := NewStaticKeyProvider(root)
	if k2, _ := static.VaultKey(ctx); !bytes.Equal(k1, k2) {
		t.Error("static and file providers disagree for the same root")
	}

	// Changing the file is picked up on the next call.
	other := bytes.Repeat([]byte{0x43}, crypto.KeySize)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(other)), 0o600); err != nil {
		t.Fatal(err)
	}
	k3, err := p.VaultKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1, k3) {
		t.Error("provider cached the old key")
	}

	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := p.VaultKey(ctx); !errors.Is(err, crypto.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := NewFileKeyProvider(filepath.Join(t.TempDir(), "missing")).VaultKey(ctx); err == nil {
		t.Error("expected error for missing key file")
	}
}
