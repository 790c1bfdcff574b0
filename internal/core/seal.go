package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/org/lockr/internal/crypto"
	"github.com/org/lockr/internal/storage"
	"github.com/org/lockr/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// VaultKeyContext is the HKDF info string used to derive the vault key from
// the root key.
const VaultKeyContext = "lockr-vault-v1"

const (
	sealAlgorithm = "shamir-gf256"
	keyCheckPlain = "lockr key check"
)

var (
	// ErrSealed is returned when the vault key is requested while sealed.
	ErrSealed = errors.New("vault is sealed")
	// ErrNotInitialized is returned when unsealing a vault that has no init data.
	ErrNotInitialized = errors.New("vault is not initialized")
	// ErrAlreadyInitialized is returned by Initialize on an initialized vault.
	ErrAlreadyInitialized = errors.New("vault is already initialized")
	// ErrDuplicateShare is returned when the same share is submitted twice.
	ErrDuplicateShare = errors.New("duplicate share")
	// ErrInvalidShares is returned when collected shares do not reconstruct
	// the key recorded at init. Progress is reset.
	ErrInvalidShares = errors.New("shares do not reconstruct the vault key")
)

// InitStore is the subset of storage the seal manager persists to.
type InitStore interface {
	InitVault(ctx context.Context, data *models.InitData) error
	GetInitData(ctx context.Context) (*models.InitData, error)
}

// SealStatus is a point-in-time view of the seal state.
type SealStatus struct {
	Sealed    bool `json:"sealed"`
	Threshold int  `json:"threshold"`
	Shares    int  `json:"shares"`
	Progress  int  `json:"progress"`
}

// SealManager manages the vault's seal/unseal state.
// The vault key is held in memory only while the vault is unsealed. Only a
// key-check blob is persisted; never the key or its shares.
type SealManager struct {
	store InitStore
	log   zerolog.Logger

	mu        sync.RWMutex
	key       []byte
	sealed    bool
	collected [][]byte
}

// NewSealManager creates a new SealManager in sealed state.
func NewSealManager(store InitStore) *SealManager {
	return &SealManager{
		store:  store,
		log:    log.With().Str("component", "seal").Logger(),
		sealed: true,
	}
}

// Initialize generates a root key, splits it into shares of which threshold
// are needed to unseal, records a key check and leaves the vault unsealed.
// The shares are returned once and never stored.
func (s *SealManager) Initialize(ctx context.Context, shares, threshold int) ([][]byte, error) {
	if _, err := s.store.GetInitData(ctx); err == nil {
		return nil, ErrAlreadyInitialized
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("reading init data: %w", err)
	}

	root, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(root)

	parts, err := crypto.SplitKey(root, shares, threshold)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(root, VaultKeyContext)
	if err != nil {
		return nil, err
	}
	check, err := crypto.WrapKey([]byte(keyCheckPlain), key)
	if err != nil {
		crypto.Zero(key)
		return nil, fmt.Errorf("sealing key check: %w", err)
	}

	err = s.store.InitVault(ctx, &models.InitData{
		KeyCheck:      check,
		Algorithm:     sealAlgorithm,
		Shares:        shares,
		Threshold:     threshold,
		InitializedAt: time.Now().UTC(),
	})
	if err != nil {
		crypto.Zero(key)
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrAlreadyInitialized
		}
		return nil, fmt.Errorf("persisting init data: %w", err)
	}

	s.mu.Lock()
	s.setKeyLocked(key)
	s.mu.Unlock()
	s.log.Info().Int("shares", shares).Int("threshold", threshold).Msg("vault initialized")
	return parts, nil
}

// Unseal provides one share toward unsealing. It reports whether the vault
// is unsealed after the call.
func (s *SealManager) Unseal(ctx context.Context, share []byte) (bool, error) {
	data, err := s.store.GetInitData(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, ErrNotInitialized
		}
		return false, fmt.Errorf("reading init data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sealed {
		return true, nil
	}
	for _, existing := range s.collected {
		if bytes.Equal(existing, share) {
			return false, ErrDuplicateShare
		}
	}
	s.collected = append(s.collected, bytes.Clone(share))
	if len(s.collected) < data.Threshold {
		return false, nil
	}

	defer s.resetLocked()
	root, err := crypto.CombineShares(s.collected)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidShares, err)
	}
	defer crypto.Zero(root)
	key, err := crypto.DeriveKey(root, VaultKeyContext)
	if err != nil {
		return false, err
	}
	plain, err := crypto.UnwrapKey(data.KeyCheck, key)
	if err != nil || string(plain) != keyCheckPlain {
		crypto.Zero(key)
		s.log.Warn().Msg("unseal attempt with invalid shares")
		return false, ErrInvalidShares
	}
	s.setKeyLocked(key)
	s.log.Info().Msg("vault unsealed")
	return true, nil
}

// Seal wipes the vault key from memory.
func (s *SealManager) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.Zero(s.key)
	s.key = nil
	s.sealed = true
	s.resetLocked()
	s.log.Info().Msg("vault sealed")
}

// ResetProgress discards collected shares without changing the seal state.
func (s *SealManager) ResetProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// IsSealed returns whether the vault is currently sealed.
func (s *SealManager) IsSealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// Status reports seal state together with the persisted share parameters.
func (s *SealManager) Status(ctx context.Context) (SealStatus, error) {
	s.mu.RLock()
	st := SealStatus{Sealed: s.sealed, Progress: len(s.collected)}
	s.mu.RUnlock()

	data, err := s.store.GetInitData(ctx)
	switch {
	case err == nil:
		st.Threshold = data.Threshold
		st.Shares = data.Shares
	case !errors.Is(err, storage.ErrNotFound):
		return st, err
	}
	return st, nil
}

// VaultKey returns a copy of the vault key. Callers should zero it after use.
func (s *SealManager) VaultKey(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sealed {
		return nil, ErrSealed
	}
	return bytes.Clone(s.key), nil
}

func (s *SealManager) setKeyLocked(key []byte) {
	crypto.Zero(s.key)
	s.key = key
	s.sealed = false
	s.resetLocked()
}

func (s *SealManager) resetLocked() {
	for _, c := range s.collected {
		crypto.Zero(c)
	}
	s.collected = nil
}
