package secret

import (
	"context"
	"errors"
	"fmt"

	"github.com/org/lockr/internal/crypto"
	"github.com/org/lockr/internal/password"
	"github.com/org/lockr/internal/storage"
	"github.com/org/lockr/pkg/models"
)

// Rotate generates a fresh password for an existing secret and makes it
// current. Earlier versions stay readable through RetrieveVersion. A lost
// audit entry is reported as in MintAndStore.
func (v *Vault) Rotate(ctx context.Context, actor, scope, principal string, length int, policy *password.Policy) (*models.SecretVersion, []byte, error) {
	key := models.SecretKey{Scope: scope, Principal: principal}
	ver, plain, err := v.mint(ctx, key, length, policy, true)
	err = v.finish(ctx, "rotate", actor, models.ActionRotate, key, ver, err)
	return ver, plain, err
}

// Rollback makes the contents of an older version current again by
// committing them as a new version. History is never rewritten.
func (v *Vault) Rollback(ctx context.Context, actor, scope, principal string, versionID int) (*models.SecretVersion, error) {
	key := models.SecretKey{Scope: scope, Principal: principal}
	ver, err := v.rollback(ctx, key, versionID)
	err = v.finish(ctx, "rollback", actor, models.ActionRotate, key, ver, err)
	return ver, err
}

func (v *Vault) rollback(ctx context.Context, key models.SecretKey, versionID int) (*models.SecretVersion, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	unlock := v.locks.Lock(key)
	defer unlock()

	current, err := v.currentID(ctx, key)
	if err != nil {
		return nil, err
	}
	if current == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if versionID == current {
		return nil, fmt.Errorf("%w: version %d is already current", ErrInvalidArgument, versionID)
	}
	old, err := v.store.ReadVersion(ctx, key, versionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s version %d", ErrNotFound, key, versionID)
		}
		return nil, fmt.Errorf("reading version: %w", err)
	}
	plain, err := v.decrypt(ctx, old)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(plain)
	return v.commit(ctx, key, current, plain)
}
