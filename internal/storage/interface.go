package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/lockr/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrConflict is returned by CommitVersion when the current pointer no longer
// matches the caller's expectation.
var ErrConflict = errors.New("pointer changed concurrently")

// Backend defines the persistence interface for the vault.
type Backend interface {
	// Vault initialization
	InitVault(ctx context.Context, data *models.InitData) error
	GetInitData(ctx context.Context) (*models.InitData, error)
	IsInitialized(ctx context.Context) (bool, error)

	// CommitVersion appends v as the next version of its secret and swaps the
	// current pointer to it in one atomic step. expectCurrent is the version
	// the caller observed as current (0 for none); if the pointer has moved the
	// call fails with ErrConflict and nothing is written. On success
	// v.VersionID holds the assigned version.
	CommitVersion(ctx context.Context, v *models.SecretVersion, expectCurrent int) error
	ReadPointer(ctx context.Context, key models.SecretKey) (*models.CurrentPointer, error)
	ReadVersion(ctx context.Context, key models.SecretKey, versionID int) (*models.SecretVersion, error)
	ListVersions(ctx context.Context, key models.SecretKey) ([]models.VersionInfo, error)
	// ListPointers returns up to limit secrets ordered by (scope, principal),
	// strictly after the given key (nil for the start).
	ListPointers(ctx context.Context, after *models.SecretKey, limit int) ([]models.SecretSummary, error)

	// Audit
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)
	LastAuditSeq(ctx context.Context) (int64, error)

	// Metrics helpers
	CountSecrets(ctx context.Context) (int64, error)

	// Lifecycle
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
// Results are in log order (ascending Seq).
type AuditFilter struct {
	Scope     string
	Principal string
	Action    string
	Since     *time.Time
	Limit     int
	Offset    int
}

// Match reports whether e passes the filter's field predicates.
func (f AuditFilter) Match(e *models.AuditEntry) bool {
	if f.Scope != "" && e.Scope != f.Scope {
		return false
	}
	if f.Principal != "" && e.Principal != f.Principal {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

// paginate applies offset and limit to an already filtered slice.
func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
