package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/org/lockr/pkg/models"
)

// MemoryBackend is a Backend held entirely in process memory. It is used for
// development mode and tests.
type MemoryBackend struct {
	mu       sync.RWMutex
	initData *models.InitData
	versions map[models.SecretKey][]*models.SecretVersion
	pointers map[models.SecretKey]*models.CurrentPointer
	audit    []*models.AuditEntry
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		versions: make(map[models.SecretKey][]*models.SecretVersion),
		pointers: make(map[models.SecretKey]*models.CurrentPointer),
	}
}

func (m *MemoryBackend) Close() {}

// --- Vault init ---

func (m *MemoryBackend) InitVault(_ context.Context, d *models.InitData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initData != nil {
		return ErrAlreadyExists
	}
	cp := *d
	m.initData = &cp
	return nil
}

func (m *MemoryBackend) GetInitData(_ context.Context) (*models.InitData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.initData == nil {
		return nil, ErrNotFound
	}
	cp := *m.initData
	return &cp, nil
}

func (m *MemoryBackend) IsInitialized(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initData != nil, nil
}

// --- Secrets ---

func (m *MemoryBackend) CommitVersion(_ context.Context, v *models.SecretVersion, expectCurrent int) error {
	key := v.Key()
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := 0
	if p, ok := m.pointers[key]; ok {
		cur = p.VersionID
	}
	if cur != expectCurrent {
		return ErrConflict
	}

	versions := m.versions[key]
	v.VersionID = len(versions) + 1
	stored := *v
	stored.Ciphertext = slices.Clone(v.Ciphertext)
	m.versions[key] = append(versions, &stored)
	m.pointers[key] = &models.CurrentPointer{
		Scope:     key.Scope,
		Principal: key.Principal,
		VersionID: v.VersionID,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *MemoryBackend) ReadPointer(_ context.Context, key models.SecretKey) (*models.CurrentPointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pointers[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryBackend) ReadVersion(_ context.Context, key models.SecretKey, versionID int) (*models.SecretVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.versions[key]
	if versionID < 1 || versionID > len(versions) {
		return nil, ErrNotFound
	}
	cp := *versions[versionID-1]
	cp.Ciphertext = slices.Clone(cp.Ciphertext)
	return &cp, nil
}

func (m *MemoryBackend) ListVersions(_ context.Context, key models.SecretKey) ([]models.VersionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.versions[key]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	cur := 0
	if p, ok := m.pointers[key]; ok {
		cur = p.VersionID
	}
	out := make([]models.VersionInfo, len(versions))
	for i, v := range versions {
		out[i] = models.VersionInfo{
			VersionID: v.VersionID,
			CreatedAt: v.CreatedAt,
			Algorithm: v.CipherParams.Algorithm,
			Current:   v.VersionID == cur,
		}
	}
	return out, nil
}

func (m *MemoryBackend) ListPointers(_ context.Context, after *models.SecretKey, limit int) ([]models.SecretSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]models.SecretKey, 0, len(m.pointers))
	for k := range m.pointers {
		if after == nil || after.Less(k) {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, compareKeys)
	keys = paginate(keys, 0, limit)

	out := make([]models.SecretSummary, 0, len(keys))
	for _, k := range keys {
		p := m.pointers[k]
		out = append(out, models.SecretSummary{
			Scope:       k.Scope,
			Principal:   k.Principal,
			VersionID:   p.VersionID,
			LastUpdated: m.versions[k][p.VersionID-1].CreatedAt,
		})
	}
	return out, nil
}

// --- Audit ---

func (m *MemoryBackend) WriteAuditEntry(_ context.Context, e *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryBackend) QueryAuditLog(_ context.Context, f AuditFilter) ([]*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditEntry
	for _, e := range m.audit {
		if f.Match(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return paginate(out, f.Offset, f.Limit), nil
}

func (m *MemoryBackend) LastAuditSeq(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.audit) == 0 {
		return 0, nil
	}
	return m.audit[len(m.audit)-1].Seq, nil
}

// --- Metrics ---

func (m *MemoryBackend) CountSecrets(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.pointers)), nil
}

func compareKeys(a, b models.SecretKey) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}
