package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/org/lockr/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	currentSuffix = "_current"
	versionExt    = ".json"
	auditFile     = "audit.jsonl"
	initFile      = "init.json"
)

// FileBackend stores secrets as files in a single directory:
//
//	<scope>_<principal>_<version, 10 digits>.json   immutable version blob
//	<scope>_<principal>_current                     pointer, replaced by rename
//
// Scope and principal are percent-encoded so that "_" only ever appears as a
// separator. The pointer is written to a temp file, fsynced and renamed over
// the old one, so a crash leaves either the old or the new pointer. Version
// files past the pointer are uncommitted: they are never read and are moved
// aside by the next commit.
type FileBackend struct {
	dir   string
	locks *KeyLocks

	auditMu sync.Mutex
	initMu  sync.Mutex
}

// NewFileBackend opens (creating if needed) a directory-backed store.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating vault dir: %w", err)
	}
	return &FileBackend{dir: dir, locks: NewKeyLocks()}, nil
}

func (f *FileBackend) Close() {}

// --- Vault init ---

func (f *FileBackend) InitVault(_ context.Context, d *models.InitData) error {
	f.initMu.Lock()
	defer f.initMu.Unlock()
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	path := filepath.Join(f.dir, initFile)
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("creating init file: %w", err)
	}
	return writeAndSync(fh, data)
}

func (f *FileBackend) GetInitData(_ context.Context) (*models.InitData, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, initFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var d models.InitData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding init data: %w", err)
	}
	return &d, nil
}

func (f *FileBackend) IsInitialized(ctx context.Context) (bool, error) {
	_, err := f.GetInitData(ctx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// --- Secrets ---

func (f *FileBackend) CommitVersion(ctx context.Context, v *models.SecretVersion, expectCurrent int) error {
	key := v.Key()
	unlock := f.locks.Lock(key)
	defer unlock()

	cur := 0
	p, err := f.ReadPointer(ctx, key)
	switch {
	case err == nil:
		cur = p.VersionID
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if cur != expectCurrent {
		return ErrConflict
	}

	// A crash between the two writes below leaves an uncommitted version
	// file in the next slot. It is moved aside so it never becomes history.
	v.VersionID = cur + 1
	versionPath := f.versionPath(key, v.VersionID)
	fh, err := os.OpenFile(versionPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		if qerr := f.quarantine(versionPath); qerr != nil {
			return qerr
		}
		fh, err = os.OpenFile(versionPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	}
	if err != nil {
		return fmt.Errorf("creating version file: %w", err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		fh.Close()
		os.Remove(versionPath)
		return err
	}
	if err := writeAndSync(fh, data); err != nil {
		os.Remove(versionPath)
		return fmt.Errorf("writing version file: %w", err)
	}

	ptr := models.CurrentPointer{
		Scope:     key.Scope,
		Principal: key.Principal,
		VersionID: v.VersionID,
		UpdatedAt: time.Now().UTC(),
	}
	if err := f.swapPointer(key, &ptr); err != nil {
		os.Remove(versionPath)
		return err
	}
	return nil
}

func (f *FileBackend) swapPointer(key models.SecretKey, p *models.CurrentPointer) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, ".ptr-*")
	if err != nil {
		return fmt.Errorf("creating pointer temp file: %w", err)
	}
	if err := writeAndSync(tmp, data); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing pointer: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.pointerPath(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("swapping pointer: %w", err)
	}
	// The new pointer is live from here on; the version it names must stay.
	if err := syncDir(f.dir); err != nil {
		log.Warn().Err(err).Str("scope", key.Scope).Str("principal", key.Principal).
			Int("version", p.VersionID).Msg("pointer swapped but directory sync failed")
	}
	return nil
}

// quarantine renames an uncommitted version file out of the version
// namespace, keeping it for inspection.
func (f *FileBackend) quarantine(path string) error {
	aside := fmt.Sprintf("%s.orphan-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		return fmt.Errorf("quarantining orphan version: %w", err)
	}
	log.Warn().Str("file", filepath.Base(aside)).Msg("moved aside uncommitted version file")
	return nil
}

func (f *FileBackend) ReadPointer(_ context.Context, key models.SecretKey) (*models.CurrentPointer, error) {
	data, err := os.ReadFile(f.pointerPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var p models.CurrentPointer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding pointer for %s: %w", key, err)
	}
	return &p, nil
}

// ReadVersion returns a committed version. Files past the current pointer
// were never committed and read as not found.
func (f *FileBackend) ReadVersion(ctx context.Context, key models.SecretKey, versionID int) (*models.SecretVersion, error) {
	p, err := f.ReadPointer(ctx, key)
	if err != nil {
		return nil, err
	}
	if versionID < 1 || versionID > p.VersionID {
		return nil, ErrNotFound
	}
	return f.readVersionFile(key, versionID)
}

func (f *FileBackend) readVersionFile(key models.SecretKey, versionID int) (*models.SecretVersion, error) {
	data, err := os.ReadFile(f.versionPath(key, versionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var v models.SecretVersion
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding version %d of %s: %w", versionID, key, err)
	}
	return &v, nil
}

func (f *FileBackend) ListVersions(ctx context.Context, key models.SecretKey) ([]models.VersionInfo, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	p, err := f.ReadPointer(ctx, key)
	if err != nil {
		return nil, err
	}
	cur := p.VersionID
	prefix := escapeName(key.Scope) + "_" + escapeName(key.Principal) + "_"
	var ids []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, versionExt) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), versionExt))
		if err != nil || id > cur {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	slices.Sort(ids)

	out := make([]models.VersionInfo, 0, len(ids))
	for _, id := range ids {
		v, err := f.readVersionFile(key, id)
		if err != nil {
			return nil, err
		}
		out = append(out, models.VersionInfo{
			VersionID: id,
			CreatedAt: v.CreatedAt,
			Algorithm: v.CipherParams.Algorithm,
			Current:   id == cur,
		})
	}
	return out, nil
}

func (f *FileBackend) ListPointers(ctx context.Context, after *models.SecretKey, limit int) ([]models.SecretSummary, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var keys []models.SecretKey
	for _, e := range entries {
		key, ok := parsePointerName(e.Name())
		if !ok {
			continue
		}
		if after == nil || after.Less(key) {
			keys = append(keys, key)
		}
	}
	slices.SortFunc(keys, compareKeys)
	keys = paginate(keys, 0, limit)

	out := make([]models.SecretSummary, 0, len(keys))
	for _, k := range keys {
		p, err := f.ReadPointer(ctx, k)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		v, err := f.readVersionFile(k, p.VersionID)
		if err != nil {
			return nil, fmt.Errorf("pointer for %s references version %d: %w", k, p.VersionID, err)
		}
		out = append(out, models.SecretSummary{
			Scope:       k.Scope,
			Principal:   k.Principal,
			VersionID:   p.VersionID,
			LastUpdated: v.CreatedAt,
		})
	}
	return out, nil
}

// --- Audit ---

func (f *FileBackend) WriteAuditEntry(_ context.Context, e *models.AuditEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f.auditMu.Lock()
	defer f.auditMu.Unlock()
	fh, err := os.OpenFile(filepath.Join(f.dir, auditFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	return writeAndSync(fh, line)
}

func (f *FileBackend) readAudit(fn func(*models.AuditEntry)) error {
	f.auditMu.Lock()
	defer f.auditMu.Unlock()
	fh, err := os.Open(filepath.Join(f.dir, auditFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer fh.Close()
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		var e models.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("decoding audit log: %w", err)
		}
		fn(&e)
	}
	return sc.Err()
}

func (f *FileBackend) QueryAuditLog(_ context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	var out []*models.AuditEntry
	err := f.readAudit(func(e *models.AuditEntry) {
		if filter.Match(e) {
			out = append(out, e)
		}
	})
	if err != nil {
		return nil, err
	}
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (f *FileBackend) LastAuditSeq(_ context.Context) (int64, error) {
	var last int64
	err := f.readAudit(func(e *models.AuditEntry) { last = e.Seq })
	return last, err
}

// --- Metrics ---

func (f *FileBackend) CountSecrets(_ context.Context) (int64, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, e := range entries {
		if _, ok := parsePointerName(e.Name()); ok {
			n++
		}
	}
	return n, nil
}

// --- layout helpers ---

func (f *FileBackend) versionPath(key models.SecretKey, id int) string {
	name := fmt.Sprintf("%s_%s_%010d%s", escapeName(key.Scope), escapeName(key.Principal), id, versionExt)
	return filepath.Join(f.dir, name)
}

func (f *FileBackend) pointerPath(key models.SecretKey) string {
	return filepath.Join(f.dir, escapeName(key.Scope)+"_"+escapeName(key.Principal)+currentSuffix)
}

func parsePointerName(name string) (models.SecretKey, bool) {
	base, ok := strings.CutSuffix(name, currentSuffix)
	if !ok {
		return models.SecretKey{}, false
	}
	scope, principal, ok := strings.Cut(base, "_")
	if !ok || strings.Contains(principal, "_") {
		return models.SecretKey{}, false
	}
	s, err1 := url.PathUnescape(scope)
	p, err2 := url.PathUnescape(principal)
	if err1 != nil || err2 != nil || s == "" || p == "" {
		return models.SecretKey{}, false
	}
	return models.SecretKey{Scope: s, Principal: p}, true
}

// escapeName percent-encodes every byte outside [A-Za-z0-9.-].
func escapeName(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') || c == '.' || c == '-' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func writeAndSync(fh *os.File, data []byte) error {
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

// syncDir is a variable so tests can simulate a failing fsync.
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("syncing vault dir: %w", err)
	}
	return nil
}
