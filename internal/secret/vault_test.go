package secret

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/org/lockr/internal/audit"
	"github.com/org/lockr/internal/crypto"
	"github.com/org/lockr/internal/password"
	"github.com/org/lockr/internal/storage"
	"github.com/org/lockr/pkg/models"
)

type staticKey []byte

func (k staticKey) VaultKey(context.Context) ([]byte, error) {
	return bytes.Clone(k), nil
}

type sealedKey struct{}

func (sealedKey) VaultKey(context.Context) ([]byte, error) {
	return nil, errors.New("vault is sealed")
}

var testKey = staticKey(bytes.Repeat([]byte{0x11}, crypto.KeySize))

func newTestVault(t *testing.T, store storage.Backend, cfg Config) (*Vault, *audit.Logger) {
	t.Helper()
	logger, err := audit.NewLogger(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	return NewVault(cfg, store, crypto.AESGCM{}, testKey, logger, nil), logger
}

func auditEntries(t *testing.T, l *audit.Logger) []*models.AuditEntry {
	t.Helper()
	entries, err := l.Query(context.Background(), storage.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestMintRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, logger := newTestVault(t, storage.NewMemoryBackend(), DefaultConfig())

	ver, plain, err := v.MintAndStore(ctx, "ops", "db1", "admin", 12, nil)
	if err != nil {
		t.Fatalf("MintAndStore: %v", err)
	}
	if ver.VersionID != 1 || len(plain) != 12 {
		t.Fatalf("unexpected version %d / length %d", ver.VersionID, len(plain))
	}
	if bytes.Contains(ver.Ciphertext, plain) {
		t.Fatal("ciphertext contains the plaintext")
	}
	if ver.CipherParams.Algorithm != crypto.AlgAESGCM {
		t.Errorf("algorithm = %q", ver.CipherParams.Algorithm)
	}

	got, err := v.RetrieveCurrent(ctx, "ops", "db1", "admin")
	if err != nil {
		t.Fatalf("RetrieveCurrent: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("retrieved %q, minted %q", got, plain)
	}

	entries := auditEntries(t, logger)
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	if entries[0].Action != models.ActionCreate || entries[1].Action != models.ActionRetrieve {
		t.Errorf("unexpected actions %s, %s", entries[0].Action, entries[1].Action)
	}
	for _, e := range entries {
		if e.Outcome != models.OutcomeSuccess || e.Actor != "ops" || e.Scope != "db1" || e.Principal != "admin" {
			t.Errorf("unexpected entry %+v", e)
		}
	}
}

func TestRotationsKeepHistory(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, storage.NewMemoryBackend(), DefaultConfig())

	_, first, err := v.MintAndStore(ctx, "ops", "web", "deploy", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != password.DefaultLength {
		t.Errorf("default length not applied: %d", len(first))
	}
	const n = 4
	var last []byte
	for i := 0; i < n; i++ {
		ver, plain, err := v.Rotate(ctx, "ops", "web", "deploy", 20, nil)
		if err != nil {
			t.Fatalf("rotation %d: %v", i, err)
		}
		if ver.VersionID != i+2 {
			t.Errorf("rotation %d produced version %d", i, ver.VersionID)
		}
		last = plain
	}
	hist, err := v.History(ctx, "web", "deploy")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != n+1 {
		t.Fatalf("expected %d versions, got %d", n+1, len(hist))
	}
	if !hist[n].Current || hist[0].Current {
		t.Errorf("current flag wrong: %+v", hist)
	}
	got, _ := v.RetrieveCurrent(ctx, "ops", "web", "deploy")
	if !bytes.Equal(got, last) {
		t.Error("RetrieveCurrent did not return the latest rotation")
	}
	old, err := v.RetrieveVersion(ctx, "ops", "web", "deploy", 1)
	if err != nil || !bytes.Equal(old, first) {
		t.Errorf("version 1 = %q, %v", old, err)
	}
}

func TestRotateRequiresExistingSecret(t *testing.T) {
	ctx := context.Background()
	v, logger := newTestVault(t, storage.NewMemoryBackend(), DefaultConfig())
	if _, _, err := v.Rotate(ctx, "ops", "db1", "nobody", 12, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	entries := auditEntries(t, logger)
	if len(entries) != 1 || entries[0].Action != models.ActionRotate || entries[0].Outcome != models.OutcomeFailure || entries[0].Code != CodeNotFound {
		t.Errorf("failure not audited: %+v", entries)
	}
}

func TestRetrieveMissingIsAudited(t *testing.T) {
	ctx := context.Background()
	v, logger := newTestVault(t, storage.NewMemoryBackend(), DefaultConfig())
	if _, err := v.RetrieveCurrent(ctx, "ops", "db1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	entries := auditEntries(t, logger)
	if len(entries) != 1 || entries[0].Outcome != models.OutcomeFailure || entries[0].Code != CodeNotFound {
		t.Errorf("unexpected audit trail %+v", entries)
	}
}

func TestConcurrentMintsNeverTearPointer(t *testing.T) {
	for name, newStore := range map[string]func(t *testing.T) storage.Backend{
		"memory": func(*testing.T) storage.Backend { return storage.NewMemoryBackend() },
		"file": func(t *testing.T) storage.Backend {
			b, err := storage.NewFileBackend(t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			return b
		},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			v, _ := newTestVault(t, newStore(t), DefaultConfig())
			const workers = 16
			var wg sync.WaitGroup
			minted := make([][]byte, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, plain, err := v.MintAndStore(ctx, fmt.Sprintf("w%d", i), "db1", "admin", 16, nil)
					if err != nil {
						t.Errorf("worker %d: %v", i, err)
						return
					}
					minted[i] = plain
				}(i)
			}
			wg.Wait()

			hist, err := v.History(ctx, "db1", "admin")
			if err != nil {
				t.Fatal(err)
			}
			if len(hist) != workers {
				t.Fatalf("expected %d versions, got %d", workers, len(hist))
			}
			current, err := v.RetrieveCurrent(ctx, "ops", "db1", "admin")
			if err != nil {
				t.Fatalf("current pointer unreadable: %v", err)
			}
			found := false
			for _, m := range minted {
				if bytes.Equal(m, current) {
					found = true
				}
			}
			if !found {
				t.Error("current value is not one of the minted passwords")
			}
		})
	}
}

func TestListAfterSingleMint(t *testing.T) {
	stores := map[string]func(t *testing.T) storage.Backend{
		"memory": func(*testing.T) storage.Backend { return storage.NewMemoryBackend() },
		"file": func(t *testing.T) storage.Backend {
			b, err := storage.NewFileBackend(t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			return b
		},
		"sqlite": func(t *testing.T) storage.Backend {
			b, err := storage.NewSQLiteBackend(context.Background(), filepath.Join(t.TempDir(), "lockr.db"))
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(b.Close)
			return b
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			v, _ := newTestVault(t, open(t), DefaultConfig())
			ver, _, err := v.MintAndStore(ctx, "ops", "db1", "admin", 12, nil)
			if err != nil {
				t.Fatal(err)
			}
			// Postgres keeps microseconds; stamps must survive that unchanged.
			if !ver.CreatedAt.Equal(ver.CreatedAt.Truncate(time.Microsecond)) {
				t.Errorf("CreatedAt %v carries sub-microsecond precision", ver.CreatedAt)
			}
			var got []models.SecretSummary
			for s, err := range v.ListSecrets(ctx) {
				if err != nil {
					t.Fatal(err)
				}
				got = append(got, s)
			}
			if len(got) != 1 {
				t.Fatalf("expected one entry, got %+v", got)
			}
			s := got[0]
			if s.Scope != "db1" || s.Principal != "admin" || s.VersionID != 1 {
				t.Errorf("unexpected summary %+v", s)
			}
			if !s.LastUpdated.Equal(ver.CreatedAt) {
				t.Errorf("LastUpdated %v != mint time %v", s.LastUpdated, ver.CreatedAt)
			}
			hist, err := v.History(ctx, "db1", "admin")
			if err != nil {
				t.Fatal(err)
			}
			if len(hist) != 1 || !hist[0].CreatedAt.Equal(ver.CreatedAt) {
				t.Errorf("history %+v does not match mint time %v", hist, ver.CreatedAt)
			}
		})
	}
}

func TestListSecretsPagesLazilyAndRestarts(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.ListPageSize = 2
	store := &countingStore{MemoryBackend: storage.NewMemoryBackend()}
	v, _ := newTestVault(t, store, cfg)
	keys := []string{"e", "a", "c", "b", "d"}
	for _, k := range keys {
		if _, _, err := v.MintAndStore(ctx, "ops", "scope", k, 8, nil); err != nil {
			t.Fatal(err)
		}
	}

	collect := func() []string {
		var out []string
		for s, err := range v.ListSecrets(ctx) {
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, s.Principal)
		}
		return out
	}
	first := collect()
	if fmt.Sprint(first) != "[a b c d e]" {
		t.Fatalf("unexpected order %v", first)
	}
	if second := collect(); fmt.Sprint(second) != fmt.Sprint(first) {
		t.Errorf("second listing differs: %v vs %v", second, first)
	}

	store.calls = 0
	for range v.ListSecrets(ctx) {
		break
	}
	if store.calls != 1 {
		t.Errorf("early break fetched %d pages, expected 1", store.calls)
	}
}

type countingStore struct {
	*storage.MemoryBackend
	calls int
}

func (c *countingStore) ListPointers(ctx context.Context, after *models.SecretKey, limit int) ([]models.SecretSummary, error) {
	c.calls++
	return c.MemoryBackend.ListPointers(ctx, after, limit)
}

type failingCommitStore struct {
	*storage.MemoryBackend
}

func (failingCommitStore) CommitVersion(context.Context, *models.SecretVersion, int) error {
	return errors.New("no space left on device")
}

func TestVaultWriteFailureLeavesPointer(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryBackend()
	v, _ := newTestVault(t, mem, DefaultConfig())
	_, original, err := v.MintAndStore(ctx, "ops", "db1", "admin", 12, nil)
	if err != nil {
		t.Fatal(err)
	}

	broken, logger := newTestVault(t, failingCommitStore{mem}, DefaultConfig())
	if _, _, err := broken.Rotate(ctx, "ops", "db1", "admin", 12, nil); !errors.Is(err, ErrVaultWrite) {
		t.Fatalf("expected ErrVaultWrite, got %v", err)
	}
	got, err := broken.RetrieveCurrent(ctx, "ops", "db1", "admin")
	if err != nil || !bytes.Equal(got, original) {
		t.Errorf("pointer moved after failed write: %q, %v", got, err)
	}
	entries, _ := logger.Query(ctx, storage.AuditFilter{Action: models.ActionRotate})
	if len(entries) != 1 || entries[0].Code != CodeVaultWrite {
		t.Errorf("write failure not audited: %+v", entries)
	}
}

type missingVersionStore struct {
	*storage.MemoryBackend
}

func (missingVersionStore) ReadVersion(context.Context, models.SecretKey, int) (*models.SecretVersion, error) {
	return nil, storage.ErrNotFound
}

func TestCorruption(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryBackend()
	v, _ := newTestVault(t, mem, DefaultConfig())
	if _, _, err := v.MintAndStore(ctx, "ops", "db1", "admin", 12, nil); err != nil {
		t.Fatal(err)
	}

	dangling, _ := newTestVault(t, missingVersionStore{mem}, DefaultConfig())
	if _, err := dangling.RetrieveCurrent(ctx, "ops", "db1", "admin"); !errors.Is(err, ErrCorruption) {
		t.Errorf("dangling pointer: expected ErrCorruption, got %v", err)
	}

	logger, _ := audit.NewLogger(ctx, mem)
	wrongKey := NewVault(DefaultConfig(), mem, crypto.AESGCM{}, staticKey(bytes.Repeat([]byte{0x22}, crypto.KeySize)), logger, nil)
	_, err := wrongKey.RetrieveCurrent(ctx, "ops", "db1", "admin")
	if !errors.Is(err, ErrCorruption) {
		t.Errorf("wrong key: expected ErrCorruption, got %v", err)
	}
	if Code(err) != CodeCorruption || len(Remediation(err)) == 0 {
		t.Errorf("corruption code/remediation missing: %s", Code(err))
	}
}

func TestSealedVault(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryBackend()
	logger, _ := audit.NewLogger(ctx, mem)
	v := NewVault(DefaultConfig(), mem, crypto.AESGCM{}, sealedKey{}, logger, nil)
	if _, _, err := v.MintAndStore(ctx, "ops", "db1", "admin", 12, nil); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
	if _, err := mem.ReadPointer(ctx, models.SecretKey{Scope: "db1", Principal: "admin"}); !errors.Is(err, storage.ErrNotFound) {
		t.Error("sealed mint must not write a pointer")
	}
}

type failingAuditor struct{}

func (failingAuditor) Record(context.Context, *models.AuditEntry) error {
	return errors.New("audit store offline")
}

func TestRetrieveWithholdsPlaintextWithoutAudit(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryBackend()
	v, _ := newTestVault(t, mem, DefaultConfig())
	if _, _, err := v.MintAndStore(ctx, "ops", "db1", "admin", 12, nil); err != nil {
		t.Fatal(err)
	}
	blind := NewVault(DefaultConfig(), mem, crypto.AESGCM{}, testKey, failingAuditor{}, nil)
	got, err := blind.RetrieveCurrent(ctx, "ops", "db1", "admin")
	if !errors.Is(err, ErrAuditUnavailable) || got != nil {
		t.Errorf("expected withheld plaintext and ErrAuditUnavailable, got %q, %v", got, err)
	}
}

func TestWritesReportLostAuditEntries(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryBackend()
	blind := NewVault(DefaultConfig(), mem, crypto.AESGCM{}, testKey, failingAuditor{}, nil)

	ver, plain, err := blind.MintAndStore(ctx, "ops", "db1", "admin", 12, nil)
	if !errors.Is(err, ErrAuditUnavailable) {
		t.Fatalf("mint err = %v, want ErrAuditUnavailable", err)
	}
	if Code(err) != CodeAuditUnavailable {
		t.Errorf("code = %s", Code(err))
	}
	if ver == nil || ver.VersionID != 1 || len(plain) != 12 {
		t.Fatalf("committed version should still be returned, got %+v / %d bytes", ver, len(plain))
	}
	ptr, perr := mem.ReadPointer(ctx, models.SecretKey{Scope: "db1", Principal: "admin"})
	if perr != nil || ptr.VersionID != 1 {
		t.Fatalf("pointer = %+v, %v; the version must stay committed", ptr, perr)
	}

	ver, _, err = blind.Rotate(ctx, "ops", "db1", "admin", 12, nil)
	if !errors.Is(err, ErrAuditUnavailable) || ver == nil || ver.VersionID != 2 {
		t.Errorf("rotate = %+v, %v", ver, err)
	}
	ver, err = blind.Rollback(ctx, "ops", "db1", "admin", 1)
	if !errors.Is(err, ErrAuditUnavailable) || ver == nil || ver.VersionID != 3 {
		t.Errorf("rollback = %+v, %v", ver, err)
	}
}

// cancelCheckingAuditor fails when handed a cancelled context.
type cancelCheckingAuditor struct {
	entries []*models.AuditEntry
}

func (a *cancelCheckingAuditor) Record(ctx context.Context, e *models.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.entries = append(a.entries, e)
	return nil
}

func TestAuditSurvivesCancelledCaller(t *testing.T) {
	aud := &cancelCheckingAuditor{}
	v := NewVault(DefaultConfig(), storage.NewMemoryBackend(), crypto.AESGCM{}, testKey, aud, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := v.RetrieveCurrent(ctx, "ops", "db1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(aud.entries) != 1 || aud.entries[0].Outcome != models.OutcomeFailure {
		t.Fatalf("entries = %+v, want one failure entry", aud.entries)
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("getrandom: ENOSYS") }

func TestWeakRandomSource(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryBackend()
	logger, _ := audit.NewLogger(ctx, mem)
	v := NewVault(DefaultConfig(), mem, crypto.AESGCM{}, testKey, logger, password.NewGeneratorWithSource(brokenReader{}))
	_, _, err := v.MintAndStore(ctx, "ops", "db1", "admin", 12, nil)
	if !errors.Is(err, ErrWeakRandomSource) || Code(err) != CodeWeakRandomSource {
		t.Fatalf("expected ErrWeakRandomSource, got %v", err)
	}
	if n, _ := mem.CountSecrets(ctx); n != 0 {
		t.Error("a secret was stored despite the RNG failure")
	}
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, storage.NewMemoryBackend(), DefaultConfig())
	cases := []struct {
		name             string
		scope, principal string
		length           int
	}{
		{"empty scope", "", "admin", 12},
		{"empty principal", "db1", "", 12},
		{"too short", "db1", "admin", 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := v.MintAndStore(ctx, "ops", tc.scope, tc.principal, tc.length, nil)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestRollbackAppendsVersion(t *testing.T) {
	ctx := context.Background()
	v, logger := newTestVault(t, storage.NewMemoryBackend(), DefaultConfig())
	_, first, _ := v.MintAndStore(ctx, "ops", "db1", "admin", 12, nil)
	if _, _, err := v.Rotate(ctx, "ops", "db1", "admin", 12, nil); err != nil {
		t.Fatal(err)
	}

	ver, err := v.Rollback(ctx, "ops", "db1", "admin", 1)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if ver.VersionID != 3 {
		t.Errorf("rollback should create version 3, got %d", ver.VersionID)
	}
	got, _ := v.RetrieveCurrent(ctx, "ops", "db1", "admin")
	if !bytes.Equal(got, first) {
		t.Error("rollback did not restore version 1 contents")
	}
	if _, err := v.Rollback(ctx, "ops", "db1", "admin", 3); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("rollback to current: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := v.Rollback(ctx, "ops", "db1", "admin", 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("rollback to missing version: expected ErrNotFound, got %v", err)
	}
	rotations, _ := logger.Query(ctx, storage.AuditFilter{Action: models.ActionRotate, Limit: 10})
	if len(rotations) != 4 {
		t.Errorf("expected 4 rotate entries (1 rotate, 3 rollbacks), got %d", len(rotations))
	}
}

func TestXChaChaVersionsReadableAfterCipherChange(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryBackend()
	logger, _ := audit.NewLogger(ctx, mem)
	old := NewVault(DefaultConfig(), mem, crypto.XChaCha20{}, testKey, logger, nil)
	_, plain, err := old.MintAndStore(ctx, "ops", "db1", "admin", 12, nil)
	if err != nil {
		t.Fatal(err)
	}
	current := NewVault(DefaultConfig(), mem, crypto.AESGCM{}, testKey, logger, nil)
	got, err := current.RetrieveCurrent(ctx, "ops", "db1", "admin")
	if err != nil || !bytes.Equal(got, plain) {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestCodeAndRemediation(t *testing.T) {
	if Code(nil) != "" || Remediation(nil) != nil {
		t.Error("nil error should map to nothing")
	}
	wrapped := fmt.Errorf("outer: %w", ErrVaultWrite)
	if Code(wrapped) != CodeVaultWrite {
		t.Errorf("Code(%v) = %s", wrapped, Code(wrapped))
	}
	if Code(errors.New("boom")) != CodeInternal {
		t.Error("unknown errors should be INTERNAL")
	}
	r := Remediation(ErrNotFound)
	r[0] = "mutated"
	if Remediation(ErrNotFound)[0] == "mutated" {
		t.Error("Remediation must return a copy")
	}
}
