package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/org/lockr/pkg/models"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS vault_init (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	key_check      BLOB    NOT NULL,
	algorithm      TEXT    NOT NULL,
	shares         INTEGER NOT NULL DEFAULT 0,
	threshold      INTEGER NOT NULL DEFAULT 0,
	initialized_at TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS secret_versions (
	scope       TEXT    NOT NULL,
	principal   TEXT    NOT NULL,
	version_id  INTEGER NOT NULL,
	ciphertext  BLOB    NOT NULL,
	algorithm   TEXT    NOT NULL,
	key_context TEXT    NOT NULL DEFAULT '',
	created_at  TEXT    NOT NULL,
	PRIMARY KEY (scope, principal, version_id)
);
CREATE TABLE IF NOT EXISTS secret_pointers (
	scope      TEXT    NOT NULL,
	principal  TEXT    NOT NULL,
	version_id INTEGER NOT NULL,
	updated_at TEXT    NOT NULL,
	PRIMARY KEY (scope, principal)
);
CREATE TABLE IF NOT EXISTS audit_log (
	seq        INTEGER PRIMARY KEY,
	timestamp  TEXT    NOT NULL,
	actor      TEXT    NOT NULL DEFAULT '',
	action     TEXT    NOT NULL,
	scope      TEXT    NOT NULL,
	principal  TEXT    NOT NULL,
	outcome    TEXT    NOT NULL,
	code       TEXT    NOT NULL DEFAULT '',
	request_id TEXT    NOT NULL DEFAULT ''
);
`

// SQLiteBackend is a single-file Backend using the pure-Go SQLite driver.
// Timestamps are stored as fixed-width UTC text so they sort lexically.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway store.
func NewSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// One writer keeps transactions serialized and :memory: on one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Close() {
	s.db.Close()
}

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// --- Vault init ---

func (s *SQLiteBackend) InitVault(ctx context.Context, d *models.InitData) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO vault_init (id, key_check, algorithm, shares, threshold, initialized_at)
		 VALUES (1, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		d.KeyCheck, d.Algorithm, d.Shares, d.Threshold, formatTime(d.InitializedAt),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *SQLiteBackend) GetInitData(ctx context.Context) (*models.InitData, error) {
	var d models.InitData
	var at string
	err := s.db.QueryRowContext(ctx,
		`SELECT key_check, algorithm, shares, threshold, initialized_at FROM vault_init WHERE id = 1`,
	).Scan(&d.KeyCheck, &d.Algorithm, &d.Shares, &d.Threshold, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if d.InitializedAt, err = parseTime(at); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteBackend) IsInitialized(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vault_init`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Secrets ---

func (s *SQLiteBackend) CommitVersion(ctx context.Context, v *models.SecretVersion, expectCurrent int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	cur := 0
	err = tx.QueryRowContext(ctx,
		`SELECT version_id FROM secret_pointers WHERE scope = ? AND principal = ?`,
		v.Scope, v.Principal,
	).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading pointer: %w", err)
	}
	if cur != expectCurrent {
		return ErrConflict
	}

	var maxVer int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_id), 0) FROM secret_versions WHERE scope = ? AND principal = ?`,
		v.Scope, v.Principal,
	).Scan(&maxVer)
	if err != nil {
		return fmt.Errorf("fetching max version: %w", err)
	}
	v.VersionID = maxVer + 1

	_, err = tx.ExecContext(ctx,
		`INSERT INTO secret_versions (scope, principal, version_id, ciphertext, algorithm, key_context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.Scope, v.Principal, v.VersionID, v.Ciphertext, v.CipherParams.Algorithm, v.CipherParams.KeyContext, formatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting secret version: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO secret_pointers (scope, principal, version_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope, principal) DO UPDATE SET version_id = excluded.version_id, updated_at = excluded.updated_at`,
		v.Scope, v.Principal, v.VersionID, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("swapping pointer: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteBackend) ReadPointer(ctx context.Context, key models.SecretKey) (*models.CurrentPointer, error) {
	p := models.CurrentPointer{Scope: key.Scope, Principal: key.Principal}
	var at string
	err := s.db.QueryRowContext(ctx,
		`SELECT version_id, updated_at FROM secret_pointers WHERE scope = ? AND principal = ?`,
		key.Scope, key.Principal,
	).Scan(&p.VersionID, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(at); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteBackend) ReadVersion(ctx context.Context, key models.SecretKey, versionID int) (*models.SecretVersion, error) {
	v := models.SecretVersion{Scope: key.Scope, Principal: key.Principal, VersionID: versionID}
	var at string
	err := s.db.QueryRowContext(ctx,
		`SELECT ciphertext, algorithm, key_context, created_at
		 FROM secret_versions WHERE scope = ? AND principal = ? AND version_id = ?`,
		key.Scope, key.Principal, versionID,
	).Scan(&v.Ciphertext, &v.CipherParams.Algorithm, &v.CipherParams.KeyContext, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if v.CreatedAt, err = parseTime(at); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLiteBackend) ListVersions(ctx context.Context, key models.SecretKey) ([]models.VersionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sv.version_id, sv.created_at, sv.algorithm, COALESCE(sp.version_id = sv.version_id, 0)
		 FROM secret_versions sv
		 LEFT JOIN secret_pointers sp ON sp.scope = sv.scope AND sp.principal = sv.principal
		 WHERE sv.scope = ? AND sv.principal = ?
		 ORDER BY sv.version_id`,
		key.Scope, key.Principal,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.VersionInfo
	for rows.Next() {
		var vi models.VersionInfo
		var at string
		if err := rows.Scan(&vi.VersionID, &at, &vi.Algorithm, &vi.Current); err != nil {
			return nil, err
		}
		if vi.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, vi)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *SQLiteBackend) ListPointers(ctx context.Context, after *models.SecretKey, limit int) ([]models.SecretSummary, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT sp.scope, sp.principal, sp.version_id, sv.created_at
		 FROM secret_pointers sp
		 JOIN secret_versions sv ON sv.scope = sp.scope AND sv.principal = sp.principal AND sv.version_id = sp.version_id`)
	var args []any
	if after != nil {
		query.WriteString(` WHERE (sp.scope, sp.principal) > (?, ?)`)
		args = append(args, after.Scope, after.Principal)
	}
	query.WriteString(` ORDER BY sp.scope, sp.principal`)
	if limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SecretSummary
	for rows.Next() {
		var sum models.SecretSummary
		var at string
		if err := rows.Scan(&sum.Scope, &sum.Principal, &sum.VersionID, &at); err != nil {
			return nil, err
		}
		if sum.LastUpdated, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// --- Audit ---

func (s *SQLiteBackend) WriteAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (seq, timestamp, actor, action, scope, principal, outcome, code, request_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, formatTime(e.Timestamp), e.Actor, e.Action, e.Scope, e.Principal, e.Outcome, e.Code, e.RequestID,
	)
	return err
}

func (s *SQLiteBackend) QueryAuditLog(ctx context.Context, f AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT seq, timestamp, actor, action, scope, principal, outcome, code, request_id FROM audit_log WHERE 1=1`)
	var args []any
	for _, c := range []struct{ col, val string }{
		{"scope", f.Scope},
		{"principal", f.Principal},
		{"action", f.Action},
	} {
		if c.val != "" {
			fmt.Fprintf(&query, ` AND %s = ?`, c.col)
			args = append(args, c.val)
		}
	}
	if f.Since != nil {
		query.WriteString(` AND timestamp >= ?`)
		args = append(args, formatTime(*f.Since))
	}
	query.WriteString(` ORDER BY seq`)
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		query.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var at string
		if err := rows.Scan(&e.Seq, &at, &e.Actor, &e.Action, &e.Scope, &e.Principal,
			&e.Outcome, &e.Code, &e.RequestID); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) LastAuditSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_log`).Scan(&seq)
	return seq, err
}

// --- Metrics ---

func (s *SQLiteBackend) CountSecrets(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM secret_pointers`).Scan(&n)
	return n, err
}
