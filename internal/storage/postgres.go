package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/lockr/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// --- Vault init ---

func (p *PostgresBackend) InitVault(ctx context.Context, data *models.InitData) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO vault_init (id, key_check, algorithm, shares, threshold, initialized_at)
		 VALUES (1, $1, $2, $3, $4, $5)`,
		data.KeyCheck, data.Algorithm, data.Shares, data.Threshold, data.InitializedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) GetInitData(ctx context.Context) (*models.InitData, error) {
	var d models.InitData
	err := p.pool.QueryRow(ctx,
		`SELECT key_check, algorithm, shares, threshold, initialized_at FROM vault_init WHERE id = 1`,
	).Scan(&d.KeyCheck, &d.Algorithm, &d.Shares, &d.Threshold, &d.InitializedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (p *PostgresBackend) IsInitialized(ctx context.Context) (bool, error) {
	var count int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vault_init`).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- Secrets ---

func (p *PostgresBackend) CommitVersion(ctx context.Context, v *models.SecretVersion, expectCurrent int) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var maxVer int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_id), 0) FROM secret_versions WHERE scope = $1 AND principal = $2`,
		v.Scope, v.Principal,
	).Scan(&maxVer)
	if err != nil {
		return fmt.Errorf("fetching max version: %w", err)
	}
	v.VersionID = maxVer + 1

	_, err = tx.Exec(ctx,
		`INSERT INTO secret_versions (scope, principal, version_id, ciphertext, algorithm, key_context, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.Scope, v.Principal, v.VersionID, v.Ciphertext, v.CipherParams.Algorithm, v.CipherParams.KeyContext, v.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting secret version: %w", err)
	}

	var tag pgconn.CommandTag
	if expectCurrent == 0 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO secret_pointers (scope, principal, version_id, updated_at)
			 VALUES ($1, $2, $3, NOW())
			 ON CONFLICT (scope, principal) DO NOTHING`,
			v.Scope, v.Principal, v.VersionID,
		)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE secret_pointers SET version_id = $3, updated_at = NOW()
			 WHERE scope = $1 AND principal = $2 AND version_id = $4`,
			v.Scope, v.Principal, v.VersionID, expectCurrent,
		)
	}
	if err != nil {
		return fmt.Errorf("swapping pointer: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (p *PostgresBackend) ReadPointer(ctx context.Context, key models.SecretKey) (*models.CurrentPointer, error) {
	ptr := models.CurrentPointer{Scope: key.Scope, Principal: key.Principal}
	err := p.pool.QueryRow(ctx,
		`SELECT version_id, updated_at FROM secret_pointers WHERE scope = $1 AND principal = $2`,
		key.Scope, key.Principal,
	).Scan(&ptr.VersionID, &ptr.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ptr, nil
}

func (p *PostgresBackend) ReadVersion(ctx context.Context, key models.SecretKey, versionID int) (*models.SecretVersion, error) {
	v := models.SecretVersion{Scope: key.Scope, Principal: key.Principal, VersionID: versionID}
	err := p.pool.QueryRow(ctx,
		`SELECT ciphertext, algorithm, key_context, created_at
		 FROM secret_versions WHERE scope = $1 AND principal = $2 AND version_id = $3`,
		key.Scope, key.Principal, versionID,
	).Scan(&v.Ciphertext, &v.CipherParams.Algorithm, &v.CipherParams.KeyContext, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (p *PostgresBackend) ListVersions(ctx context.Context, key models.SecretKey) ([]models.VersionInfo, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT sv.version_id, sv.created_at, sv.algorithm, COALESCE(sp.version_id = sv.version_id, FALSE)
		 FROM secret_versions sv
		 LEFT JOIN secret_pointers sp ON sp.scope = sv.scope AND sp.principal = sv.principal
		 WHERE sv.scope = $1 AND sv.principal = $2
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
		if err := rows.Scan(&vi.VersionID, &vi.CreatedAt, &vi.Algorithm, &vi.Current); err != nil {
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

func (p *PostgresBackend) ListPointers(ctx context.Context, after *models.SecretKey, limit int) ([]models.SecretSummary, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT sp.scope, sp.principal, sp.version_id, sv.created_at
		 FROM secret_pointers sp
		 JOIN secret_versions sv ON sv.scope = sp.scope AND sv.principal = sp.principal AND sv.version_id = sp.version_id`)
	args := []any{}
	n := 1
	if after != nil {
		fmt.Fprintf(&query, ` WHERE (sp.scope, sp.principal) > ($%d, $%d)`, n, n+1)
		args = append(args, after.Scope, after.Principal)
		n += 2
	}
	query.WriteString(` ORDER BY sp.scope, sp.principal`)
	if limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SecretSummary
	for rows.Next() {
		var s models.SecretSummary
		if err := rows.Scan(&s.Scope, &s.Principal, &s.VersionID, &s.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO audit_log (seq, timestamp, actor, action, scope, principal, outcome, code, request_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.Seq, entry.Timestamp, entry.Actor, entry.Action, entry.Scope, entry.Principal,
		entry.Outcome, entry.Code, entry.RequestID,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT seq, timestamp, actor, action, scope, principal, outcome, code, request_id FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	for _, c := range []struct{ col, val string }{
		{"scope", filter.Scope},
		{"principal", filter.Principal},
		{"action", filter.Action},
	} {
		if c.val != "" {
			fmt.Fprintf(&query, ` AND %s = $%d`, c.col, n)
			args = append(args, c.val)
			n++
		}
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY seq`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Actor, &e.Action, &e.Scope,
			&e.Principal, &e.Outcome, &e.Code, &e.RequestID); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (p *PostgresBackend) LastAuditSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_log`).Scan(&seq)
	return seq, err
}

// --- Metrics ---

func (p *PostgresBackend) CountSecrets(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM secret_pointers`).Scan(&count)
	return count, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
