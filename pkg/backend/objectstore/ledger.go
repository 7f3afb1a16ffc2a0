package objectstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/fruitsalade/chainfs/internal/metrics"
	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	path         TEXT PRIMARY KEY,
	parent_path  TEXT NOT NULL,
	name         TEXT NOT NULL,
	account      TEXT NOT NULL,
	is_dir       BOOLEAN NOT NULL,
	size         BIGINT NOT NULL DEFAULT 0,
	object_key   TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	mod_time     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries (parent_path);
CREATE INDEX IF NOT EXISTS idx_entries_account ON entries (account);

CREATE TABLE IF NOT EXISTS roles (
	account    TEXT NOT NULL,
	role       TEXT NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (account, role)
);

CREATE TABLE IF NOT EXISTS reservations (
	account    TEXT PRIMARY KEY,
	amount     BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// uniqueViolation is the PostgreSQL error code for a duplicate key.
const uniqueViolation = "23505"

// Ledger records the directory tree, roles and space reservations in
// PostgreSQL.
type Ledger struct {
	db *sql.DB
}

// entryRow maps to the entries table.
type entryRow struct {
	Path        string
	ParentPath  string
	Name        string
	Account     string
	IsDir       bool
	Size        int64
	ObjectKey   string
	ContentType string
	ModTime     time.Time
}

func (r entryRow) descriptor() models.Descriptor {
	d := models.Descriptor{
		Name:    r.Name,
		Path:    r.Path,
		IsFile:  !r.IsDir,
		ModTime: r.ModTime,
	}
	if !r.IsDir {
		d.Size = r.Size
		d.Status = "stored"
	}
	return d
}

// OpenLedger connects to PostgreSQL.
func OpenLedger(databaseURL string) (*Ledger, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Migrate creates the ledger tables if they do not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// UpdateConnectionMetrics updates the database connection metrics.
func (l *Ledger) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(l.db.Stats().OpenConnections)
}

func observe(query string) func() {
	start := time.Now()
	return func() { metrics.RecordDBQuery(query, time.Since(start)) }
}

// likePrefix returns a LIKE pattern matching every path below p.
func likePrefix(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(p) + "/%"
}

// List returns the children of parent in name order.
func (l *Ledger) List(ctx context.Context, parent string) ([]models.Descriptor, error) {
	defer observe("list")()

	rows, err := l.db.QueryContext(ctx,
		`SELECT path, parent_path, name, account, is_dir, size, object_key, content_type, mod_time
		 FROM entries WHERE parent_path = $1 ORDER BY name`, parent)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", parent, err)
	}
	defer rows.Close()

	var out []models.Descriptor
	for rows.Next() {
		r, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r.descriptor())
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (entryRow, error) {
	var r entryRow
	err := s.Scan(&r.Path, &r.ParentPath, &r.Name, &r.Account, &r.IsDir,
		&r.Size, &r.ObjectKey, &r.ContentType, &r.ModTime)
	if err != nil {
		return r, fmt.Errorf("scan entry: %w", err)
	}
	return r, nil
}

// Lookup returns the entry at p.
func (l *Ledger) Lookup(ctx context.Context, p string) (entryRow, error) {
	defer observe("lookup")()

	row := l.db.QueryRowContext(ctx,
		`SELECT path, parent_path, name, account, is_dir, size, object_key, content_type, mod_time
		 FROM entries WHERE path = $1`, p)
	r, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%s: %w", p, backend.ErrNotFound)
	}
	return r, err
}

// IsDir reports whether p is a directory. Account roots always are.
func (l *Ledger) IsDir(ctx context.Context, p string) (bool, error) {
	if !strings.Contains(p, "/") {
		return true, nil
	}
	r, err := l.Lookup(ctx, p)
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.IsDir, nil
}

// Insert records a new entry. A taken path yields backend.ErrExists.
func (l *Ledger) Insert(ctx context.Context, r entryRow) error {
	defer observe("insert")()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO entries (path, parent_path, name, account, is_dir, size, object_key, content_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.Path, r.ParentPath, r.Name, r.Account, r.IsDir, r.Size, r.ObjectKey, r.ContentType)
	return mapError("insert "+r.Path, err)
}

// Delete removes p and everything below it, returning the object keys of
// the removed files.
func (l *Ledger) Delete(ctx context.Context, p string) ([]string, error) {
	defer observe("delete")()

	rows, err := l.db.QueryContext(ctx,
		`DELETE FROM entries WHERE path = $1 OR path LIKE $2 ESCAPE '\'
		 RETURNING object_key`, p, likePrefix(p))
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", p, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan object key: %w", err)
		}
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

// Occupied returns the bytes stored under account.
func (l *Ledger) Occupied(ctx context.Context, account string) (int64, error) {
	defer observe("occupied")()

	var used int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM entries WHERE account = $1 AND NOT is_dir`,
		account).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("occupied %s: %w", account, err)
	}
	return used, nil
}

// Reserved returns the space reserved for account.
func (l *Ledger) Reserved(ctx context.Context, account string) (int64, error) {
	defer observe("reserved")()

	var amount int64
	err := l.db.QueryRowContext(ctx,
		`SELECT amount FROM reservations WHERE account = $1`, account).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reserved %s: %w", account, err)
	}
	return amount, nil
}

// TotalReserved returns the sum of all reservations.
func (l *Ledger) TotalReserved(ctx context.Context) (int64, error) {
	defer observe("total_reserved")()

	var total int64
	if err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM reservations`).Scan(&total); err != nil {
		return 0, fmt.Errorf("total reserved: %w", err)
	}
	return total, nil
}

// Reserve sets the reservation of account to amount, failing with
// backend.ErrQuota when the reservations would exceed capacity.
func (l *Ledger) Reserve(ctx context.Context, account string, amount, capacity int64) error {
	defer observe("reserve")()

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var others int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM reservations WHERE account <> $1`,
		account).Scan(&others); err != nil {
		return fmt.Errorf("sum reservations: %w", err)
	}
	if others+amount > capacity {
		return fmt.Errorf("reserve %d for %s: %w", amount, account, backend.ErrQuota)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (account, amount) VALUES ($1, $2)
		 ON CONFLICT (account) DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()`,
		account, amount); err != nil {
		return mapError("reserve "+account, err)
	}
	return mapError("commit reservation", tx.Commit())
}

// HasRole reports whether account holds role.
func (l *Ledger) HasRole(ctx context.Context, account string, role backend.Role) (bool, error) {
	defer observe("has_role")()

	var ok bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM roles WHERE account = $1 AND role = $2)`,
		account, string(role)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("has role %s: %w", account, err)
	}
	return ok, nil
}

// GrantRole gives account role. Granting a held role is a no-op.
func (l *Ledger) GrantRole(ctx context.Context, account string, role backend.Role) error {
	defer observe("grant_role")()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO roles (account, role) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		account, string(role))
	return mapError("grant "+string(role), err)
}

// mapError translates PostgreSQL errors into the backend taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == uniqueViolation:
			return fmt.Errorf("%s: %w", op, backend.ErrExists)
		case pqErr.Code.Class() == "40":
			// Serialization failure or deadlock; the caller may resubmit.
			return fmt.Errorf("%s: %w: %v", op, backend.ErrBusy, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
