package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	key        TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	value      BLOB,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_records_expires ON records(expires_at);
`

// SQLiteStore keeps records in a single table. Conditional writes are
// single statements, so SQLite's write lock provides the atomicity, and
// busy_timeout makes concurrent processes wait instead of failing.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens (creating if needed) a SQLite store at path.
func OpenSQLite(path string, opts Options) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, unavailable("create sqlite dir", err)
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("open sqlite", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, unavailable("init sqlite schema", err)
	}
	return &SQLiteStore{db: db, path: path, now: opts.now()}, nil
}

// Path returns the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// TryAcquire implements Store.
func (s *SQLiteStore) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration, value []byte) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records (key, holder, value, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			holder = excluded.holder,
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE records.expires_at != 0 AND records.expires_at <= ?`,
		key, holder, value, now.UnixNano(), toNanos(expiryFor(now, ttl)), now.UnixNano())
	if err != nil {
		return false, unavailable("acquire "+key, err)
	}
	return affected(res)
}

// Replace implements Store.
func (s *SQLiteStore) Replace(ctx context.Context, key, expectHolder, holder string, ttl time.Duration, value []byte) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET
			created_at = CASE WHEN holder = ? THEN created_at ELSE ? END,
			holder = ?,
			value = ?,
			expires_at = ?
		WHERE key = ? AND holder = ? AND (expires_at = 0 OR expires_at > ?)`,
		holder, now.UnixNano(), holder, value, toNanos(expiryFor(now, ttl)),
		key, expectHolder, now.UnixNano())
	if err != nil {
		return false, unavailable("replace "+key, err)
	}
	return affected(res)
}

// Release implements Store.
func (s *SQLiteStore) Release(ctx context.Context, key, holder string) (bool, error) {
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records
		WHERE key = ? AND holder = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, holder, now)
	if err != nil {
		return false, unavailable("release "+key, err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return ok, err
	}
	// An expired record left behind by its holder is cleared on the way out.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE key = ? AND expires_at != 0 AND expires_at <= ?`,
		key, now); err != nil {
		return false, unavailable("release "+key, err)
	}
	return false, nil
}

// ReleaseIfUnchanged implements Store.
func (s *SQLiteStore) ReleaseIfUnchanged(ctx context.Context, key, holder string, value []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records
		WHERE key = ? AND holder = ? AND value = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, holder, value, s.now().UnixNano())
	if err != nil {
		return false, unavailable("release "+key, err)
	}
	return affected(res)
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM records WHERE key = ? RETURNING expires_at`, key).Scan(&expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, unavailable("delete "+key, err)
	}
	return expires == 0 || expires > s.now().UnixNano(), nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, holder, value, created_at, expires_at FROM records
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, s.now().UnixNano())
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get "+key, err)
	}
	return rec, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, holder, value, created_at, expires_at FROM records
		WHERE substr(key, 1, ?) = ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY key`,
		utf8.RuneCountInString(prefix), prefix, s.now().UnixNano())
	if err != nil {
		return nil, unavailable("list "+prefix, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("list "+prefix, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list "+prefix, err)
	}
	return out, nil
}

// Sweep implements Store.
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE expires_at != 0 AND expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	return int(n), nil
}

// ExpiredRecords counts expired rows not yet swept.
func (s *SQLiteStore) ExpiredRecords(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE expires_at != 0 AND expires_at <= ?`,
		s.now().UnixNano()).Scan(&n)
	if err != nil {
		return 0, unavailable("count expired", err)
	}
	return n, nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return unavailable("ping sqlite", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec              Record
		created, expires int64
	)
	if err := row.Scan(&rec.Key, &rec.Holder, &rec.Value, &created, &expires); err != nil {
		return nil, err
	}
	rec.CreatedAt = fromNanos(created)
	rec.ExpiresAt = fromNanos(expires)
	return &rec, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("rows affected", err)
	}
	return n > 0, nil
}
