package fallback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name     string
	driver   string
	blobType string
	numbered bool // $1, $2 placeholders instead of ?
}

var (
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite3", blobType: "BLOB"}
	postgresDialect = dialect{name: "postgres", driver: "postgres", blobType: "BYTEA", numbered: true}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQL stores entries in a single memory_entries table. Expired rows are
// ignored on read and purged on write.
type SQL struct {
	db     *sql.DB
	d      dialect
	prefix string
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(ctx context.Context, path, prefix string) (*SQL, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open(sqliteDialect.driver, path+sep+"_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return newSQL(ctx, db, sqliteDialect, prefix)
}

// OpenPostgres connects with a postgres:// URL.
func OpenPostgres(ctx context.Context, dsn, prefix string) (*SQL, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return newSQL(ctx, db, postgresDialect, prefix)
}

func newSQL(ctx context.Context, db *sql.DB, d dialect, prefix string) (*SQL, error) {
	s := &SQL{db: db, d: d, prefix: prefix, now: time.Now}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(initCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", d.name, err)
	}
	if err := s.initSchema(initCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

func (s *SQL) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS memory_entries (
			key TEXT PRIMARY KEY,
			value ` + s.d.blobType + ` NOT NULL,
			expires_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_entries_expires ON memory_entries(expires_at_ms)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQL) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *SQL) nowMS() int64 {
	return s.now().UnixMilli()
}

func (s *SQL) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.nowMS()
	_, err := s.exec(ctx,
		`INSERT INTO memory_entries (key, value, expires_at_ms) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at_ms = excluded.expires_at_ms`,
		s.prefix+key, value, now+ttl.Milliseconds())
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `DELETE FROM memory_entries WHERE expires_at_ms <= ?`, now)
	return err
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		s.d.rebind(`SELECT value, expires_at_ms FROM memory_entries WHERE key = ?`),
		s.prefix+key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}

	remaining := time.Duration(expiresAt-s.nowMS()) * time.Millisecond
	if remaining <= 0 {
		return nil, 0, false, nil
	}
	return value, remaining, true, nil
}

// Delete reports true only when a live row was removed.
func (s *SQL) Delete(ctx context.Context, key string) (bool, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		s.d.rebind(`DELETE FROM memory_entries WHERE key = ? RETURNING expires_at_ms`),
		s.prefix+key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return expiresAt > s.nowMS(), nil
}

// Clear deletes every row under the prefix.
func (s *SQL) Clear(ctx context.Context) (int, error) {
	res, err := s.exec(ctx,
		`DELETE FROM memory_entries WHERE key LIKE ? ESCAPE '\'`,
		escapeLike(s.prefix)+"%")
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) Name() string { return s.d.name }

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
