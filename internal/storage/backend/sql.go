package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"  // register postgres driver
	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

const schema = `CREATE TABLE IF NOT EXISTS collections (
	name     TEXT PRIMARY KEY,
	document TEXT NOT NULL,
	version  BIGINT NOT NULL
)`

// SQL stores the collection as one row of the collections table. The version
// is an integer incremented by every commit. Updates are guarded by
// "WHERE version = ?" and creates by the primary key, so both are atomic.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	name    string
	codec   Codec
}

// OpenSQL opens a database with the driver matching dialect and creates the
// table if needed.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	if dialect != SQLite && dialect != Postgres {
		return nil, fmt.Errorf("unknown sql dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite {
		// A single connection serializes writers and keeps :memory: databases
		// alive.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping failed: %w", dialect, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

// NewSQL returns a SQL backend storing the collection in the row name.
func NewSQL(db *sql.DB, dialect Dialect, name string) *SQL {
	if name == "" {
		name = "rca_form_data"
	}
	return &SQL{db: db, dialect: dialect, name: name, codec: JSONCodec{}}
}

// Name implements Backend.
func (s *SQL) Name() string {
	return string(s.dialect)
}

// rebind rewrites ? placeholders as $1, $2... for postgres.
func (s *SQL) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// Fetch implements Backend.
func (s *SQL) Fetch(ctx context.Context) (*Snapshot, error) {
	var doc string
	var version int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT document, version FROM collections WHERE name = ?`), s.name).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable("fetch", err)
	}
	items, err := s.codec.Decode([]byte(doc))
	if err != nil {
		return nil, err
	}
	return &Snapshot{Items: items, Version: Version(strconv.FormatInt(version, 10))}, nil
}

// Commit implements Backend.
func (s *SQL) Commit(ctx context.Context, items []entity.Record, expected Version) (Version, error) {
	data, err := s.codec.Encode(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode collection: %w", err)
	}
	if expected.IsZero() {
		res, err := s.db.ExecContext(ctx,
			s.rebind(`INSERT INTO collections (name, document, version) VALUES (?, ?, 1) ON CONFLICT (name) DO NOTHING`),
			s.name, string(data))
		if err != nil {
			return "", Unavailable("commit", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return "", Unavailable("commit", err)
		} else if n == 0 {
			return "", &ConflictError{Expected: expected}
		}
		return "1", nil
	}
	want, err := strconv.ParseInt(string(expected), 10, 64)
	if err != nil {
		return "", &ConflictError{Expected: expected}
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE collections SET document = ?, version = version + 1 WHERE name = ? AND version = ?`),
		string(data), s.name, want)
	if err != nil {
		return "", Unavailable("commit", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", Unavailable("commit", err)
	}
	if n == 0 {
		return "", &ConflictError{Expected: expected}
	}
	return Version(strconv.FormatInt(want+1, 10)), nil
}
