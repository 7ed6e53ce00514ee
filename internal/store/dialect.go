package store

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// querier is satisfied by *sql.Tx and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect captures what differs between the two backends: schema,
// placeholder syntax, how a write transaction starts, and how a
// transaction takes a scope-keyed exclusive lock.
type dialect struct {
	name      string
	schema    string
	rebind    func(string) string
	begin     func(ctx context.Context, db *sql.DB) (querier, func() error, func() error, error)
	lockScope func(ctx context.Context, q querier, scope string) error
}

func dialectFor(driver string) (*dialect, error) {
	switch driver {
	case DriverSQLite:
		return &sqliteDialect, nil
	case DriverPostgres:
		return &postgresDialect, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q (use sqlite or postgres)", driver)
	}
}

// sqliteDialect starts every write transaction with BEGIN IMMEDIATE, which
// takes the database writer lock up front. That lock is wider than any
// scope, so lockScope has nothing left to do.
var sqliteDialect = dialect{
	name:   DriverSQLite,
	schema: sqliteSchema,
	rebind: func(q string) string { return q },
	begin: func(ctx context.Context, db *sql.DB) (querier, func() error, func() error, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			conn.Close()
			return nil, nil, nil, err
		}
		finish := func(stmt string) func() error {
			return func() error {
				_, err := conn.ExecContext(context.WithoutCancel(ctx), stmt)
				if cerr := conn.Close(); err == nil {
					err = cerr
				}
				return err
			}
		}
		return conn, finish("COMMIT"), finish("ROLLBACK"), nil
	},
	lockScope: func(context.Context, querier, string) error { return nil },
}

var postgresDialect = dialect{
	name:   DriverPostgres,
	schema: postgresSchema,
	rebind: rebindDollar,
	begin: func(ctx context.Context, db *sql.DB) (querier, func() error, func() error, error) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		return tx, tx.Commit, tx.Rollback, nil
	},
	lockScope: func(ctx context.Context, q querier, scope string) error {
		_, err := q.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", scopeKey(scope))
		return err
	},
}

// scopeKey maps a lock scope onto the 64-bit advisory lock key space.
func scopeKey(scope string) int64 {
	h := fnv.New64a()
	h.Write([]byte(scope))
	return int64(h.Sum64())
}

// rebindDollar rewrites ? placeholders as $1, $2, ...
func rebindDollar(q string) string {
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

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS records (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		action          TEXT    NOT NULL,
		category        TEXT    NOT NULL DEFAULT '',
		status          TEXT    NOT NULL DEFAULT '',
		user_id         INTEGER NOT NULL DEFAULT 0,
		organization_id INTEGER NOT NULL,
		lamport_clock   INTEGER NOT NULL,
		hash_pointer    TEXT    NOT NULL DEFAULT '',
		details         TEXT    NOT NULL DEFAULT '{}',
		block_hash      TEXT,
		created_at      INTEGER NOT NULL,
		UNIQUE (organization_id, lamport_clock)
	);
	CREATE INDEX IF NOT EXISTS idx_records_pending ON records(organization_id, block_hash);
	CREATE TABLE IF NOT EXISTS blocks (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		hash            TEXT    NOT NULL UNIQUE,
		previous_hash   TEXT    NOT NULL,
		organization_id INTEGER NOT NULL,
		lamport_clock   INTEGER NOT NULL,
		metrics         TEXT    NOT NULL,
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_blocks_org ON blocks(organization_id, created_at);
	CREATE TABLE IF NOT EXISTS receipts (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		scope_id        INTEGER NOT NULL,
		receipt_type    TEXT    NOT NULL,
		lamport_clock   INTEGER NOT NULL,
		previous_digest TEXT    NOT NULL,
		digest          TEXT    NOT NULL,
		payload         TEXT    NOT NULL,
		real_timestamp  INTEGER NOT NULL,
		created_at      INTEGER NOT NULL,
		UNIQUE (scope_id, lamport_clock)
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_digest ON receipts(digest);
	CREATE TABLE IF NOT EXISTS witness_signatures (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		receipt_digest TEXT    NOT NULL,
		model_name     TEXT    NOT NULL,
		public_key     TEXT    NOT NULL,
		signature      TEXT    NOT NULL,
		verified       INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_witness_digest ON witness_signatures(receipt_digest);
	CREATE TABLE IF NOT EXISTS scans (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		scope_id    INTEGER NOT NULL,
		total_rules INTEGER NOT NULL,
		passed      INTEGER NOT NULL,
		warnings    INTEGER NOT NULL,
		critical    INTEGER NOT NULL,
		results     TEXT    NOT NULL,
		config      TEXT    NOT NULL,
		created_at  INTEGER NOT NULL
	);
`

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS records (
		id              BIGSERIAL PRIMARY KEY,
		action          TEXT   NOT NULL,
		category        TEXT   NOT NULL DEFAULT '',
		status          TEXT   NOT NULL DEFAULT '',
		user_id         BIGINT NOT NULL DEFAULT 0,
		organization_id BIGINT NOT NULL,
		lamport_clock   BIGINT NOT NULL,
		hash_pointer    TEXT   NOT NULL DEFAULT '',
		details         TEXT   NOT NULL DEFAULT '{}',
		block_hash      TEXT,
		created_at      BIGINT NOT NULL,
		UNIQUE (organization_id, lamport_clock)
	);
	CREATE INDEX IF NOT EXISTS idx_records_pending ON records(organization_id, block_hash);
	CREATE TABLE IF NOT EXISTS blocks (
		id              BIGSERIAL PRIMARY KEY,
		hash            TEXT   NOT NULL UNIQUE,
		previous_hash   TEXT   NOT NULL,
		organization_id BIGINT NOT NULL,
		lamport_clock   BIGINT NOT NULL,
		metrics         TEXT   NOT NULL,
		created_at      BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_blocks_org ON blocks(organization_id, created_at);
	CREATE TABLE IF NOT EXISTS receipts (
		id              BIGSERIAL PRIMARY KEY,
		scope_id        BIGINT NOT NULL,
		receipt_type    TEXT   NOT NULL,
		lamport_clock   BIGINT NOT NULL,
		previous_digest TEXT   NOT NULL,
		digest          TEXT   NOT NULL,
		payload         TEXT   NOT NULL,
		real_timestamp  BIGINT NOT NULL,
		created_at      BIGINT NOT NULL,
		UNIQUE (scope_id, lamport_clock)
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_digest ON receipts(digest);
	CREATE TABLE IF NOT EXISTS witness_signatures (
		id             BIGSERIAL PRIMARY KEY,
		receipt_digest TEXT    NOT NULL,
		model_name     TEXT    NOT NULL,
		public_key     TEXT    NOT NULL,
		signature      TEXT    NOT NULL,
		verified       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     BIGINT  NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_witness_digest ON witness_signatures(receipt_digest);
	CREATE TABLE IF NOT EXISTS scans (
		id          BIGSERIAL PRIMARY KEY,
		scope_id    BIGINT  NOT NULL,
		total_rules INTEGER NOT NULL,
		passed      INTEGER NOT NULL,
		warnings    INTEGER NOT NULL,
		critical    INTEGER NOT NULL,
		results     TEXT    NOT NULL,
		config      TEXT    NOT NULL,
		created_at  BIGINT  NOT NULL
	);
`
