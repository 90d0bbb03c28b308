package localstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
)

const (
	postgresStateTableName   = "helpsync_state"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores each key as one row. Installations sharing a
// database keep separate state by naming their own table with the DSN's
// table parameter, e.g. postgres://host/db?table=helpsync_laptop.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	dsn, tableName, err := splitPostgresTable(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: tableName,
		openDB:    sql.Open,
	}, nil
}

// splitPostgresTable removes the table parameter from a URL DSN; the driver
// would otherwise send it to the server as a runtime setting.
func splitPostgresTable(dsn string) (string, string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return dsn, postgresStateTableName, nil
	}
	query := parsed.Query()
	if !query.Has("table") {
		return dsn, postgresStateTableName, nil
	}
	table := strings.TrimSpace(query.Get("table"))
	if !validTableName(table) {
		return "", "", fmt.Errorf("%w: table %q", ErrInvalidInput, table)
	}
	query.Del("table")
	parsed.RawQuery = query.Encode()
	return parsed.String(), table, nil
}

func validTableName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func psql() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

func (b *PostgresBackend) Get(key string) ([]byte, bool, error) {
	if b == nil {
		return nil, false, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query, args, err := postgresSelectQuery(b.tableName, key)
	if err != nil {
		return nil, false, fmt.Errorf("build state select query: %w", err)
	}
	var payload string
	err = b.db.QueryRowContext(ctx, query, args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

func (b *PostgresBackend) Put(key string, value []byte) error {
	if b == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query, args, err := postgresUpsertQuery(b.tableName, key, value)
	if err != nil {
		return fmt.Errorf("build state upsert query: %w", err)
	}
	_, err = b.db.ExecContext(ctx, query, args...)
	return err
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresSelectQuery(tableName, key string) (string, []any, error) {
	return psql().Select("snapshot").
		From(postgresQuoteIdentifier(tableName)).
		Where(sq.Eq{"state_key": key}).
		Limit(1).
		ToSql()
}

func postgresUpsertQuery(tableName, key string, value []byte) (string, []any, error) {
	return psql().Insert(postgresQuoteIdentifier(tableName)).
		Columns("state_key", "snapshot", "updated_at").
		Values(key, string(value), sq.Expr("NOW()")).
		Suffix("ON CONFLICT (state_key) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()").
		ToSql()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
