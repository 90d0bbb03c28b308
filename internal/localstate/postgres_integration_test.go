package localstate

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	pg := backend.(*PostgresBackend)
	pg.tableName = postgresIntegrationTableName("helpsync_state_it")
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	if _, ok, err := backend.Get(UserIDKey); err != nil || ok {
		t.Fatalf("expected empty table, got ok=%v err=%v", ok, err)
	}

	store, err := NewSuppressionStore(backend, nil)
	if err != nil {
		t.Fatalf("new suppression store: %v", err)
	}
	if err := store.Suppress("42"); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	if err := store.Suppress("7"); err != nil {
		t.Fatalf("suppress: %v", err)
	}

	reloaded, err := NewSuppressionStore(backend, nil)
	if err != nil {
		t.Fatalf("reload suppression store: %v", err)
	}
	if !reloaded.IsSuppressed("42") || !reloaded.IsSuppressed("7") {
		t.Fatalf("expected both ids after reload, got %v", reloaded.IDs())
	}

	first := NewIdentity(backend, nil).CurrentUserID()
	second := NewIdentity(backend, nil).CurrentUserID()
	if first != second {
		t.Fatalf("expected stable user id, got %q and %q", first, second)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("HELPSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set HELPSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("open postgres for cleanup: %v", err)
		return
	}
	defer db.Close()
	if _, err := db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(tableName)); err != nil {
		t.Logf("drop table %s: %v", tableName, err)
	}
}
