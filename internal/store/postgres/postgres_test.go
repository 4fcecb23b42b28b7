//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	storepkg "github.com/medivision/control-plane/internal/store"
	"github.com/medivision/control-plane/internal/store/storetest"
)

var (
	testDB   *sql.DB
	testConn string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tcpostgres.Run(
		ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("radiology"),
		tcpostgres.WithUsername("radiology"),
		tcpostgres.WithPassword("radiology"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "start postgres container:", err)
		os.Exit(1)
	}
	conn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "connection string:", err)
		os.Exit(1)
	}
	ldb, err := sql.Open("pgx", conn)
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "open db:", err)
		os.Exit(1)
	}
	if err := waitForDB(ldb); err != nil {
		_ = ldb.Close()
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "ping db:", err)
		os.Exit(1)
	}
	if err := Migrate(ctx, ldb); err != nil {
		_ = ldb.Close()
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "apply migrations:", err)
		os.Exit(1)
	}
	testDB = ldb
	testConn = conn
	code := m.Run()
	_ = ldb.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func waitForDB(db *sql.DB) error {
	deadline := time.Now().Add(20 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := db.PingContext(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func resetDB(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec("TRUNCATE tool_invocations, messages, threads")
	require.NoError(t, err)
}

func TestPostgresStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storepkg.Store {
		resetDB(t)
		return &PostgresStore{db: testDB}
	})
}

func TestNew_VerifiesSchema(t *testing.T) {
	st, err := New(testConn, WithMigrate(true))
	require.NoError(t, err)
	require.NoError(t, st.Ping(context.Background()))
	require.NoError(t, st.Close())
}
