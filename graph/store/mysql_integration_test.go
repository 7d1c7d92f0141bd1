package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/hiverun/hive/graph/store"
)

// TestMySQLStoreIntegration exercises MySQLStore against a real server.
//
// Prerequisites:
//   - MySQL server reachable.
//   - TEST_MYSQL_DSN set, e.g. "user:password@tcp(127.0.0.1:3306)/hive_test?parseTime=true".
//
// Skipped when TEST_MYSQL_DSN is unset.
func TestMySQLStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set, skipping MySQL integration test")
	}

	ctx := context.Background()
	s, err := store.NewMySQLStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	testCheckpointStoreContract(t, s)
}
