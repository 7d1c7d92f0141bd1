package store_test

import (
	"context"
	"testing"

	"github.com/hiverun/hive/graph/store"
)

func TestNewMySQLStoreRejectsUnreachableDSN(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	if _, err := store.NewMySQLStore(ctx, "bogus:bogus@tcp(127.0.0.1:1)/nope"); err == nil {
		t.Fatal("expected error connecting to an unreachable MySQL DSN")
	}
}
