package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"kb-health-agent/pkg/config"
	"kb-health-agent/pkg/database"
)

// NewTestConfig returns the default configuration with the database placed
// in a per-test temporary directory
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "health.db")
	return cfg
}

// NewTestDB opens the database described by cfg and closes it when the test ends
func NewTestDB(t *testing.T, cfg *config.Config) *database.Database {
	t.Helper()
	db, err := database.New(&database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		BusyTimeout:     cfg.Database.BusyTimeout,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// AssertEventReceived asserts that an event is received on a channel within timeout
func AssertEventReceived[T any](t *testing.T, ch <-chan T, timeout time.Duration, msgAndArgs ...interface{}) T {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(timeout):
		t.Fatalf("Expected event not received within %v: %v", timeout, msgAndArgs)
		return *new(T)
	}
}

// AssertNoEventReceived asserts that no event is received on a channel within timeout
func AssertNoEventReceived[T any](t *testing.T, ch <-chan T, timeout time.Duration, msgAndArgs ...interface{}) {
	t.Helper()
	select {
	case event := <-ch:
		t.Fatalf("Unexpected event received: %+v, %v", event, msgAndArgs)
	case <-time.After(timeout):
	}
}

// Eventually polls cond until it holds or timeout expires
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v: %s", timeout, msg)
}
