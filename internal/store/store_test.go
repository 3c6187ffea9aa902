package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs the history store against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// testcontainers panics when the Docker socket is missing; turn that into a skip.
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("deepscan_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// --- Test Scenarios ---

	if err := s.AddEntry(ctx, "Video Analysis", "Analysis Started", "clip.mp4"); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}
	if err := s.AddEntry(ctx, "Video Analysis", "Video: FAKE, Audio: REAL", "clip.mp4"); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}
	if err := s.AddEntry(ctx, "Deepfake Image", "REAL", "face.png (12.00%)"); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}

	all, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(all))
	}
	if all[0].Result != "REAL" {
		t.Errorf("Expected newest entry first, got %q", all[0].Result)
	}

	clip, err := s.List(ctx, "clip.mp4", 10)
	if err != nil {
		t.Fatalf("List by source failed: %v", err)
	}
	if len(clip) != 2 {
		t.Fatalf("Expected 2 entries for clip.mp4, got %d", len(clip))
	}
	if clip[0].Result != "Video: FAKE, Audio: REAL" || clip[1].Result != "Analysis Started" {
		t.Errorf("Unexpected order: %q, %q", clip[0].Result, clip[1].Result)
	}

	limited, err := s.List(ctx, "", 1)
	if err != nil {
		t.Fatalf("List with limit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 entry with limit 1, got %d", len(limited))
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.List(ctx, "", 0); err == nil {
		t.Errorf("Expected listing a dropped table to fail")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
