// cmd/work_test.go
package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aceteam-ai/tally/internal/usage"
)

func TestRunSyncerStopWaitsForFinalFlush(t *testing.T) {
	store, err := usage.OpenStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	conn := &recordingConn{}
	syncer := usage.NewSyncer(usage.SyncerConfig{
		Store:     store,
		PublishFn: usagePublisher(conn, "tally_usage"),
		Interval:  time.Hour,
	})

	closed := false
	stop := runSyncer(context.Background(), syncer, func() error {
		closed = true
		return nil
	}, zerolog.Nop())

	now := time.Now().UTC()
	rec := usage.AttemptRecord{TaskID: "T1", Pipeline: "ocr", Status: usage.StatusSuccess, StartedAt: now, CompletedAt: now}
	if err := store.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	stop()
	if !closed {
		t.Error("broker connection still open after stop returned")
	}
	if conn.queue != "tally_usage" {
		t.Errorf("final flush published to %q, want tally_usage", conn.queue)
	}

	// The syncer is done with the store.
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
