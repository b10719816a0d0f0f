package outcomes

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"taskforge/internal"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testRecord(task string, state internal.State) internal.OutcomeRecord {
	return internal.OutcomeRecord{
		ID:       ulid.Make().String(),
		Graph:    "g1",
		Task:     task,
		Tool:     "run_command",
		Attempts: 2,
		Duration: 1500 * time.Millisecond,
		Usage: internal.Usage{
			CPU:        200 * time.Millisecond,
			PeakMemory: 4096,
			Elapsed:    time.Second,
		},
		FinalState: state,
		Reason:     "ExecutionTimeout",
	}
}

func TestStore(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "db", "outcomes.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	want := testRecord("a", internal.StateFailed)
	if err := store.Insert(ctx, want); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(ctx, testRecord("b", internal.StateBlocked)); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(ctx, want); err == nil {
		t.Fatal("duplicate id accepted")
	}

	records, err := store.List(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d", len(records))
	}
	if records[0] != want {
		t.Fatalf("got %+v", records[0])
	}
	if records[1].FinalState != internal.StateBlocked {
		t.Fatalf("got %+v", records[1])
	}

	records, err = store.List(ctx, "other")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("got %d", len(records))
	}
}

func TestSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.db")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	sink := NewSink(store, 16, testLogger)
	for _, task := range []string{"a", "b", "c"} {
		sink.Emit(testRecord(task, internal.StateSucceeded))
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	sink.Emit(testRecord("late", internal.StateSucceeded))
	if sink.Dropped() != 1 {
		t.Fatalf("got %d", sink.Dropped())
	}
	// the sink owns the store
	if _, err := store.List(context.Background(), "g1"); err == nil {
		t.Fatal("store still open after sink close")
	}

	store, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	records, err := store.List(context.Background(), "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d", len(records))
	}
}
