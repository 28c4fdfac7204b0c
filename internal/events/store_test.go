package events

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "events")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	return NewStore(root), root
}

func TestAppendAndRead(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Append(Event{Type: SessionCreated, Session: "s-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(Event{
		Type:    StateTransition,
		Session: "s-1",
		Fields:  map[string]any{"from": "waiting_for_onload", "to": "closing"},
	}); err != nil {
		t.Fatal(err)
	}

	events, err := store.Read("s-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != SessionCreated || events[1].Type != StateTransition {
		t.Fatalf("unexpected order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[1].Fields["to"] != "closing" {
		t.Fatalf("fields not preserved: %#v", events[1].Fields)
	}
	if events[0].Time.IsZero() {
		t.Fatal("time should default to now")
	}
}

func TestRecordIDsAreOrdered(t *testing.T) {
	store, _ := newTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := store.Append(Event{Type: RenderTiming, Session: "s-ord"}); err != nil {
			t.Fatal(err)
		}
	}
	records, err := store.ReadRecords("s-ord")
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].ID >= records[i].ID {
			t.Fatalf("ids not increasing: %s then %s", records[i-1].ID, records[i].ID)
		}
	}
}

func TestConcurrentAppend(t *testing.T) {
	store, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_, _ = store.Append(Event{Type: RenderTiming, Session: "s-2", Fields: map[string]any{"seq": v}})
		}(i)
	}
	wg.Wait()

	events, err := store.Read("s-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 50 {
		t.Fatalf("expected 50 events, got %d", len(events))
	}
}

func TestUnknownSessionIsEmpty(t *testing.T) {
	store, _ := newTestStore(t)
	records, err := store.ReadRecords("missing")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestAppendRejectsEmptySession(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Append(Event{Type: SessionCreated}); err != ErrEmptySession {
		t.Fatalf("expected ErrEmptySession, got %v", err)
	}
}

func TestSessionIDIsSanitized(t *testing.T) {
	store, root := newTestStore(t)
	if _, err := store.Append(Event{Type: SessionCreated, Session: "../escape"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, ".._escape.jsonl")); err != nil {
		t.Fatalf("expected sanitized file inside root: %v", err)
	}
	ids, err := store.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != ".._escape" {
		t.Fatalf("unexpected sessions: %v", ids)
	}
}

func TestMalformedLineIsAnError(t *testing.T) {
	store, root := newTestStore(t)
	if err := os.WriteFile(filepath.Join(root, "bad.jsonl"), []byte("not a record\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ReadRecords("bad"); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestPruneKeepsNewestSessions(t *testing.T) {
	store, root := newTestStore(t)
	for _, id := range []string{"01A", "01B", "01C", "01D"} {
		if _, err := store.Append(Event{Type: SessionCreated, Session: id}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := store.Prune(2)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	ids, err := store.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "01C" || ids[1] != "01D" {
		t.Fatalf("unexpected sessions after prune: %v", ids)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected only 2 log files left (no lock dirs), got %d", len(entries))
	}

	removed, err = store.Prune(5)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing removed, got %d", removed)
	}
}

func TestCleanup(t *testing.T) {
	store, root := newTestStore(t)
	if _, err := store.Append(Event{Type: SessionClosed, Session: "s-4"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Cleanup(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(root); err == nil {
		t.Fatal("root should be removed")
	}
}
