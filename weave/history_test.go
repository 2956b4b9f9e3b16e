package weave

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestHistory() (*MemoryStore, *LockManager, *History) {
	store := NewMemoryStore()
	locks := NewLockManagerWithDefaults(store)
	graph := NewGraphSync(store, locks)
	selection := NewSelectionSync(store)
	return store, locks, NewHistory(store, graph, selection)
}

func historyJson(t *testing.T, entries []HistoryEntry) []byte {
	b, err := json.Marshal(entries)
	assert.Equal(t, nil, err)
	return b
}

func addEntry(timestamp Millis, action string, payload any) HistoryEntry {
	entry := HistoryEntry{
		Timestamp: timestamp,
		Action:    action,
	}
	if payload != nil {
		entry.Payload, _ = json.Marshal(payload)
	}
	return entry
}

func TestHistoryOrdering(t *testing.T) {
	_, locks, history := newTestHistory()
	defer locks.Close()

	err := history.Load(historyJson(t, []HistoryEntry{
		addEntry(5, ActionNodeAdd, Node{Id: "node-c"}),
		addEntry(1, ActionNodeAdd, Node{Id: "node-a"}),
		addEntry(3, ActionNodeAdd, Node{Id: "node-b"}),
	}))
	assert.Equal(t, nil, err)

	entries := history.Entries()
	assert.Equal(t, 3, len(entries))
	assert.Equal(t, Millis(1), entries[0].Timestamp)
	assert.Equal(t, Millis(3), entries[1].Timestamp)
	assert.Equal(t, Millis(5), entries[2].Timestamp)
}

func TestHistoryExportLoadRoundTrip(t *testing.T) {
	_, locksA, historyA := newTestHistory()
	defer locksA.Close()

	historyA.Load(historyJson(t, []HistoryEntry{
		addEntry(1, ActionNodeAdd, Node{Id: "node-1", Type: "add"}),
		addEntry(2, ActionConnAdd, Connection{Id: "conn-1", FromNode: "node-1", ToNode: "node-1"}),
		addEntry(3, ActionSelectionClear, nil),
	}))

	exported, err := historyA.Export()
	assert.Equal(t, nil, err)

	_, locksB, historyB := newTestHistory()
	defer locksB.Close()

	err = historyB.Load(exported)
	assert.Equal(t, nil, err)
	assert.Equal(t, historyA.Entries(), historyB.Entries())
}

func TestHistoryLoadInvalid(t *testing.T) {
	_, locks, history := newTestHistory()
	defer locks.Close()

	history.Load(historyJson(t, []HistoryEntry{
		addEntry(1, ActionNodeAdd, Node{Id: "node-1"}),
	}))

	// a malformed import fails before any existing entry is touched
	err := history.Load([]byte("{not json"))
	assert.NotEqual(t, nil, err)
	assert.Equal(t, 1, len(history.Entries()))
}

func TestHistoryPlayback(t *testing.T) {
	store, locks, history := newTestHistory()
	defer locks.Close()

	name := "sum"
	history.Load(historyJson(t, []HistoryEntry{
		addEntry(1, ActionNodeAdd, Node{Id: "node-1", Type: "add"}),
		addEntry(2, ActionNodeAdd, Node{Id: "node-2", Type: "mul"}),
		addEntry(3, ActionConnAdd, Connection{Id: "conn-1", FromNode: "node-1", ToNode: "node-2"}),
		addEntry(4, ActionNodeUpdate, nodeUpdatePayload{Id: "node-1", Patch: NodePatch{Name: &name}}),
		addEntry(5, ActionSelectionChange, selectionPayload{Id: "node-2"}),
	}))

	done := make(chan struct{})
	assert.Equal(t, true, history.StartPlayback(100, func() {
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("playback did not complete")
	}

	locksB := NewLockManagerWithDefaults(store.Attach())
	defer locksB.Close()
	graph := NewGraphSync(store, locksB).Snapshot()
	assert.Equal(t, 2, len(graph.Nodes))
	assert.Equal(t, "sum", graph.Nodes["node-1"].Name)
	assert.Equal(t, 1, len(graph.Connections))

	object, ok := NewSelectionSync(store).SelectedObject()
	assert.Equal(t, true, ok)
	assert.Equal(t, "node-2", object)

	progress := history.Progress()
	assert.Equal(t, 5, progress.Current)
	assert.Equal(t, 5, progress.Total)
	assert.Equal(t, 0, progress.Skipped)
}

func TestHistoryPlaybackSkipsContended(t *testing.T) {
	store, locks, history := newTestHistory()
	defer locks.Close()

	// another client holds node-2 during the replay
	locksB := NewLockManagerWithDefaults(store.Attach())
	defer locksB.Close()
	locksB.LockSoft("node-2")

	history.Load(historyJson(t, []HistoryEntry{
		addEntry(1, ActionNodeAdd, Node{Id: "node-1", Type: "add"}),
		addEntry(2, ActionNodeAdd, Node{Id: "node-2", Type: "mul"}),
	}))

	done := make(chan struct{})
	history.StartPlayback(100, func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("playback did not complete")
	}

	assert.Equal(t, 1, history.Progress().Skipped)

	graph := NewGraphSync(store, locks).Snapshot()
	assert.Equal(t, 1, len(graph.Nodes))
}

func TestHistoryPlaybackExclusive(t *testing.T) {
	_, locks, history := newTestHistory()
	defer locks.Close()

	// a long gap keeps the first playback live
	history.Load(historyJson(t, []HistoryEntry{
		addEntry(0, ActionNodeAdd, Node{Id: "node-1"}),
		addEntry(60_000, ActionNodeAdd, Node{Id: "node-2"}),
	}))

	assert.Equal(t, true, history.StartPlayback(1, nil))
	assert.Equal(t, false, history.StartPlayback(1, nil))

	history.StopPlayback()
	assert.Equal(t, true, history.StartPlayback(1, nil))
	history.StopPlayback()
}
