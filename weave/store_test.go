package weave

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMemoryStoreRegions(t *testing.T) {
	store := NewMemoryStore()

	_, ok := store.Get(RegionGraph, "id")
	assert.Equal(t, false, ok)

	store.Set(RegionGraph, "id", "graph-1")
	store.Set(RegionGraph, "name", "main")

	value, ok := store.Get(RegionGraph, "id")
	assert.Equal(t, true, ok)
	assert.Equal(t, "graph-1", value)

	assert.Equal(t, []string{"id", "name"}, store.Keys(RegionGraph))

	// regions are independent
	_, ok = store.Get(RegionSelection, "id")
	assert.Equal(t, false, ok)

	store.Delete(RegionGraph, "id")
	_, ok = store.Get(RegionGraph, "id")
	assert.Equal(t, false, ok)
	assert.Equal(t, []string{"name"}, store.Keys(RegionGraph))
}

func TestMemoryStoreObservers(t *testing.T) {
	store := NewMemoryStore()

	events := []RegionEvent{}
	unsub := store.Observe(RegionGraph, func(event RegionEvent) {
		events = append(events, event)
	})

	// the caller's own writes notify too
	store.Set(RegionGraph, "id", "graph-1")
	assert.Equal(t, 1, len(events))
	assert.Equal(t, "id", events[0].Key)
	assert.Equal(t, store.ClientId(), events[0].ClientId)

	// other regions do not notify this observer
	store.Set(RegionSelection, "active", "node-1")
	assert.Equal(t, 1, len(events))

	store.Delete(RegionGraph, "id")
	assert.Equal(t, 2, len(events))
	assert.Equal(t, true, events[1].Deleted)

	// deleting a missing key is a silent no-op
	store.Delete(RegionGraph, "id")
	assert.Equal(t, 2, len(events))

	unsub()
	store.Set(RegionGraph, "id", "graph-2")
	assert.Equal(t, 2, len(events))
}

func TestMemoryStoreList(t *testing.T) {
	store := NewMemoryStore()

	assert.Equal(t, 0, len(store.List(RegionHistory)))

	store.Append(RegionHistory, "a", "b", "c", "d")
	assert.Equal(t, []any{"a", "b", "c", "d"}, store.List(RegionHistory))

	store.DeleteRange(RegionHistory, 1, 2)
	assert.Equal(t, []any{"a", "d"}, store.List(RegionHistory))

	// out of range is clamped
	store.DeleteRange(RegionHistory, 1, 100)
	assert.Equal(t, []any{"a"}, store.List(RegionHistory))
	store.DeleteRange(RegionHistory, 5, 1)
	assert.Equal(t, []any{"a"}, store.List(RegionHistory))
}

func TestMemoryStoreAttach(t *testing.T) {
	storeA := NewMemoryStore()
	storeB := storeA.Attach()

	assert.NotEqual(t, storeA.ClientId(), storeB.ClientId())

	// attached views share the same document
	storeA.Set(RegionGraph, "id", "graph-1")
	value, ok := storeB.Get(RegionGraph, "id")
	assert.Equal(t, true, ok)
	assert.Equal(t, "graph-1", value)

	// observers see writes from any attached view, attributed to the
	// writing client
	events := []RegionEvent{}
	storeA.Observe(RegionGraph, func(event RegionEvent) {
		events = append(events, event)
	})
	storeB.Set(RegionGraph, "name", "main")
	assert.Equal(t, 1, len(events))
	assert.Equal(t, storeB.ClientId(), events[0].ClientId)
}

func TestMemoryStorePresence(t *testing.T) {
	storeA := NewMemoryStore()
	storeB := storeA.Attach()

	events := []PresenceEvent{}
	storeB.ObservePresence(func(event PresenceEvent) {
		events = append(events, event)
	})

	storeA.Set(RegionGraph, "id", "graph-1")
	storeA.Announce(PresenceState{
		DisplayName: "ada",
		Color:       "#ff0055",
	})
	storeB.Announce(PresenceState{
		DisplayName: "lin",
		Color:       "#00ffaa",
	})

	peers := storeB.Peers()
	assert.Equal(t, 2, len(peers))
	assert.Equal(t, "ada", peers[storeA.ClientId()].DisplayName)
	assert.Equal(t, 2, len(events))

	// close releases the presence entry only
	storeA.Close()
	peers = storeB.Peers()
	assert.Equal(t, 1, len(peers))
	assert.Equal(t, 3, len(events))
	assert.Equal(t, true, events[2].Left)
	assert.Equal(t, storeA.ClientId(), events[2].ClientId)

	// the shared document outlives the departed client
	_, ok := storeB.Get(RegionGraph, "id")
	assert.Equal(t, true, ok)
}

func TestCoerceValue(t *testing.T) {
	// a locally stored concrete value round trips by assertion
	node := Node{
		Id:   "node-1",
		Type: "add",
		X:    10,
		Y:    20,
	}
	coerced, ok := CoerceValue[Node](node)
	assert.Equal(t, true, ok)
	assert.Equal(t, node, coerced)

	// a relay-delivered value arrives as decoded JSON
	decoded := map[string]any{
		"id":   "node-1",
		"type": "add",
		"x":    10.0,
		"y":    20.0,
	}
	coerced, ok = CoerceValue[Node](decoded)
	assert.Equal(t, true, ok)
	assert.Equal(t, node, coerced)

	_, ok = CoerceValue[Node](nil)
	assert.Equal(t, false, ok)

	// numbers decode into millis
	millis, ok := CoerceValue[Millis](float64(1234))
	assert.Equal(t, true, ok)
	assert.Equal(t, Millis(1234), millis)
}
