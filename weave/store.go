package weave

import (
	"encoding/json"
	"sort"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// a replicated document is a set of independently merged named regions.
// map regions are last-writer-wins per key. the history region is an
// append-only ordered list. last-writer-wins is insufficient for mutual
// exclusion, which is why the `LockManager` exists on top of the locks
// region.

type Region string

const (
	RegionGraph     Region = "graph"
	RegionSelection Region = "selection"
	RegionLocks     Region = "locks"
	RegionHistory   Region = "history"
	RegionInspector Region = "inspector"
	RegionShader    Region = "shader"
	RegionTimeline  Region = "timeline"
)

type RegionEvent struct {
	Region   Region
	Key      string
	Value    any
	Deleted  bool
	ClientId Id
}

type ObserveFunction func(event RegionEvent)

// the replicated store contract consumed by every coordinator in this
// package. `MemoryStore` is the in-process implementation; `RelayStore`
// replicates one across processes. any conflict-free replicated backend
// can be substituted.
//
// any Set or Delete triggers all active observers for that region,
// including the caller's own.
type ReplicatedStore interface {
	ClientId() Id

	Get(region Region, key string) (any, bool)
	Set(region Region, key string, value any)
	Delete(region Region, key string)
	Keys(region Region) []string
	// the returned function unsubscribes
	Observe(region Region, callback ObserveFunction) func()

	// ordered list primitives
	Append(region Region, entries ...any)
	List(region Region) []any
	DeleteRange(region Region, start int, count int)

	Announce(state PresenceState)
	Peers() map[Id]PresenceState
	ObservePresence(callback PresenceFunction) func()

	Close()
}

// converts a stored value to T. values written locally keep their
// concrete type; values that crossed a relay arrive as decoded JSON, so
// fall back to a marshal round trip.
func CoerceValue[T any](value any) (T, bool) {
	var empty T
	if value == nil {
		return empty, false
	}
	if typed, ok := value.(T); ok {
		return typed, true
	}
	b, err := json.Marshal(value)
	if err != nil {
		return empty, false
	}
	var typed T
	if err := json.Unmarshal(b, &typed); err != nil {
		return empty, false
	}
	return typed, true
}

// state shared by all attached clients of one in-process document
type memoryState struct {
	mutex             sync.Mutex
	regions           map[Region]map[string]any
	lists             map[Region][]any
	observers         map[Region]*CallbackList[ObserveFunction]
	peers             map[Id]PresenceState
	presenceObservers *CallbackList[PresenceFunction]
}

func newMemoryState() *memoryState {
	return &memoryState{
		regions:           map[Region]map[string]any{},
		lists:             map[Region][]any{},
		observers:         map[Region]*CallbackList[ObserveFunction]{},
		peers:             map[Id]PresenceState{},
		presenceObservers: NewCallbackList[PresenceFunction](),
	}
}

func (self *memoryState) observerList(region Region) *CallbackList[ObserveFunction] {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	observers, ok := self.observers[region]
	if !ok {
		observers = NewCallbackList[ObserveFunction]()
		self.observers[region] = observers
	}
	return observers
}

func (self *memoryState) notify(event RegionEvent) {
	for _, callback := range self.observerList(event.Region).Get() {
		func() {
			defer recover()
			callback(event)
		}()
	}
}

func (self *memoryState) notifyPresence(event PresenceEvent) {
	for _, callback := range self.presenceObservers.Get() {
		func() {
			defer recover()
			callback(event)
		}()
	}
}

// one client's view of an in-process replicated document. `Attach`
// creates additional views with their own client ids that share the same
// regions, which mirrors multiple connections to one document.
type MemoryStore struct {
	clientId Id
	state    *memoryState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clientId: NewId(),
		state:    newMemoryState(),
	}
}

// a new client view over the same shared document
func (self *MemoryStore) Attach() *MemoryStore {
	return &MemoryStore{
		clientId: NewId(),
		state:    self.state,
	}
}

func (self *MemoryStore) ClientId() Id {
	return self.clientId
}

func (self *MemoryStore) Get(region Region, key string) (any, bool) {
	self.state.mutex.Lock()
	defer self.state.mutex.Unlock()

	entries, ok := self.state.regions[region]
	if !ok {
		return nil, false
	}
	value, ok := entries[key]
	return value, ok
}

func (self *MemoryStore) Set(region Region, key string, value any) {
	self.setAs(self.clientId, region, key, value)
}

func (self *MemoryStore) setAs(clientId Id, region Region, key string, value any) {
	self.state.mutex.Lock()
	entries, ok := self.state.regions[region]
	if !ok {
		entries = map[string]any{}
		self.state.regions[region] = entries
	}
	entries[key] = value
	self.state.mutex.Unlock()

	self.state.notify(RegionEvent{
		Region:   region,
		Key:      key,
		Value:    value,
		ClientId: clientId,
	})
}

func (self *MemoryStore) Delete(region Region, key string) {
	self.deleteAs(self.clientId, region, key)
}

func (self *MemoryStore) deleteAs(clientId Id, region Region, key string) {
	self.state.mutex.Lock()
	entries, ok := self.state.regions[region]
	if ok {
		_, ok = entries[key]
		delete(entries, key)
	}
	self.state.mutex.Unlock()

	if !ok {
		// deleting a missing key is a silent no-op
		return
	}
	self.state.notify(RegionEvent{
		Region:   region,
		Key:      key,
		Deleted:  true,
		ClientId: clientId,
	})
}

func (self *MemoryStore) Keys(region Region) []string {
	self.state.mutex.Lock()
	defer self.state.mutex.Unlock()

	entries, ok := self.state.regions[region]
	if !ok {
		return []string{}
	}
	keys := maps.Keys(entries)
	sort.Strings(keys)
	return keys
}

func (self *MemoryStore) Observe(region Region, callback ObserveFunction) func() {
	return self.state.observerList(region).Add(callback)
}

func (self *MemoryStore) Append(region Region, entries ...any) {
	self.appendAs(self.clientId, region, entries...)
}

func (self *MemoryStore) appendAs(clientId Id, region Region, entries ...any) {
	self.state.mutex.Lock()
	self.state.lists[region] = append(self.state.lists[region], entries...)
	self.state.mutex.Unlock()

	for _, entry := range entries {
		self.state.notify(RegionEvent{
			Region:   region,
			Value:    entry,
			ClientId: clientId,
		})
	}
}

func (self *MemoryStore) List(region Region) []any {
	self.state.mutex.Lock()
	defer self.state.mutex.Unlock()
	return slices.Clone(self.state.lists[region])
}

func (self *MemoryStore) DeleteRange(region Region, start int, count int) {
	self.state.mutex.Lock()
	defer self.state.mutex.Unlock()

	list := self.state.lists[region]
	if start < 0 || len(list) < start {
		return
	}
	end := start + count
	if len(list) < end {
		end = len(list)
	}
	self.state.lists[region] = slices.Delete(slices.Clone(list), start, end)
}

func (self *MemoryStore) Announce(state PresenceState) {
	self.setPeer(self.clientId, state)
}

func (self *MemoryStore) setPeer(clientId Id, state PresenceState) {
	self.state.mutex.Lock()
	self.state.peers[clientId] = state
	self.state.mutex.Unlock()

	self.state.notifyPresence(PresenceEvent{
		ClientId: clientId,
		State:    state,
	})
}

func (self *MemoryStore) removePeer(clientId Id) {
	self.state.mutex.Lock()
	_, ok := self.state.peers[clientId]
	delete(self.state.peers, clientId)
	self.state.mutex.Unlock()

	if ok {
		self.state.notifyPresence(PresenceEvent{
			ClientId: clientId,
			Left:     true,
		})
	}
}

func (self *MemoryStore) Peers() map[Id]PresenceState {
	self.state.mutex.Lock()
	defer self.state.mutex.Unlock()
	peers := map[Id]PresenceState{}
	maps.Copy(peers, self.state.peers)
	return peers
}

func (self *MemoryStore) ObservePresence(callback PresenceFunction) func() {
	return self.state.presenceObservers.Add(callback)
}

// releases this client's presence entry. the shared document outlives
// any one client view.
func (self *MemoryStore) Close() {
	self.removePeer(self.clientId)
}
