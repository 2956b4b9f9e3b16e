package weave

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// reads the history region, normalizes ordering, and can replay entries
// by re-invoking the same mutation entry points at a configurable pace.

const (
	ActionNodeAdd         = "node:add"
	ActionNodeUpdate      = "node:update"
	ActionNodeRemove      = "node:remove"
	ActionConnAdd         = "conn:add"
	ActionConnRemove      = "conn:remove"
	ActionSelectionChange = "selection:change"
	ActionSelectionClear  = "selection:clear"
)

// never mutated, only appended or bulk-replaced. this exact shape is the
// export/import wire format.
type HistoryEntry struct {
	Timestamp Millis          `json:"timestamp"`
	UserId    Id              `json:"userId"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func appendHistory(store ReplicatedStore, action string, payload any) {
	entry := HistoryEntry{
		Timestamp: NowMillis(),
		UserId:    store.ClientId(),
		Action:    action,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			glog.Warningf("[history]drop payload for %s: %s\n", action, err)
		} else {
			entry.Payload = b
		}
	}
	store.Append(RegionHistory, entry)
}

type playbackState string

const (
	playbackIdle    playbackState = "idle"
	playbackPlaying playbackState = "playing"
)

type PlaybackProgress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
	// entries whose resources were contended at replay time and were
	// silently dropped by the gated mutation call
	Skipped int `json:"skipped"`
}

type History struct {
	store     ReplicatedStore
	graph     *GraphSync
	selection *SelectionSync

	mutex      sync.Mutex
	state      playbackState
	entries    []HistoryEntry
	position   int
	skipped    int
	speed      float64
	stepTimer  *time.Timer
	onComplete func()
}

func NewHistory(store ReplicatedStore, graph *GraphSync, selection *SelectionSync) *History {
	return &History{
		store:     store,
		graph:     graph,
		selection: selection,
		state:     playbackIdle,
	}
}

// the history region re-sorted ascending by timestamp. concurrent
// appends can arrive out of causal order, and under clock skew the
// sorted order can still misrepresent true causal order.
func (self *History) Entries() []HistoryEntry {
	entries := []HistoryEntry{}
	for _, value := range self.store.List(RegionHistory) {
		if entry, ok := CoerceValue[HistoryEntry](value); ok {
			entries = append(entries, entry)
		}
	}
	slices.SortStableFunc(entries, func(a HistoryEntry, b HistoryEntry) int {
		if a.Timestamp < b.Timestamp {
			return -1
		} else if b.Timestamp < a.Timestamp {
			return 1
		} else {
			return 0
		}
	})
	return entries
}

// walks the sorted history sequentially, re-invoking the live mutation
// entry points, pacing each step by the timestamp gap divided by speed.
// because the real, lock-gated mutation calls are used, an entry whose
// resource is held by a live collaborator is skipped, not replayed.
// returns false if a playback is already running.
func (self *History) StartPlayback(speed float64, onComplete func()) bool {
	if speed <= 0 {
		speed = 1
	}

	self.mutex.Lock()
	if self.state != playbackIdle {
		self.mutex.Unlock()
		return false
	}
	self.state = playbackPlaying
	self.entries = self.Entries()
	self.position = 0
	self.skipped = 0
	self.speed = speed
	self.onComplete = onComplete
	self.mutex.Unlock()

	glog.V(1).Infof("[history]playback start entries = %d speed = %.2f\n", len(self.entries), speed)
	self.scheduleStep(0)
	return true
}

// cancels the pending step timer and returns to idle
func (self *History) StopPlayback() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.state != playbackPlaying {
		return
	}
	if self.stepTimer != nil {
		self.stepTimer.Stop()
		self.stepTimer = nil
	}
	self.state = playbackIdle
	glog.V(1).Infof("[history]playback stop at %d/%d\n", self.position, len(self.entries))
}

func (self *History) Progress() PlaybackProgress {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return PlaybackProgress{
		Current: self.position,
		Total:   len(self.entries),
		Skipped: self.skipped,
	}
}

func (self *History) scheduleStep(delay time.Duration) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state != playbackPlaying {
		return
	}
	self.stepTimer = time.AfterFunc(delay, self.step)
}

func (self *History) step() {
	self.mutex.Lock()
	if self.state != playbackPlaying {
		self.mutex.Unlock()
		return
	}
	if len(self.entries) <= self.position {
		onComplete := self.onComplete
		self.state = playbackIdle
		self.stepTimer = nil
		self.mutex.Unlock()
		glog.V(1).Infof("[history]playback complete\n")
		if onComplete != nil {
			onComplete()
		}
		return
	}
	entry := self.entries[self.position]
	self.position += 1
	var next *HistoryEntry
	if self.position < len(self.entries) {
		next = &self.entries[self.position]
	}
	speed := self.speed
	self.mutex.Unlock()

	if !self.apply(entry) {
		self.mutex.Lock()
		self.skipped += 1
		self.mutex.Unlock()
	}

	delay := time.Duration(0)
	if next != nil {
		gap := next.Timestamp - entry.Timestamp
		if 0 < gap {
			delay = time.Duration(float64(gap)/speed) * time.Millisecond
		}
	}
	self.scheduleStep(delay)
}

// re-invokes the mutation implied by the action. unknown actions are
// ignored and do not count as skips.
func (self *History) apply(entry HistoryEntry) bool {
	switch entry.Action {
	case ActionNodeAdd:
		var node Node
		if err := json.Unmarshal(entry.Payload, &node); err != nil {
			return true
		}
		return self.graph.AddNode(node)
	case ActionNodeUpdate:
		var payload nodeUpdatePayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return true
		}
		return self.graph.UpdateNode(payload.Id, payload.Patch)
	case ActionNodeRemove:
		var payload nodeRemovePayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return true
		}
		return self.graph.RemoveNode(payload.Id)
	case ActionConnAdd:
		var conn Connection
		if err := json.Unmarshal(entry.Payload, &conn); err != nil {
			return true
		}
		return self.graph.AddConnection(conn)
	case ActionConnRemove:
		var payload connRemovePayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return true
		}
		return self.graph.RemoveConnection(payload.Id)
	case ActionSelectionChange:
		var payload selectionPayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return true
		}
		self.selection.Select(payload.Id)
		return true
	case ActionSelectionClear:
		self.selection.ClearSelection()
		return true
	default:
		return true
	}
}

// serializes the sorted history as JSON
func (self *History) Export() ([]byte, error) {
	return json.Marshal(self.Entries())
}

// replaces the entire history with the parsed list. the input is parsed
// and validated before anything is deleted, so a malformed import leaves
// the existing history intact.
func (self *History) Load(data []byte) error {
	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	self.store.DeleteRange(RegionHistory, 0, len(self.store.List(RegionHistory)))
	values := make([]any, len(entries))
	for i, entry := range entries {
		values[i] = entry
	}
	self.store.Append(RegionHistory, values...)
	glog.V(1).Infof("[history]load entries = %d\n", len(entries))
	return nil
}
