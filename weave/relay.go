package weave

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// replicates a `MemoryStore` across processes through a relay. local
// mutations are forwarded as JSON frames; remote frames are applied with
// last-writer-wins by wall-clock timestamp per key. the wire encoding is
// the same JSON the export/import path uses.

const (
	relayFrameHello    = "hello"
	relayFrameOp       = "op"
	relayFramePresence = "presence"
	relayFrameLeave    = "leave"
)

const (
	relayOpSet         = "set"
	relayOpDelete      = "delete"
	relayOpAppend      = "append"
	relayOpDeleteRange = "deleteRange"
)

type relayFrame struct {
	Type      string          `json:"type"`
	ClientId  Id              `json:"clientId"`
	Region    Region          `json:"region,omitempty"`
	Key       string          `json:"key,omitempty"`
	Op        string          `json:"op,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Start     int             `json:"start,omitempty"`
	Count     int             `json:"count,omitempty"`
	Timestamp Millis          `json:"timestamp,omitempty"`
	Presence  *PresenceState  `json:"presence,omitempty"`
}

type RelayStoreSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultRelayStoreSettings() *RelayStoreSettings {
	return &RelayStoreSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
	}
}

// a `ReplicatedStore` backed by a relay connection. there is no resync
// on disconnect: when `Done` closes, discard the store and connect a
// fresh one.
type RelayStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	local    *MemoryStore
	settings *RelayStoreSettings

	ws   *websocket.Conn
	send chan relayFrame

	// per-key timestamp of the latest applied write, for
	// last-writer-wins arbitration of remote frames
	versionMutex sync.Mutex
	versions     map[Region]map[string]Millis

	done      chan struct{}
	closeOnce sync.Once
}

func NewRelayStoreWithDefaults(ctx context.Context, relayUrl string, byJwt string) (*RelayStore, error) {
	return NewRelayStore(ctx, relayUrl, byJwt, DefaultRelayStoreSettings())
}

func NewRelayStore(ctx context.Context, relayUrl string, byJwt string, settings *RelayStoreSettings) (*RelayStore, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	if byJwt != "" {
		relayUrl = relayUrl + "?auth=" + byJwt
	}
	ws, _, err := dialer.DialContext(cancelCtx, relayUrl, nil)
	if err != nil {
		cancel()
		return nil, err
	}

	relayStore := &RelayStore{
		ctx:      cancelCtx,
		cancel:   cancel,
		local:    NewMemoryStore(),
		settings: settings,
		ws:       ws,
		send:     make(chan relayFrame, settings.SendBufferSize),
		versions: map[Region]map[string]Millis{},
		done:     make(chan struct{}),
	}

	relayStore.send <- relayFrame{
		Type:     relayFrameHello,
		ClientId: relayStore.local.ClientId(),
	}

	go relayStore.writeLoop()
	go relayStore.readLoop()

	return relayStore, nil
}

// closed when the relay connection is gone
func (self *RelayStore) Done() <-chan struct{} {
	return self.done
}

func (self *RelayStore) ClientId() Id {
	return self.local.ClientId()
}

func (self *RelayStore) Get(region Region, key string) (any, bool) {
	return self.local.Get(region, key)
}

func (self *RelayStore) Set(region Region, key string, value any) {
	timestamp := NowMillis()
	self.recordVersion(region, key, timestamp)
	self.local.Set(region, key, value)
	self.forward(relayFrame{
		Type:      relayFrameOp,
		ClientId:  self.local.ClientId(),
		Region:    region,
		Key:       key,
		Op:        relayOpSet,
		Value:     mustJson(value),
		Timestamp: timestamp,
	})
}

func (self *RelayStore) Delete(region Region, key string) {
	timestamp := NowMillis()
	self.recordVersion(region, key, timestamp)
	self.local.Delete(region, key)
	self.forward(relayFrame{
		Type:      relayFrameOp,
		ClientId:  self.local.ClientId(),
		Region:    region,
		Key:       key,
		Op:        relayOpDelete,
		Timestamp: timestamp,
	})
}

func (self *RelayStore) Keys(region Region) []string {
	return self.local.Keys(region)
}

func (self *RelayStore) Observe(region Region, callback ObserveFunction) func() {
	return self.local.Observe(region, callback)
}

func (self *RelayStore) Append(region Region, entries ...any) {
	self.local.Append(region, entries...)
	for _, entry := range entries {
		self.forward(relayFrame{
			Type:      relayFrameOp,
			ClientId:  self.local.ClientId(),
			Region:    region,
			Op:        relayOpAppend,
			Value:     mustJson(entry),
			Timestamp: NowMillis(),
		})
	}
}

func (self *RelayStore) List(region Region) []any {
	return self.local.List(region)
}

// the clear replicates as one frame so that a bulk replace (clear then
// re-append) arrives on peers in the same order it was issued
func (self *RelayStore) DeleteRange(region Region, start int, count int) {
	self.local.DeleteRange(region, start, count)
	self.forward(relayFrame{
		Type:      relayFrameOp,
		ClientId:  self.local.ClientId(),
		Region:    region,
		Op:        relayOpDeleteRange,
		Start:     start,
		Count:     count,
		Timestamp: NowMillis(),
	})
}

func (self *RelayStore) Announce(state PresenceState) {
	self.local.Announce(state)
	self.forward(relayFrame{
		Type:      relayFramePresence,
		ClientId:  self.local.ClientId(),
		Presence:  &state,
		Timestamp: NowMillis(),
	})
}

func (self *RelayStore) Peers() map[Id]PresenceState {
	return self.local.Peers()
}

func (self *RelayStore) ObservePresence(callback PresenceFunction) func() {
	return self.local.ObservePresence(callback)
}

func (self *RelayStore) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.ws.Close()
		self.local.Close()
		close(self.done)
	})
}

func (self *RelayStore) recordVersion(region Region, key string, timestamp Millis) {
	self.versionMutex.Lock()
	defer self.versionMutex.Unlock()
	keys, ok := self.versions[region]
	if !ok {
		keys = map[string]Millis{}
		self.versions[region] = keys
	}
	keys[key] = timestamp
}

// the last writer wins: a remote frame older than the latest applied
// write for the key is dropped
func (self *RelayStore) admitVersion(region Region, key string, timestamp Millis) bool {
	self.versionMutex.Lock()
	defer self.versionMutex.Unlock()
	keys, ok := self.versions[region]
	if !ok {
		keys = map[string]Millis{}
		self.versions[region] = keys
	}
	if timestamp < keys[key] {
		return false
	}
	keys[key] = timestamp
	return true
}

func (self *RelayStore) forward(frame relayFrame) {
	select {
	case self.send <- frame:
	case <-self.ctx.Done():
	}
}

func (self *RelayStore) writeLoop() {
	defer self.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case frame := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteJSON(frame); err != nil {
				glog.Infof("[relay]-> error = %s\n", err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *RelayStore) readLoop() {
	defer self.Close()

	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		var frame relayFrame
		if err := self.ws.ReadJSON(&frame); err != nil {
			glog.Infof("[relay]<- error = %s\n", err)
			return
		}
		self.applyFrame(frame)
	}
}

func (self *RelayStore) applyFrame(frame relayFrame) {
	switch frame.Type {
	case relayFrameOp:
		switch frame.Op {
		case relayOpSet:
			if !self.admitVersion(frame.Region, frame.Key, frame.Timestamp) {
				glog.V(2).Infof("[relay]drop stale set %s/%s\n", frame.Region, frame.Key)
				return
			}
			var value any
			if err := json.Unmarshal(frame.Value, &value); err != nil {
				return
			}
			self.local.setAs(frame.ClientId, frame.Region, frame.Key, value)
		case relayOpDelete:
			if !self.admitVersion(frame.Region, frame.Key, frame.Timestamp) {
				glog.V(2).Infof("[relay]drop stale delete %s/%s\n", frame.Region, frame.Key)
				return
			}
			self.local.deleteAs(frame.ClientId, frame.Region, frame.Key)
		case relayOpAppend:
			var value any
			if err := json.Unmarshal(frame.Value, &value); err != nil {
				return
			}
			self.local.appendAs(frame.ClientId, frame.Region, value)
		case relayOpDeleteRange:
			self.local.DeleteRange(frame.Region, frame.Start, frame.Count)
		}
	case relayFramePresence:
		if frame.Presence != nil {
			self.local.setPeer(frame.ClientId, *frame.Presence)
		}
	case relayFrameLeave:
		self.local.removePeer(frame.ClientId)
	}
}

func mustJson(value any) json.RawMessage {
	b, err := json.Marshal(value)
	if err != nil {
		glog.Warningf("[relay]encode error = %s\n", err)
		return json.RawMessage("null")
	}
	return b
}

var _ ReplicatedStore = (*RelayStore)(nil)
var _ ReplicatedStore = (*MemoryStore)(nil)
