package weave

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// owns session metadata and a dedicated event publisher per session.
// metadata lives in an in-memory cache for the process lifetime; the
// only external durability is what the publisher mirrors to the log.

const SessionSubsystem = "collab"

type Session struct {
	SessionId       string `json:"sessionId"`
	UserId          Id     `json:"userId"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	CreatedAt       Millis `json:"createdAt"`
	UpdatedAt       Millis `json:"updatedAt"`
	Branch          string `json:"branch"`
	ParentSessionId string `json:"parentSessionId,omitempty"`
	EventCount      int    `json:"eventCount"`
	LastEventTime   Millis `json:"lastEventTime,omitempty"`
}

type SessionConfig struct {
	// generated when empty
	SessionId   string
	UserId      Id
	Name        string
	Description string
	// defaults to main
	Branch string
}

type SessionManagerSettings struct {
	PublisherSettings *EventPublisherSettings
}

func DefaultSessionManagerSettings() *SessionManagerSettings {
	return &SessionManagerSettings{
		PublisherSettings: DefaultEventPublisherSettings(),
	}
}

type sessionState struct {
	session   *Session
	publisher *EventPublisher
}

type SessionManager struct {
	log      EventLog
	settings *SessionManagerSettings

	mutex    sync.Mutex
	sessions map[string]*sessionState
}

func NewSessionManagerWithDefaults(log EventLog) *SessionManager {
	return NewSessionManager(log, DefaultSessionManagerSettings())
}

func NewSessionManager(log EventLog, settings *SessionManagerSettings) *SessionManager {
	return &SessionManager{
		log:      log,
		settings: settings,
		sessions: map[string]*sessionState{},
	}
}

// builds session metadata, wires a dedicated publisher, and publishes
// `session.create`. a publish failure propagates and the session is not
// cached.
func (self *SessionManager) CreateSession(ctx context.Context, config *SessionConfig) (*Session, error) {
	sessionId := config.SessionId
	if sessionId == "" {
		sessionId = fmt.Sprintf("session-%s", NewId())
	}
	branch := config.Branch
	if branch == "" {
		branch = "main"
	}

	self.mutex.Lock()
	if _, ok := self.sessions[sessionId]; ok {
		self.mutex.Unlock()
		return nil, ErrSessionExists
	}
	self.mutex.Unlock()

	now := NowMillis()
	session := &Session{
		SessionId:   sessionId,
		UserId:      config.UserId,
		Name:        config.Name,
		Description: config.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
		Branch:      branch,
	}

	state, err := self.register(ctx, session)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("[session]create %s branch = %s\n", sessionId, branch)
	return copySession(state.session), nil
}

// cache lookup only. sessions created by other processes are not found
// here; see `RecoverSession`.
func (self *SessionManager) LoadSession(sessionId string) (*Session, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	state, ok := self.sessions[sessionId]
	if !ok {
		return nil, false
	}
	return copySession(state.session), true
}

// creates a new session whose lineage references the source, on the
// given branch. the source must be cached and is left unmodified.
func (self *SessionManager) ForkSession(ctx context.Context, sourceSessionId string, newSessionId string, branch string) (*Session, error) {
	self.mutex.Lock()
	sourceState, ok := self.sessions[sourceSessionId]
	if !ok {
		self.mutex.Unlock()
		return nil, ErrSessionNotFound
	}
	if _, ok := self.sessions[newSessionId]; ok {
		self.mutex.Unlock()
		return nil, ErrSessionExists
	}
	source := copySession(sourceState.session)
	self.mutex.Unlock()

	now := NowMillis()
	session := &Session{
		SessionId:       newSessionId,
		UserId:          source.UserId,
		Name:            fmt.Sprintf("%s (%s)", source.Name, branch),
		Description:     source.Description,
		CreatedAt:       now,
		UpdatedAt:       now,
		Branch:          branch,
		ParentSessionId: sourceSessionId,
	}

	state, err := self.register(ctx, session)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("[session]fork %s -> %s branch = %s\n", sourceSessionId, newSessionId, branch)
	return copySession(state.session), nil
}

// emits `version.create`. snapshot storage is delegated entirely to the
// durable log; no local snapshot state is kept.
func (self *SessionManager) CreateVersion(ctx context.Context, sessionId string, version string) error {
	return self.publishVersionEvent(ctx, sessionId, "version.create", version)
}

// emits `version.restore`. the actual state swap is performed by the
// downstream consumer of the log.
func (self *SessionManager) RestoreVersion(ctx context.Context, sessionId string, version string) error {
	return self.publishVersionEvent(ctx, sessionId, "version.restore", version)
}

func (self *SessionManager) ListSessions() []*Session {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	sessions := []*Session{}
	for _, state := range self.sessions {
		sessions = append(sessions, copySession(state.session))
	}
	// session id breaks same-millisecond ties so the order is stable
	// across calls despite map iteration
	slices.SortStableFunc(sessions, func(a *Session, b *Session) int {
		if a.CreatedAt < b.CreatedAt {
			return -1
		} else if b.CreatedAt < a.CreatedAt {
			return 1
		} else if a.SessionId < b.SessionId {
			return -1
		} else if b.SessionId < a.SessionId {
			return 1
		} else {
			return 0
		}
	})
	return sessions
}

// purges local bookkeeping only. the durable log stream for the session
// is not cleaned up.
func (self *SessionManager) DeleteSession(sessionId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.sessions, sessionId)
}

// the dedicated publisher for a cached session, for callers that mirror
// their own subsystem events
func (self *SessionManager) Publisher(sessionId string) (*EventPublisher, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	state, ok := self.sessions[sessionId]
	if !ok {
		return nil, false
	}
	return state.publisher, true
}

// rebuilds cached metadata for a session from the durable log. requires
// a log backend that supports reads. the recovered event count includes
// every logged event for the session.
func (self *SessionManager) RecoverSession(ctx context.Context, sessionId string) (*Session, error) {
	if session, ok := self.LoadSession(sessionId); ok {
		return session, nil
	}

	records, err := self.log.Read(ctx, "", 0, 0)
	if err != nil {
		return nil, err
	}

	var session *Session
	eventCount := 0
	var lastEventTime Millis
	for _, record := range records {
		if record.Headers[HeaderSessionId] != sessionId {
			continue
		}
		eventCount += 1
		if lastEventTime < record.LoggedAt {
			lastEventTime = record.LoggedAt
		}
		if record.Headers[HeaderEventType] == "session.create" {
			var envelope EventEnvelope
			if err := json.Unmarshal(record.Payload, &envelope); err != nil {
				continue
			}
			var created Session
			if err := json.Unmarshal(envelope.Event.Payload, &created); err != nil {
				continue
			}
			session = &created
		}
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	session.EventCount = eventCount
	session.LastEventTime = lastEventTime

	publisher := NewEventPublisher(self.log, session.SessionId, session.UserId, self.settings.PublisherSettings)
	state := &sessionState{
		session:   session,
		publisher: publisher,
	}
	publisher.published = func(timestamp Millis) {
		self.recordPublish(session.SessionId, timestamp)
	}

	self.mutex.Lock()
	self.sessions[session.SessionId] = state
	self.mutex.Unlock()

	glog.V(1).Infof("[session]recover %s events = %d\n", sessionId, eventCount)
	return copySession(session), nil
}

func (self *SessionManager) register(ctx context.Context, session *Session) (*sessionState, error) {
	publisher := NewEventPublisher(self.log, session.SessionId, session.UserId, self.settings.PublisherSettings)
	state := &sessionState{
		session:   session,
		publisher: publisher,
	}
	publisher.published = func(timestamp Millis) {
		self.recordPublish(session.SessionId, timestamp)
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	err = publisher.Publish(ctx, Event{
		Type:      "session.create",
		Subsystem: SessionSubsystem,
		Payload:   payload,
	}, &EventMetadata{
		Branch:        session.Branch,
		ParentEventId: session.ParentSessionId,
	})
	if err != nil {
		return nil, err
	}

	self.mutex.Lock()
	self.sessions[session.SessionId] = state
	self.mutex.Unlock()
	return state, nil
}

func (self *SessionManager) recordPublish(sessionId string, timestamp Millis) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	state, ok := self.sessions[sessionId]
	if !ok {
		return
	}
	state.session.EventCount += 1
	state.session.LastEventTime = timestamp
	state.session.UpdatedAt = timestamp
}

func (self *SessionManager) publishVersionEvent(ctx context.Context, sessionId string, eventType string, version string) error {
	self.mutex.Lock()
	state, ok := self.sessions[sessionId]
	self.mutex.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	payload, err := json.Marshal(map[string]string{
		"version": version,
	})
	if err != nil {
		return err
	}
	return state.publisher.Publish(ctx, Event{
		Type:      eventType,
		Subsystem: SessionSubsystem,
		Payload:   payload,
	}, &EventMetadata{
		Version: version,
		Branch:  state.session.Branch,
	})
}

func copySession(session *Session) *Session {
	copied := *session
	return &copied
}
