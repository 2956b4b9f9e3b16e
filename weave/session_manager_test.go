package weave

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSessionManagerCreate(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()
	defer log.Close()
	manager := NewSessionManagerWithDefaults(log)

	userId := NewId()
	session, err := manager.CreateSession(ctx, &SessionConfig{
		UserId: userId,
		Name:   "particle system",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, strings.HasPrefix(session.SessionId, "session-"))
	assert.Equal(t, "main", session.Branch)
	assert.Equal(t, userId, session.UserId)

	loaded, ok := manager.LoadSession(session.SessionId)
	assert.Equal(t, true, ok)
	assert.Equal(t, session.SessionId, loaded.SessionId)

	_, ok = manager.LoadSession("session-missing")
	assert.Equal(t, false, ok)

	// creation announces itself on the log
	records, err := log.Read(ctx, "", 0, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, session.SessionId, records[0].Headers[HeaderSessionId])
	assert.Equal(t, "session.create", records[0].Headers[HeaderEventType])

	_, err = manager.CreateSession(ctx, &SessionConfig{
		SessionId: session.SessionId,
		UserId:    userId,
	})
	assert.Equal(t, ErrSessionExists, err)
}

func TestSessionManagerCreateFailure(t *testing.T) {
	ctx := context.Background()
	logErr := errors.New("broker unavailable")
	manager := NewSessionManagerWithDefaults(&failingEventLog{err: logErr})

	// the announce publish fails, so the session is not cached
	_, err := manager.CreateSession(ctx, &SessionConfig{
		SessionId: "session-1",
		UserId:    NewId(),
	})
	assert.Equal(t, logErr, err)

	_, ok := manager.LoadSession("session-1")
	assert.Equal(t, false, ok)
}

func TestSessionManagerFork(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()
	defer log.Close()
	manager := NewSessionManagerWithDefaults(log)

	source, err := manager.CreateSession(ctx, &SessionConfig{
		SessionId: "session-1",
		UserId:    NewId(),
		Name:      "particle system",
	})
	assert.Equal(t, nil, err)

	fork, err := manager.ForkSession(ctx, "session-1", "session-2", "experiment")
	assert.Equal(t, nil, err)
	assert.Equal(t, "session-2", fork.SessionId)
	assert.Equal(t, "session-1", fork.ParentSessionId)
	assert.Equal(t, "experiment", fork.Branch)
	assert.Equal(t, "particle system (experiment)", fork.Name)
	assert.Equal(t, source.UserId, fork.UserId)

	// the source is left unmodified
	loaded, _ := manager.LoadSession("session-1")
	assert.Equal(t, source.Branch, loaded.Branch)
	assert.Equal(t, "", loaded.ParentSessionId)

	_, err = manager.ForkSession(ctx, "session-missing", "session-3", "main")
	assert.Equal(t, ErrSessionNotFound, err)
	_, err = manager.ForkSession(ctx, "session-1", "session-2", "main")
	assert.Equal(t, ErrSessionExists, err)
}

func TestSessionManagerVersions(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()
	defer log.Close()
	manager := NewSessionManagerWithDefaults(log)

	_, err := manager.CreateSession(ctx, &SessionConfig{
		SessionId: "session-1",
		UserId:    NewId(),
	})
	assert.Equal(t, nil, err)

	assert.Equal(t, nil, manager.CreateVersion(ctx, "session-1", "v1"))
	assert.Equal(t, nil, manager.RestoreVersion(ctx, "session-1", "v1"))
	assert.Equal(t, ErrSessionNotFound, manager.CreateVersion(ctx, "session-missing", "v1"))

	records, err := log.Read(ctx, "", 0, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(records))
	assert.Equal(t, "version.create", records[1].Headers[HeaderEventType])
	assert.Equal(t, "version.restore", records[2].Headers[HeaderEventType])

	// the publisher tracks event counts on the cached session
	session, _ := manager.LoadSession("session-1")
	assert.Equal(t, 2, session.EventCount)
	assert.NotEqual(t, Millis(0), session.LastEventTime)
}

func TestSessionManagerList(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()
	defer log.Close()
	manager := NewSessionManagerWithDefaults(log)

	manager.CreateSession(ctx, &SessionConfig{SessionId: "session-1", UserId: NewId()})
	manager.CreateSession(ctx, &SessionConfig{SessionId: "session-2", UserId: NewId()})
	manager.CreateSession(ctx, &SessionConfig{SessionId: "session-3", UserId: NewId()})

	// same-millisecond ties order by session id, so repeated calls agree
	// regardless of map iteration order
	for i := 0; i < 10; i += 1 {
		sessions := manager.ListSessions()
		assert.Equal(t, 3, len(sessions))
		assert.Equal(t, "session-1", sessions[0].SessionId)
		assert.Equal(t, "session-2", sessions[1].SessionId)
		assert.Equal(t, "session-3", sessions[2].SessionId)
	}

	manager.DeleteSession("session-2")
	assert.Equal(t, 2, len(manager.ListSessions()))
	_, ok := manager.LoadSession("session-2")
	assert.Equal(t, false, ok)
}

func TestSessionManagerRecover(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()
	defer log.Close()

	// some other process created the session and published into the log
	managerA := NewSessionManagerWithDefaults(log)
	userId := NewId()
	created, err := managerA.CreateSession(ctx, &SessionConfig{
		SessionId: "session-1",
		UserId:    userId,
		Name:      "particle system",
		Branch:    "main",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, managerA.CreateVersion(ctx, "session-1", "v1"))

	managerB := NewSessionManagerWithDefaults(log)
	_, ok := managerB.LoadSession("session-1")
	assert.Equal(t, false, ok)

	recovered, err := managerB.RecoverSession(ctx, "session-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, created.SessionId, recovered.SessionId)
	assert.Equal(t, created.Name, recovered.Name)
	assert.Equal(t, userId, recovered.UserId)
	// every logged event for the session counts, create included
	assert.Equal(t, 2, recovered.EventCount)

	// recovered sessions are cached and usable
	_, ok = managerB.LoadSession("session-1")
	assert.Equal(t, true, ok)
	assert.Equal(t, nil, managerB.CreateVersion(ctx, "session-1", "v2"))

	_, err = managerB.RecoverSession(ctx, "session-missing")
	assert.Equal(t, ErrSessionNotFound, err)
}
