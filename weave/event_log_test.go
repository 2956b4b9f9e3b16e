package weave

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMatchSubject(t *testing.T) {
	// exact
	assert.Equal(t, true, MatchSubject("WEAVE.COLLAB.GRAPH", "WEAVE.COLLAB.GRAPH"))
	assert.Equal(t, false, MatchSubject("WEAVE.COLLAB.GRAPH", "WEAVE.COLLAB.SHADER"))

	// empty pattern matches everything
	assert.Equal(t, true, MatchSubject("WEAVE.COLLAB.GRAPH", ""))

	// per-token wildcard
	assert.Equal(t, true, MatchSubject("WEAVE.COLLAB.GRAPH", "WEAVE.*.GRAPH"))
	assert.Equal(t, true, MatchSubject("WEAVE.COLLAB.GRAPH", "*.*.*"))
	assert.Equal(t, false, MatchSubject("WEAVE.COLLAB.GRAPH", "WEAVE.*.SHADER"))

	// a wildcard spans one token, not several
	assert.Equal(t, false, MatchSubject("WEAVE.COLLAB.GRAPH", "WEAVE.*"))
	assert.Equal(t, false, MatchSubject("WEAVE.COLLAB", "WEAVE.*.GRAPH"))
}

func TestMemoryEventLog(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()
	defer log.Close()

	seq1, err := log.Publish(ctx, "WEAVE.COLLAB.GRAPH", map[string]string{
		HeaderSessionId: "session-1",
	}, []byte(`{"a":1}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(1), seq1)

	seq2, err := log.Publish(ctx, "WEAVE.COLLAB.SHADER", nil, []byte(`{"b":2}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(2), seq2)

	seq3, err := log.Publish(ctx, "WEAVE.COLLAB.GRAPH", nil, []byte(`{"c":3}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(3), seq3)

	records, err := log.Read(ctx, "", 0, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(records))
	assert.Equal(t, "session-1", records[0].Headers[HeaderSessionId])

	// subject filter
	records, err = log.Read(ctx, "WEAVE.*.GRAPH", 0, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(records))
	assert.Equal(t, uint64(1), records[0].Sequence)
	assert.Equal(t, uint64(3), records[1].Sequence)

	// resume from a sequence
	records, err = log.Read(ctx, "", 2, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(records))
	assert.Equal(t, uint64(2), records[0].Sequence)

	// limit
	records, err = log.Read(ctx, "", 0, 1)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(records))

	log.Close()
	_, err = log.Publish(ctx, "WEAVE.COLLAB.GRAPH", nil, nil)
	assert.Equal(t, ErrLogClosed, err)
}

func TestSqliteEventLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	log, err := OpenSqliteEventLog(path)
	assert.Equal(t, nil, err)
	defer log.Close()

	seq, err := log.Publish(ctx, "WEAVE.COLLAB.GRAPH", map[string]string{
		HeaderSessionId: "session-1",
		HeaderEventType: "node.add",
	}, []byte(`{"a":1}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(1), seq)

	_, err = log.Publish(ctx, "WEAVE.COLLAB.SHADER", nil, []byte(`{"b":2}`))
	assert.Equal(t, nil, err)

	records, err := log.Read(ctx, "WEAVE.COLLAB.GRAPH", 0, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, uint64(1), records[0].Sequence)
	assert.Equal(t, "node.add", records[0].Headers[HeaderEventType])
	assert.Equal(t, []byte(`{"a":1}`), records[0].Payload)
	assert.NotEqual(t, Millis(0), records[0].LoggedAt)

	// a reopened log continues the sequence
	log.Close()
	log, err = OpenSqliteEventLog(path)
	assert.Equal(t, nil, err)
	seq, err = log.Publish(ctx, "WEAVE.COLLAB.GRAPH", nil, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(3), seq)
}
