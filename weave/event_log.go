package weave

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// a durable, subject-routed append log with header-based filtering.
// delivery is at most once: a publish error propagates to the caller
// unchanged, with no retry or queuing.

type EventRecord struct {
	Sequence uint64            `json:"sequence"`
	Subject  string            `json:"subject"`
	Headers  map[string]string `json:"headers,omitempty"`
	Payload  []byte            `json:"payload,omitempty"`
	LoggedAt Millis            `json:"loggedAt"`
}

type EventLog interface {
	Publish(ctx context.Context, subject string, headers map[string]string, payload []byte) (uint64, error)
	// records at or after fromSequence whose subject matches the
	// pattern, ascending. limit <= 0 means no limit.
	Read(ctx context.Context, subjectPattern string, fromSequence uint64, limit int) ([]EventRecord, error)
	Close() error
}

// subject pattern matching with a `*` wildcard per token,
// e.g. `WEAVE.*.GRAPH` matches `WEAVE.COLLAB.GRAPH`
func MatchSubject(subject string, pattern string) bool {
	if pattern == subject || pattern == "" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")

	if len(patternParts) != len(subjectParts) {
		return false
	}

	for i := 0; i < len(patternParts); i += 1 {
		if patternParts[i] == "*" {
			continue
		}
		if patternParts[i] != subjectParts[i] {
			return false
		}
	}

	return true
}

// in-process log for tests and single-process use
type MemoryEventLog struct {
	mutex        sync.Mutex
	nextSequence uint64
	records      []EventRecord
	closed       bool
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{
		nextSequence: 1,
	}
}

func (self *MemoryEventLog) Publish(ctx context.Context, subject string, headers map[string]string, payload []byte) (uint64, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return 0, ErrLogClosed
	}

	sequence := self.nextSequence
	self.nextSequence += 1
	self.records = append(self.records, EventRecord{
		Sequence: sequence,
		Subject:  subject,
		Headers:  headers,
		Payload:  slices.Clone(payload),
		LoggedAt: NowMillis(),
	})
	return sequence, nil
}

func (self *MemoryEventLog) Read(ctx context.Context, subjectPattern string, fromSequence uint64, limit int) ([]EventRecord, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return nil, ErrLogClosed
	}

	out := []EventRecord{}
	for _, record := range self.records {
		if record.Sequence < fromSequence {
			continue
		}
		if !MatchSubject(record.Subject, subjectPattern) {
			continue
		}
		out = append(out, record)
		if 0 < limit && limit <= len(out) {
			break
		}
	}
	return out, nil
}

func (self *MemoryEventLog) Close() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed = true
	return nil
}
