package weave

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/golang/glog"
)

// serializes a structured envelope and publishes it to the durable log
// for downstream/audit consumption. routing headers travel separately
// from the payload so consumers can filter without decoding it.

type Event struct {
	Type      string          `json:"type"`
	Subsystem string          `json:"subsystem"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type EventMetadata struct {
	Version       string `json:"version,omitempty"`
	Branch        string `json:"branch,omitempty"`
	ParentEventId string `json:"parentEventId,omitempty"`
}

type EventEnvelope struct {
	SessionId string         `json:"sessionId"`
	UserId    Id             `json:"userId"`
	Timestamp Millis         `json:"timestamp"`
	Event     Event          `json:"event"`
	Metadata  *EventMetadata `json:"metadata,omitempty"`
}

const (
	HeaderSessionId = "sessionId"
	HeaderUserId    = "userId"
	HeaderEventType = "eventType"
	HeaderSubsystem = "subsystem"
)

// coarse categories for selective downstream consumption
const (
	CategoryGraph      = "GRAPH"
	CategoryShader     = "SHADER"
	CategoryScenegraph = "SCENEGRAPH"
	CategoryTimeline   = "TIMELINE"
	CategoryTemplates  = "TEMPLATES"
	CategoryRuntime    = "RUNTIME"
	CategoryAi         = "AI"
	CategoryDebug      = "DEBUG"
)

type categoryPrefix struct {
	prefix   string
	category string
}

// event type prefix -> category. first match wins.
var categoryPrefixes = []categoryPrefix{
	{"node.", CategoryGraph},
	{"wire.", CategoryGraph},
	{"graph.", CategoryGraph},
	{"shader.", CategoryShader},
	{"scenegraph.", CategoryScenegraph},
	{"prefab.", CategoryScenegraph},
	{"timeline.", CategoryTimeline},
	{"template.", CategoryTemplates},
	{"runtime.", CategoryRuntime},
	{"log.", CategoryRuntime},
	{"ai.", CategoryAi},
	{"assistant.", CategoryAi},
}

func CategoryForEventType(eventType string) string {
	for _, entry := range categoryPrefixes {
		if strings.HasPrefix(eventType, entry.prefix) {
			return entry.category
		}
	}
	return CategoryDebug
}

// `<root>.<SUBSYSTEM>.<CATEGORY>`
func SubjectForEvent(subjectRoot string, subsystem string, eventType string) string {
	return subjectRoot + "." + strings.ToUpper(subsystem) + "." + CategoryForEventType(eventType)
}

type EventPublisherSettings struct {
	SubjectRoot string
}

func DefaultEventPublisherSettings() *EventPublisherSettings {
	return &EventPublisherSettings{
		SubjectRoot: "WEAVE",
	}
}

// bound to one session and user. publish failures propagate to the
// caller unchanged, with no retry.
type EventPublisher struct {
	log       EventLog
	sessionId string
	userId    Id
	settings  *EventPublisherSettings

	// set by the session manager to track event counts
	published func(timestamp Millis)
}

func NewEventPublisher(log EventLog, sessionId string, userId Id, settings *EventPublisherSettings) *EventPublisher {
	return &EventPublisher{
		log:       log,
		sessionId: sessionId,
		userId:    userId,
		settings:  settings,
	}
}

func (self *EventPublisher) SessionId() string {
	return self.sessionId
}

func (self *EventPublisher) Publish(ctx context.Context, event Event, metadata *EventMetadata) error {
	timestamp := NowMillis()
	envelope := EventEnvelope{
		SessionId: self.sessionId,
		UserId:    self.userId,
		Timestamp: timestamp,
		Event:     event,
		Metadata:  metadata,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	subject := SubjectForEvent(self.settings.SubjectRoot, event.Subsystem, event.Type)
	headers := map[string]string{
		HeaderSessionId: self.sessionId,
		HeaderUserId:    self.userId.String(),
		HeaderEventType: event.Type,
		HeaderSubsystem: event.Subsystem,
	}

	if _, err := self.log.Publish(ctx, subject, headers, payload); err != nil {
		return err
	}
	glog.V(2).Infof("[publish]%s %s\n", subject, event.Type)
	if self.published != nil {
		self.published(timestamp)
	}
	return nil
}
