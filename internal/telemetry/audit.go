package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	log         *zap.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level     string  `json:"level"`
	Action    string  `json:"action"`
	Text      string  `json:"text"`
	ChannelID int64   `json:"channel_id,omitempty"`
	Targets   []int64 `json:"targets,omitempty"`
}

// AuditEntry is one administrative action worth keeping a record of.
type AuditEntry struct {
	Level     string
	Action    string
	Text      string
	RequestID string
	UserID    *string
	ChannelID int64
	Targets   []int64
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, log *zap.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		log:         log,
	}
}

// Emit logs the entry and publishes it. A nil emitter or one without a
// publisher does nothing.
func (e *AuditEmitter) Emit(ctx context.Context, entry AuditEntry) {
	if e == nil || e.publisher == nil {
		return
	}
	if entry.Level == "" {
		entry.Level = "INFO"
	}

	e.log.Info("audit emit",
		zap.String("action", entry.Action),
		zap.String("request_id", entry.RequestID),
		zap.Stringp("user_id", entry.UserID),
		zap.Int64("channel_id", entry.ChannelID),
	)
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     entry.RequestID,
		UserID:        entry.UserID,
		Payload: AuditPayload{
			Level:     entry.Level,
			Action:    entry.Action,
			Text:      entry.Text,
			ChannelID: entry.ChannelID,
			Targets:   entry.Targets,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.log.Warn("audit publish failed", zap.String("action", entry.Action), zap.Error(err))
	}
}
