package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/qshe-platform/be-patrol-engine/internal/natsconn"
)

// NotificationPublisher publishes patrol lifecycle events to NATS JetStream
// for consumption by the platform notifications service.
//
// Subject convention: notifications.patrol.<event_type>
// Event types: action_created, action_submitted, approval_required,
//              action_approved, action_rejected, review_requested,
//              action_verified, verification_rejected, action_cancelled
//
// All publish operations are non-fatal — errors are logged but never propagated
// to the caller, so notification failures never interrupt lifecycle operations.
type NotificationPublisher struct {
	nats *natsconn.Client
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	ActorID      string                 `json:"actor_id"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	PatrolID     string                 `json:"patrol_id,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats *natsconn.Client, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishActionEvent publishes a corrective action lifecycle event to NATS.
// Subject: notifications.patrol.<eventType>
func (p *NotificationPublisher) PublishActionEvent(ctx context.Context, eventType, actionID, patrolID, actorID string, recipients []string, payload map[string]interface{}) {
	if p.nats == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "corrective_action",
		ResourceID:   actionID,
		PatrolID:     patrolID,
		IsActionable: true,
		Severity:     "info",
		Category:     "patrol_lifecycle",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.patrol.%s", eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("action_id", actionID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("action_id", actionID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
