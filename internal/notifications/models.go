package notifications

import (
	"time"

	"gorm.io/datatypes"

	"practice-portal/notification-service/internal/catalog"
	"practice-portal/notification-service/internal/events"
	"practice-portal/notification-service/internal/settings"
)

var (
	// TopicEvent carries notifications raised by producers
	TopicEvent = events.NewTopic[NotificationEvent]("notification.event")
	// TopicDelivery carries the gating outcome of every event
	TopicDelivery = events.NewTopic[ResolvedDelivery]("delivery.resolved")
)

// NotificationEvent is one notification raised for one user. Category and
// Priority default to the catalog entry of TypeID when empty.
type NotificationEvent struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId" binding:"required"`
	TypeID     string            `json:"typeId" binding:"required"`
	Category   catalog.Category  `json:"category,omitempty"`
	Priority   catalog.Priority  `json:"priority,omitempty"`
	Title      string            `json:"title,omitempty"`
	Body       string            `json:"body,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// GateDecision is the quiet-hours outcome for one event
type GateDecision string

const (
	// DecisionAllowed delivers now through the effective channels
	DecisionAllowed GateDecision = "allowed"
	// DecisionDeferred holds the event for the end-of-quiet-hours summary
	DecisionDeferred GateDecision = "deferred"
	// DecisionSuppressed drops every leg; the event is only logged
	DecisionSuppressed GateDecision = "suppressed"
)

// DigestPlacement says which bucket took the email leg of an event
type DigestPlacement struct {
	BucketKey string             `json:"bucketKey"`
	Scope     string             `json:"scope"`
	Frequency settings.Frequency `json:"frequency,omitempty"`
	DueAt     time.Time          `json:"dueAt"`
}

// ResolvedDelivery tells the transport layer what to do with one event.
// Channels lists only the legs to send immediately.
type ResolvedDelivery struct {
	NotificationID string             `json:"notificationId"`
	UserID         string             `json:"userId"`
	TypeID         string             `json:"typeId"`
	Category       catalog.Category   `json:"category"`
	Priority       catalog.Priority   `json:"priority"`
	Source         settings.Source    `json:"source"`
	Decision       GateDecision       `json:"gateDecision"`
	Reason         string             `json:"reason"`
	Channels       catalog.ChannelSet `json:"channels"`
	PopupSound     bool               `json:"popupSound"`
	Digest         *DigestPlacement   `json:"digest,omitempty"`
	Title          string             `json:"title,omitempty"`
	Body           string             `json:"body,omitempty"`
	OccurredAt     time.Time          `json:"occurredAt"`
	ResolvedAt     time.Time          `json:"resolvedAt"`
}

// DeliveryLog is the audit row written for every resolved delivery
type DeliveryLog struct {
	NotificationID string         `json:"notification_id" gorm:"primaryKey;size:255"`
	UserID         string         `json:"user_id" gorm:"not null;index"`
	TypeID         string         `json:"type_id" gorm:"not null"`
	Category       string         `json:"category" gorm:"not null"`
	Priority       string         `json:"priority" gorm:""`
	Decision       string         `json:"decision" gorm:"not null;index"`
	Reason         string         `json:"reason" gorm:""`
	Channels       string         `json:"channels" gorm:""`
	BucketKey      string         `json:"bucket_key" gorm:""`
	Payload        datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	ResolvedAt     time.Time      `json:"resolved_at" gorm:"not null;index"`
}
