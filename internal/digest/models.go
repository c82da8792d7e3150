package digest

import (
	"fmt"
	"time"

	"practice-portal/notification-service/internal/catalog"
	"practice-portal/notification-service/internal/events"
	"practice-portal/notification-service/internal/settings"
)

// TopicBatch carries flushed digest batches
var TopicBatch = events.NewTopic[Batch]("digest.batch")

// Scope is what a bucket groups notifications by
type Scope string

const (
	ScopeType       Scope = "type"
	ScopeCategory   Scope = "category"
	ScopeQuietHours Scope = "quiet-hours"
)

// BucketKey identifies a bucket. Keys are unique per user, scope and scope id.
func BucketKey(userID string, scope Scope, scopeID string) string {
	return fmt.Sprintf("%s:%s:%s", userID, scope, scopeID)
}

// Item is one notification waiting in a bucket
type Item struct {
	NotificationID string           `json:"notificationId"`
	TypeID         string           `json:"typeId"`
	Category       catalog.Category `json:"category"`
	Priority       catalog.Priority `json:"priority,omitempty"`
	Title          string           `json:"title,omitempty"`
	Body           string           `json:"body,omitempty"`
	OccurredAt     time.Time        `json:"occurredAt"`
}

// Bucket accumulates items until DueAt, or until StaleAt when the clock has
// jumped past a boundary without a flush.
type Bucket struct {
	Key       string             `json:"key"`
	UserID    string             `json:"userId"`
	Scope     Scope              `json:"scope"`
	ScopeID   string             `json:"scopeId"`
	Frequency settings.Frequency `json:"frequency,omitempty"`
	Weekday   time.Weekday       `json:"weekday"`
	OpenedAt  time.Time          `json:"openedAt"`
	DueAt     time.Time          `json:"dueAt"`
	StaleAt   time.Time          `json:"staleAt"`
	Attempts  int                `json:"attempts"`
	BatchID   string             `json:"batchId,omitempty"`
	Items     []Item             `json:"items"`
}

// IsDue reports whether the bucket should be flushed at now
func (b *Bucket) IsDue(now time.Time) bool {
	return !now.Before(b.DueAt) || !now.Before(b.StaleAt)
}

func (b *Bucket) itemIDs() []string {
	ids := make([]string, 0, len(b.Items))
	for _, it := range b.Items {
		ids = append(ids, it.NotificationID)
	}
	return ids
}

// Batch is one flushed bucket. A batch that failed keeps its ID on retry.
type Batch struct {
	ID        string             `json:"id"`
	BucketKey string             `json:"bucketKey"`
	UserID    string             `json:"userId"`
	Scope     Scope              `json:"scope"`
	ScopeID   string             `json:"scopeId"`
	Frequency settings.Frequency `json:"frequency,omitempty"`
	Items     []Item             `json:"items"`
	Attempt   int                `json:"attempt"`
	FlushedAt time.Time          `json:"flushedAt"`
}

// EnqueueRequest adds one item to the bucket named by UserID/Scope/ScopeID.
// A zero DueAt means the next boundary of Frequency.
type EnqueueRequest struct {
	UserID    string
	Scope     Scope
	ScopeID   string
	Frequency settings.Frequency
	Weekday   time.Weekday
	DueAt     time.Time
	Item      Item
}
