package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrDeliveryNotFound = errors.New("delivery not found")

// History keeps the audit trail of resolved deliveries
type History interface {
	Record(ctx context.Context, d ResolvedDelivery) error
	Get(ctx context.Context, notificationID string) (*DeliveryLog, error)
	ListForUser(ctx context.Context, userID string, limit, offset int) ([]DeliveryLog, error)
	DeleteUser(ctx context.Context, userID string) (int, error)
}

func toLog(d ResolvedDelivery) (DeliveryLog, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return DeliveryLog{}, fmt.Errorf("failed to encode delivery: %w", err)
	}
	log := DeliveryLog{
		NotificationID: d.NotificationID,
		UserID:         d.UserID,
		TypeID:         d.TypeID,
		Category:       string(d.Category),
		Priority:       string(d.Priority),
		Decision:       string(d.Decision),
		Reason:         d.Reason,
		Channels:       d.Channels.String(),
		Payload:        datatypes.JSON(payload),
		ResolvedAt:     d.ResolvedAt,
	}
	if d.Digest != nil {
		log.BucketKey = d.Digest.BucketKey
	}
	return log, nil
}

type gormHistory struct {
	db *gorm.DB
}

// NewGormHistory stores delivery logs in postgres. Call MigrateHistory once
// before use.
func NewGormHistory(db *gorm.DB) History {
	return &gormHistory{db: db}
}

func MigrateHistory(db *gorm.DB) error {
	if err := db.AutoMigrate(&DeliveryLog{}); err != nil {
		return fmt.Errorf("failed to migrate delivery logs: %w", err)
	}
	return nil
}

// Record is idempotent per notification id
func (h *gormHistory) Record(ctx context.Context, d ResolvedDelivery) error {
	log, err := toLog(d)
	if err != nil {
		return err
	}
	if err := h.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&log).Error; err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

func (h *gormHistory) Get(ctx context.Context, notificationID string) (*DeliveryLog, error) {
	var log DeliveryLog
	err := h.db.WithContext(ctx).Where("notification_id = ?", notificationID).First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return &log, nil
}

func (h *gormHistory) ListForUser(ctx context.Context, userID string, limit, offset int) ([]DeliveryLog, error) {
	var logs []DeliveryLog
	err := h.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("resolved_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return logs, nil
}

func (h *gormHistory) DeleteUser(ctx context.Context, userID string) (int, error) {
	res := h.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&DeliveryLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete deliveries: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

type memoryHistory struct {
	mu   sync.RWMutex
	logs map[string]DeliveryLog
}

func NewMemoryHistory() History {
	return &memoryHistory{logs: make(map[string]DeliveryLog)}
}

func (h *memoryHistory) Record(_ context.Context, d ResolvedDelivery) error {
	log, err := toLog(d)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.logs[log.NotificationID]; !ok {
		h.logs[log.NotificationID] = log
	}
	return nil
}

func (h *memoryHistory) Get(_ context.Context, notificationID string) (*DeliveryLog, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	log, ok := h.logs[notificationID]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return &log, nil
}

func (h *memoryHistory) ListForUser(_ context.Context, userID string, limit, offset int) ([]DeliveryLog, error) {
	h.mu.RLock()
	var logs []DeliveryLog
	for _, log := range h.logs {
		if log.UserID == userID {
			logs = append(logs, log)
		}
	}
	h.mu.RUnlock()

	sort.Slice(logs, func(i, j int) bool {
		if !logs[i].ResolvedAt.Equal(logs[j].ResolvedAt) {
			return logs[i].ResolvedAt.After(logs[j].ResolvedAt)
		}
		return logs[i].NotificationID < logs[j].NotificationID
	})
	if offset >= len(logs) {
		return []DeliveryLog{}, nil
	}
	logs = logs[offset:]
	if limit > 0 && limit < len(logs) {
		logs = logs[:limit]
	}
	return logs, nil
}

func (h *memoryHistory) DeleteUser(_ context.Context, userID string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, log := range h.logs {
		if log.UserID == userID {
			delete(h.logs, id)
			n++
		}
	}
	return n, nil
}
