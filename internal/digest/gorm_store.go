package digest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"practice-portal/notification-service/internal/settings"
)

// DigestBucket is the persisted bucket header
type DigestBucket struct {
	Key       string       `gorm:"primaryKey;size:255"`
	UserID    string       `gorm:"not null;index"`
	Scope     string       `gorm:"not null"`
	ScopeID   string       `gorm:"not null"`
	Frequency string       `gorm:""`
	Weekday   int          `gorm:"default:0"`
	OpenedAt  time.Time    `gorm:"not null"`
	DueAt     time.Time    `gorm:"not null;index"`
	StaleAt   time.Time    `gorm:"not null;index"`
	Attempts  int          `gorm:"default:0"`
	BatchID   string       `gorm:""`
	Items     []DigestItem `gorm:"foreignKey:BucketKey;references:Key;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time    `gorm:"autoCreateTime"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime"`
}

// DigestItem is one queued notification. The primary key makes repeated
// enqueues of the same notification a no-op.
type DigestItem struct {
	BucketKey      string         `gorm:"primaryKey;size:255"`
	NotificationID string         `gorm:"primaryKey;size:255"`
	OccurredAt     time.Time      `gorm:"not null;index"`
	Payload        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"autoCreateTime"`
}

type gormStore struct {
	db *gorm.DB
}

// NewGormStore returns a BucketStore backed by postgres through gorm. Call
// MigrateGorm once before use.
func NewGormStore(db *gorm.DB) BucketStore {
	return &gormStore{db: db}
}

// MigrateGorm creates the digest tables
func MigrateGorm(db *gorm.DB) error {
	if err := db.AutoMigrate(&DigestBucket{}, &DigestItem{}); err != nil {
		return fmt.Errorf("failed to migrate digest tables: %w", err)
	}
	return nil
}

func (s *gormStore) Add(ctx context.Context, header Bucket, item Item) (Bucket, bool, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return Bucket{}, false, fmt.Errorf("failed to encode digest item: %w", err)
	}

	var (
		row   DigestBucket
		added bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := toRow(header)
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&DigestItem{
			BucketKey:      header.Key,
			NotificationID: item.NotificationID,
			OccurredAt:     item.OccurredAt,
			Payload:        datatypes.JSON(payload),
		})
		if res.Error != nil {
			return res.Error
		}
		added = res.RowsAffected > 0
		return tx.Preload("Items", orderItems).First(&row, "key = ?", header.Key).Error
	})
	if err != nil {
		return Bucket{}, false, fmt.Errorf("failed to enqueue digest item: %w", err)
	}

	b, err := fromRow(row)
	return b, added, err
}

func (s *gormStore) Due(ctx context.Context, now time.Time) ([]Bucket, error) {
	var rows []DigestBucket
	err := s.db.WithContext(ctx).
		Preload("Items", orderItems).
		Where("due_at <= ? OR stale_at <= ?", now, now).
		Order("due_at ASC, key ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load due digest buckets: %w", err)
	}

	out := make([]Bucket, 0, len(rows))
	for _, row := range rows {
		if len(row.Items) == 0 {
			continue
		}
		b, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *gormStore) Ack(ctx context.Context, key string, itemIDs []string) (int, error) {
	var remaining int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(itemIDs) > 0 {
			if err := tx.Where("bucket_key = ? AND notification_id IN ?", key, itemIDs).
				Delete(&DigestItem{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&DigestItem{}).Where("bucket_key = ?", key).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			return tx.Where("key = ?", key).Delete(&DigestBucket{}).Error
		}
		return tx.Model(&DigestBucket{}).Where("key = ?", key).
			Updates(map[string]interface{}{"attempts": 0, "batch_id": ""}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge digest batch: %w", err)
	}
	return int(remaining), nil
}

func (s *gormStore) Reschedule(ctx context.Context, key string, openedAt, dueAt, staleAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&DigestBucket{}).
		Where("key = ?", key).
		Updates(map[string]interface{}{
			"opened_at": openedAt,
			"due_at":    dueAt,
			"stale_at":  staleAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reschedule digest bucket: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrBucketNotFound
	}
	return nil
}

func (s *gormStore) MarkFailed(ctx context.Context, key, batchID string) (int, error) {
	var row DigestBucket
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&DigestBucket{}).
			Where("key = ?", key).
			Updates(map[string]interface{}{
				"attempts": gorm.Expr("attempts + 1"),
				"batch_id": batchID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrBucketNotFound
		}
		return tx.Select("attempts").First(&row, "key = ?", key).Error
	})
	if errors.Is(err, ErrBucketNotFound) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record digest failure: %w", err)
	}
	return row.Attempts, nil
}

func (s *gormStore) DeleteUser(ctx context.Context, userID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keys := tx.Model(&DigestBucket{}).Select("key").Where("user_id = ?", userID)
		if err := tx.Where("bucket_key IN (?)", keys).Delete(&DigestItem{}).Error; err != nil {
			return err
		}
		res := tx.Where("user_id = ?", userID).Delete(&DigestBucket{})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to discard digest buckets: %w", err)
	}
	return int(n), nil
}

func (s *gormStore) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&DigestBucket{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count digest buckets: %w", err)
	}
	return int(n), nil
}

func orderItems(db *gorm.DB) *gorm.DB {
	return db.Order("occurred_at ASC, notification_id ASC")
}

func toRow(b Bucket) DigestBucket {
	return DigestBucket{
		Key:       b.Key,
		UserID:    b.UserID,
		Scope:     string(b.Scope),
		ScopeID:   b.ScopeID,
		Frequency: string(b.Frequency),
		Weekday:   int(b.Weekday),
		OpenedAt:  b.OpenedAt,
		DueAt:     b.DueAt,
		StaleAt:   b.StaleAt,
		Attempts:  b.Attempts,
		BatchID:   b.BatchID,
	}
}

func fromRow(row DigestBucket) (Bucket, error) {
	b := Bucket{
		Key:       row.Key,
		UserID:    row.UserID,
		Scope:     Scope(row.Scope),
		ScopeID:   row.ScopeID,
		Frequency: settings.Frequency(row.Frequency),
		Weekday:   time.Weekday(row.Weekday),
		OpenedAt:  row.OpenedAt,
		DueAt:     row.DueAt,
		StaleAt:   row.StaleAt,
		Attempts:  row.Attempts,
		BatchID:   row.BatchID,
		Items:     make([]Item, 0, len(row.Items)),
	}
	for _, it := range row.Items {
		var item Item
		if err := json.Unmarshal(it.Payload, &item); err != nil {
			return Bucket{}, fmt.Errorf("failed to decode digest item %s: %w", it.NotificationID, err)
		}
		b.Items = append(b.Items, item)
	}
	return b, nil
}
