package digest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrBucketNotFound = errors.New("digest bucket not found")

// BucketStore persists buckets between ticks
type BucketStore interface {
	// Add appends item to the bucket, creating it from header when missing.
	// It reports false when the bucket already holds the notification.
	Add(ctx context.Context, header Bucket, item Item) (Bucket, bool, error)
	// Due returns the buckets to flush at now, items included
	Due(ctx context.Context, now time.Time) ([]Bucket, error)
	// Ack removes the delivered items and returns how many remain
	Ack(ctx context.Context, key string, itemIDs []string) (int, error)
	// Reschedule moves a bucket that still holds items to a new period
	Reschedule(ctx context.Context, key string, openedAt, dueAt, staleAt time.Time) error
	// MarkFailed records a failed flush and the batch id to retry with
	MarkFailed(ctx context.Context, key, batchID string) (int, error)
	DeleteUser(ctx context.Context, userID string) (int, error)
	Count(ctx context.Context) (int, error)
}

type memoryStore struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

func NewMemoryStore() BucketStore {
	return &memoryStore{buckets: make(map[string]*Bucket)}
}

func (s *memoryStore) Add(_ context.Context, header Bucket, item Item) (Bucket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[header.Key]
	if !ok {
		fresh := header
		fresh.Items = nil
		b = &fresh
		s.buckets[header.Key] = b
	}
	for _, it := range b.Items {
		if it.NotificationID == item.NotificationID {
			return copyBucket(b), false, nil
		}
	}
	b.Items = append(b.Items, item)
	return copyBucket(b), true, nil
}

func (s *memoryStore) Due(_ context.Context, now time.Time) ([]Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Bucket
	for _, b := range s.buckets {
		if b.IsDue(now) && len(b.Items) > 0 {
			out = append(out, copyBucket(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (s *memoryStore) Ack(_ context.Context, key string, itemIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		return 0, ErrBucketNotFound
	}
	acked := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		acked[id] = true
	}
	kept := b.Items[:0:0]
	for _, it := range b.Items {
		if !acked[it.NotificationID] {
			kept = append(kept, it)
		}
	}
	if len(kept) == 0 {
		delete(s.buckets, key)
		return 0, nil
	}
	b.Items = kept
	b.Attempts = 0
	b.BatchID = ""
	return len(kept), nil
}

func (s *memoryStore) Reschedule(_ context.Context, key string, openedAt, dueAt, staleAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		return ErrBucketNotFound
	}
	b.OpenedAt, b.DueAt, b.StaleAt = openedAt, dueAt, staleAt
	return nil
}

func (s *memoryStore) MarkFailed(_ context.Context, key, batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		return 0, ErrBucketNotFound
	}
	b.Attempts++
	b.BatchID = batchID
	return b.Attempts, nil
}

func (s *memoryStore) DeleteUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, b := range s.buckets {
		if b.UserID == userID {
			delete(s.buckets, key)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets), nil
}

func copyBucket(b *Bucket) Bucket {
	out := *b
	out.Items = append([]Item(nil), b.Items...)
	return out
}
