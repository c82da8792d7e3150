package digest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"practice-portal/notification-service/internal/catalog"
	"practice-portal/notification-service/internal/settings"
)

func newMockGormStore(t *testing.T) (BucketStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewGormStore(db), mock
}

func TestGormStoreCount(t *testing.T) {
	store, mock := newMockGormStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "digest_buckets"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreCountError(t *testing.T) {
	store, mock := newMockGormStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "digest_buckets"`).
		WillReturnError(errors.New("connection refused"))

	_, err := store.Count(context.Background())
	assert.ErrorContains(t, err, "failed to count digest buckets")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreDeleteUser(t *testing.T) {
	store, mock := newMockGormStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "digest_items" WHERE bucket_key IN \(SELECT .+ FROM "digest_buckets" WHERE user_id = \$1\)`).
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(`DELETE FROM "digest_buckets" WHERE user_id = \$1`).
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := store.DeleteUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreDeleteUserRollsBack(t *testing.T) {
	store, mock := newMockGormStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "digest_items"`).
		WithArgs("user-1").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := store.DeleteUser(context.Background(), "user-1")
	assert.ErrorContains(t, err, "failed to discard digest buckets")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreRescheduleMissingBucket(t *testing.T) {
	store, mock := newMockGormStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "digest_buckets" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.Reschedule(context.Background(), "user-1:category:invoice", at(14, 9, 0), at(14, 10, 0), at(14, 11, 0))
	assert.ErrorIs(t, err, ErrBucketNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var bucketColumns = []string{"key", "user_id", "scope", "scope_id", "frequency", "weekday",
	"opened_at", "due_at", "stale_at", "attempts", "batch_id", "created_at", "updated_at"}

func bucketRow(rows *sqlmock.Rows, key string, due time.Time, attempts int) *sqlmock.Rows {
	return rows.AddRow(key, "user-1", string(ScopeCategory), "invoice", string(settings.FrequencyEvery4h), 0,
		due.Add(-4*time.Hour), due, due.Add(4*time.Hour), attempts, "", due, due)
}

func itemRow(t *testing.T, rows *sqlmock.Rows, key string, item Item) *sqlmock.Rows {
	t.Helper()
	payload, err := json.Marshal(item)
	require.NoError(t, err)
	return rows.AddRow(key, item.NotificationID, item.OccurredAt, payload, item.OccurredAt)
}

var itemColumns = []string{"bucket_key", "notification_id", "occurred_at", "payload", "created_at"}

func invoiceHeader() Bucket {
	return Bucket{
		Key:       "user-1:category:invoice",
		UserID:    "user-1",
		Scope:     ScopeCategory,
		ScopeID:   "invoice",
		Frequency: settings.FrequencyEvery4h,
		OpenedAt:  at(14, 8, 0),
		DueAt:     at(14, 12, 0),
		StaleAt:   at(14, 16, 0),
	}
}

func TestGormStoreAddEnqueuesAndReloads(t *testing.T) {
	store, mock := newMockGormStore(t)
	header := invoiceHeader()
	first := Item{NotificationID: "n-1", TypeID: "invoice-paid", Category: catalog.CategoryInvoice, OccurredAt: at(14, 9, 0)}
	second := Item{NotificationID: "n-2", TypeID: "invoice-sent", Category: catalog.CategoryInvoice, OccurredAt: at(14, 9, 30)}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "digest_buckets" .+ ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "digest_items" .+ ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "digest_buckets" WHERE key = \$1`).
		WillReturnRows(bucketRow(sqlmock.NewRows(bucketColumns), header.Key, header.DueAt, 0))
	items := itemRow(t, sqlmock.NewRows(itemColumns), header.Key, first)
	mock.ExpectQuery(`SELECT \* FROM "digest_items" WHERE "digest_items"."bucket_key" = \$1 ORDER BY occurred_at ASC, notification_id ASC`).
		WithArgs(header.Key).
		WillReturnRows(itemRow(t, items, header.Key, second))
	mock.ExpectCommit()

	b, added, err := store.Add(context.Background(), header, second)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, header.Key, b.Key)
	assert.Equal(t, ScopeCategory, b.Scope)
	assert.Equal(t, settings.FrequencyEvery4h, b.Frequency)
	assert.True(t, header.DueAt.Equal(b.DueAt))
	require.Len(t, b.Items, 2)
	assert.Equal(t, "n-1", b.Items[0].NotificationID)
	assert.Equal(t, "n-2", b.Items[1].NotificationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreAddSkipsDuplicateItem(t *testing.T) {
	store, mock := newMockGormStore(t)
	header := invoiceHeader()
	item := Item{NotificationID: "n-1", TypeID: "invoice-paid", Category: catalog.CategoryInvoice, OccurredAt: at(14, 9, 0)}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "digest_buckets" .+ ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "digest_items" .+ ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "digest_buckets" WHERE key = \$1`).
		WillReturnRows(bucketRow(sqlmock.NewRows(bucketColumns), header.Key, header.DueAt, 0))
	mock.ExpectQuery(`SELECT \* FROM "digest_items"`).
		WillReturnRows(itemRow(t, sqlmock.NewRows(itemColumns), header.Key, item))
	mock.ExpectCommit()

	b, added, err := store.Add(context.Background(), header, item)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Len(t, b.Items, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreAddRollsBackOnItemFailure(t *testing.T) {
	store, mock := newMockGormStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "digest_buckets"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "digest_items"`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, added, err := store.Add(context.Background(), invoiceHeader(), Item{NotificationID: "n-1", OccurredAt: at(14, 9, 0)})
	assert.ErrorContains(t, err, "failed to enqueue digest item")
	assert.False(t, added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreDueSkipsEmptyBuckets(t *testing.T) {
	store, mock := newMockGormStore(t)
	now := at(14, 12, 0)
	item := Item{NotificationID: "n-1", TypeID: "invoice-paid", Category: catalog.CategoryInvoice, OccurredAt: at(14, 9, 0)}

	rows := bucketRow(sqlmock.NewRows(bucketColumns), "user-1:category:invoice", at(14, 11, 0), 0)
	rows = bucketRow(rows, "user-1:category:task", at(14, 12, 0), 0)
	mock.ExpectQuery(`SELECT \* FROM "digest_buckets" WHERE \(?due_at <= \$1 OR stale_at <= \$2\)? ORDER BY due_at ASC, key ASC`).
		WithArgs(now, now).
		WillReturnRows(rows)
	mock.ExpectQuery(`SELECT \* FROM "digest_items" WHERE "digest_items"."bucket_key" IN \(\$1,\$2\)`).
		WillReturnRows(itemRow(t, sqlmock.NewRows(itemColumns), "user-1:category:invoice", item))

	due, err := store.Due(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "user-1:category:invoice", due[0].Key)
	require.Len(t, due[0].Items, 1)
	assert.Equal(t, "n-1", due[0].Items[0].NotificationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreAckDeletesEmptiedBucket(t *testing.T) {
	store, mock := newMockGormStore(t)
	key := "user-1:category:invoice"

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "digest_items" WHERE bucket_key = \$1 AND notification_id IN \(\$2,\$3\)`).
		WithArgs(key, "n-1", "n-2").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "digest_items" WHERE bucket_key = \$1`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`DELETE FROM "digest_buckets" WHERE key = \$1`).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	remaining, err := store.Ack(context.Background(), key, []string{"n-1", "n-2"})
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreAckKeepsLateItems(t *testing.T) {
	store, mock := newMockGormStore(t)
	key := "user-1:category:invoice"

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "digest_items"`).
		WithArgs(key, "n-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "digest_items"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(`UPDATE "digest_buckets" SET .*"attempts"=\$1,"batch_id"=\$2.* WHERE key = \$\d`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	remaining, err := store.Ack(context.Background(), key, []string{"n-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreMarkFailedCountsAttempts(t *testing.T) {
	store, mock := newMockGormStore(t)
	key := "user-1:category:invoice"

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "digest_buckets" SET "attempts"=attempts \+ 1,"batch_id"=\$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT "?attempts"? FROM "digest_buckets" WHERE key = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(2))
	mock.ExpectCommit()

	attempts, err := store.MarkFailed(context.Background(), key, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreMarkFailedMissingBucket(t *testing.T) {
	store, mock := newMockGormStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "digest_buckets" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.MarkFailed(context.Background(), "user-1:category:invoice", "batch-1")
	assert.ErrorIs(t, err, ErrBucketNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
