package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"possync/internal/model"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("Failed to open gorm DB: %v", err)
	}

	return gormDB, mock
}

func TestGormStore_Append(t *testing.T) {
	db, mock := setupMockDB(t)
	store := &GormStore{db: db}
	ctx := context.Background()

	e := model.Event{
		EventID:       "dev-a-1",
		TenantID:      "t1",
		StoreID:       "s1",
		AggregateType: "order",
		AggregateID:   "ORD-1",
		Version:       1,
		Type:          model.EventOrderCreated,
		At:            time.Now(),
		Actor:         model.Actor{DeviceID: "dev-a", UserID: "u1", UserName: "Alice"},
		Clock:         model.ClockStamp{Lamport: 1, DeviceID: "dev-a"},
		Payload:       []byte(`{"status":"pending","items":[],"total":0}`),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `events`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.Append(ctx, e)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_Range(t *testing.T) {
	db, mock := setupMockDB(t)
	store := &GormStore{db: db}
	ctx := context.Background()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "event_id", "tenant_id", "store_id", "aggregate_type", "aggregate_id",
		"version", "type", "at", "actor_device_id", "actor_user_id", "actor_user_name",
		"lamport", "clock_device_id", "payload", "created_at",
	}).
		AddRow(1, "dev-a-1", "t1", "s1", "order", "ORD-1", 1, model.EventOrderCreated,
			now, "dev-a", "u1", "Alice", 1, "dev-a", []byte(`{}`), now).
		AddRow(2, "dev-b-1", "t1", "s1", "order", "ORD-1", 2, model.EventOrderUpdated,
			now, "dev-b", "u2", "Bob", 3, "dev-b", []byte(`{}`), now)

	mock.ExpectQuery("SELECT \\* FROM `events`").
		WithArgs("t1", "s1", uint64(0)).
		WillReturnRows(rows)

	events, err := store.Range(ctx, Scope{TenantID: "t1", StoreID: "s1"}, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "dev-a-1", events[0].EventID)
	assert.Equal(t, uint64(3), events[1].Clock.Lamport)
	assert.Equal(t, "Bob", events[1].Actor.UserName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_LastLamportEmptyScope(t *testing.T) {
	db, mock := setupMockDB(t)
	store := &GormStore{db: db}
	ctx := context.Background()

	mock.ExpectQuery("SELECT \\* FROM `events`").
		WithArgs("t1", "s1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	last, err := store.LastLamport(ctx, Scope{TenantID: "t1", StoreID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)
}

func TestGormStore_Seen(t *testing.T) {
	db, mock := setupMockDB(t)
	store := &GormStore{db: db}
	ctx := context.Background()

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `events`").
		WithArgs("dev-a-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	seen, err := store.Seen(ctx, "dev-a-1")
	require.NoError(t, err)
	assert.True(t, seen)
}
