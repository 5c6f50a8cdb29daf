package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"wisefido-autooff/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var deadline = time.Date(2024, 6, 1, 20, 5, 0, 0, time.UTC)

func TestPostgresTimerStore_Put(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresTimerStore(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO autooff_timers`).
		WithArgs("porch", "light.x", deadline).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Put(context.Background(), models.TimerRecord{InstanceID: "porch", EntityID: "light.x", Deadline: deadline})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTimerStore_PutError(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresTimerStore(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO autooff_timers`).WillReturnError(errors.New("connection reset"))

	err := store.Put(context.Background(), models.TimerRecord{InstanceID: "porch", EntityID: "light.x", Deadline: deadline})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "porch/light.x")
}

func TestPostgresTimerStore_Delete(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresTimerStore(db, zap.NewNop())

	mock.ExpectExec(`DELETE FROM autooff_timers`).
		WithArgs("porch", "light.x").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Delete(context.Background(), models.TimerKey{InstanceID: "porch", EntityID: "light.x"})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTimerStore_LoadAll(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresTimerStore(db, zap.NewNop())

	rows := sqlmock.NewRows([]string{"instance_id", "entity_id", "deadline"}).
		AddRow("porch", "light.x", deadline).
		AddRow("garage", "switch.y", deadline.Add(time.Minute))
	mock.ExpectQuery(`SELECT instance_id, entity_id, deadline`).WillReturnRows(rows)

	records, err := store.LoadAll(context.Background())

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "light.x", records[0].EntityID)
	assert.Equal(t, deadline, records[0].Deadline)
	assert.Equal(t, "garage", records[1].InstanceID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTimerStore_GetNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresTimerStore(db, zap.NewNop())

	mock.ExpectQuery(`SELECT instance_id, entity_id, deadline`).
		WithArgs("porch", "light.x").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), models.TimerKey{InstanceID: "porch", EntityID: "light.x"})

	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestPostgresTimerStore_EnsureSchema(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresTimerStore(db, zap.NewNop())

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS autooff_timers`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceRepository_ListInstances(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewInstanceRepository(db, zap.NewNop())

	rows := sqlmock.NewRows([]string{
		"instance_id", "name", "entities", "timeout_seconds", "condition", "allow_shared_entities",
	}).
		AddRow("inst-1", "Porch", "{light.porch,light.garden}", int64(300), nil, false).
		AddRow("inst-2", "Fan", "{switch.fan}", int64(600), "state == 'active'", true)
	mock.ExpectQuery(`SELECT`).WillReturnRows(rows)

	instances, err := repo.ListInstances(context.Background())

	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, []string{"light.porch", "light.garden"}, instances[0].Entities)
	assert.Equal(t, 5*time.Minute, instances[0].Timeout)
	assert.Empty(t, instances[0].Condition)
	assert.Equal(t, "state == 'active'", instances[1].Condition)
	assert.True(t, instances[1].AllowSharedEntities)
	require.NoError(t, mock.ExpectationsWereMet())
}
