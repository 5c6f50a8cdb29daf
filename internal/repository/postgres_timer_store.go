package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-autooff/internal/models"

	"go.uber.org/zap"
)

// PostgresTimerStore 基于 PostgreSQL 的计时记录存储（表 autooff_timers）
type PostgresTimerStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresTimerStore 创建 PostgreSQL 计时记录存储
func NewPostgresTimerStore(db *sql.DB, logger *zap.Logger) *PostgresTimerStore {
	return &PostgresTimerStore{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema 创建计时记录表（已存在则跳过）
func (s *PostgresTimerStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS autooff_timers (
			instance_id TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			deadline    TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (instance_id, entity_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create autooff_timers: %w", err)
	}
	return nil
}

// Put 写入或覆盖计时记录
func (s *PostgresTimerStore) Put(ctx context.Context, record models.TimerRecord) error {
	query := `
		INSERT INTO autooff_timers (instance_id, entity_id, deadline, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (instance_id, entity_id)
		DO UPDATE SET deadline = EXCLUDED.deadline, updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query, record.InstanceID, record.EntityID, record.Deadline.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert timer record %s: %w", record.Key(), err)
	}
	return nil
}

// Delete 删除计时记录
func (s *PostgresTimerStore) Delete(ctx context.Context, key models.TimerKey) error {
	query := `DELETE FROM autooff_timers WHERE instance_id = $1 AND entity_id = $2`
	if _, err := s.db.ExecContext(ctx, query, key.InstanceID, key.EntityID); err != nil {
		return fmt.Errorf("failed to delete timer record %s: %w", key, err)
	}
	return nil
}

// Get 读取单条计时记录
func (s *PostgresTimerStore) Get(ctx context.Context, key models.TimerKey) (*models.TimerRecord, error) {
	query := `
		SELECT instance_id, entity_id, deadline
		FROM autooff_timers
		WHERE instance_id = $1 AND entity_id = $2
	`
	var record models.TimerRecord
	err := s.db.QueryRowContext(ctx, query, key.InstanceID, key.EntityID).Scan(
		&record.InstanceID,
		&record.EntityID,
		&record.Deadline,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query timer record %s: %w", key, err)
	}
	return &record, nil
}

// LoadAll 读取全部计时记录
func (s *PostgresTimerStore) LoadAll(ctx context.Context) ([]models.TimerRecord, error) {
	query := `
		SELECT instance_id, entity_id, deadline
		FROM autooff_timers
		ORDER BY deadline
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query timer records: %w", err)
	}
	defer rows.Close()

	var records []models.TimerRecord
	for rows.Next() {
		var record models.TimerRecord
		if err := rows.Scan(&record.InstanceID, &record.EntityID, &record.Deadline); err != nil {
			return nil, fmt.Errorf("failed to scan timer record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate timer records: %w", err)
	}
	return records, nil
}
