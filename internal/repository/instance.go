package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-autooff/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// InstanceRepository 配置实例仓库（表 autooff_instance）
type InstanceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInstanceRepository 创建配置实例仓库
func NewInstanceRepository(db *sql.DB, logger *zap.Logger) *InstanceRepository {
	return &InstanceRepository{
		db:     db,
		logger: logger,
	}
}

// ListInstances 查询所有启用的配置实例
func (r *InstanceRepository) ListInstances(ctx context.Context) ([]models.InstanceConfig, error) {
	query := `
		SELECT
			instance_id,
			name,
			entities,
			timeout_seconds,
			condition,
			allow_shared_entities
		FROM autooff_instance
		WHERE enabled = TRUE
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var instances []models.InstanceConfig
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate instances: %w", err)
	}
	return instances, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*models.InstanceConfig, error) {
	var inst models.InstanceConfig
	var entities pq.StringArray
	var timeoutSeconds int64
	var condition sql.NullString

	err := row.Scan(
		&inst.ID,
		&inst.Name,
		&entities,
		&timeoutSeconds,
		&condition,
		&inst.AllowSharedEntities,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	inst.Entities = []string(entities)
	inst.Timeout = time.Duration(timeoutSeconds) * time.Second
	if condition.Valid {
		inst.Condition = condition.String
	}
	return &inst, nil
}
