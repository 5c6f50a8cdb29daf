package hass

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wisefido-autooff/common/config"
	"wisefido-autooff/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrEntityNotFound 实体在 Home Assistant 中不存在
var ErrEntityNotFound = errors.New("entity not found")

// lookupTimeout 条件表达式中引用其他实体时的读取超时
const lookupTimeout = 3 * time.Second

// Client Home Assistant REST API 客户端
// 同时提供实体状态读取和 turn_off 服务调用
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建 Home Assistant 客户端
func NewClient(cfg *config.HassConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// 服务端错误重试，4xx 不重试
			return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &Client{
		httpClient: client,
		logger:     logger,
	}
}

// GetState 读取实体当前状态
func (c *Client) GetState(ctx context.Context, entityID string) (*models.EntityState, error) {
	var state models.EntityState
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("entity_id", entityID).
		SetResult(&state).
		Get("/api/states/{entity_id}")
	if err != nil {
		return nil, fmt.Errorf("failed to get state of %s: %w", entityID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", entityID, ErrEntityNotFound)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to get state of %s: status %d", entityID, resp.StatusCode())
	}

	if state.EntityID == "" {
		state.EntityID = entityID
	}
	return &state, nil
}

// LookupState 同步读取实体状态，供条件表达式引用其他实体
func (c *Client) LookupState(entityID string) (*models.EntityState, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	state, err := c.GetState(ctx, entityID)
	if err != nil {
		c.logger.Debug("Entity lookup failed",
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
		return nil, false
	}
	return state, true
}

// TurnOff 调用实体所属 domain 的 turn_off 服务（如 light.x -> light/turn_off）
func (c *Client) TurnOff(ctx context.Context, entityID string) error {
	domain := models.EntityDomain(entityID)
	if domain == "" {
		return fmt.Errorf("invalid entity id %q", entityID)
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("domain", domain).
		SetBody(map[string]string{"entity_id": entityID}).
		Post("/api/services/{domain}/turn_off")
	if err != nil {
		return fmt.Errorf("failed to turn off %s: %w", entityID, err)
	}
	if resp.IsError() {
		c.logger.Error("Home Assistant rejected turn_off",
			zap.String("entity_id", entityID),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", resp.String()),
		)
		return fmt.Errorf("failed to turn off %s: status %d", entityID, resp.StatusCode())
	}

	c.logger.Info("Entity turned off",
		zap.String("entity_id", entityID),
		zap.String("domain", domain),
	)
	return nil
}
