package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"soma-geofence/internal/config"
	"soma-geofence/internal/pipeline"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StateManager 会话快照管理（Redis JSON + TTL）
type StateManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewStateManager 创建状态管理器
func NewStateManager(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *StateManager {
	return &StateManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// GetStateKey 构建快照键
func (s *StateManager) GetStateKey(userID string) string {
	return s.config.Pipeline.SnapshotPrefix + userID
}

// SaveSnapshot 写入快照（带 TTL）
func (s *StateManager) SaveSnapshot(ctx context.Context, snap pipeline.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.redisClient.Set(ctx, s.GetStateKey(snap.UserID), data, s.config.Pipeline.SnapshotTTL).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot 读取快照（不存在时返回 nil）
func (s *StateManager) LoadSnapshot(ctx context.Context, userID string) (*pipeline.Snapshot, error) {
	val, err := s.redisClient.Get(ctx, s.GetStateKey(userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap pipeline.Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot 删除快照
func (s *StateManager) DeleteSnapshot(ctx context.Context, userID string) error {
	if err := s.redisClient.Del(ctx, s.GetStateKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
