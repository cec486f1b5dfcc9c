package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/workflow"
)

// =============================================================================
// 💾 Redis 存储
// =============================================================================

// RedisOptions Redis 存储选项
type RedisOptions struct {
	// 键前缀，默认 "phaseflow:"
	KeyPrefix string
	// 会话过期时间，0 表示永不过期
	TTL time.Duration
}

// RedisStore 以字符串键保存会话，并用有序集合按开始时间索引。
// 键布局：{prefix}state:{session_id}，{prefix}index。
type RedisStore struct {
	client redis.UniversalClient
	opts   RedisOptions
	logger *zap.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore 创建 Redis 存储，client 的生命周期归存储所有
func NewRedisStore(client redis.UniversalClient, opts RedisOptions, logger *zap.Logger) *RedisStore {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "phaseflow:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		opts:   opts,
		logger: logger.With(zap.String("component", "redis_store")),
	}
}

func (s *RedisStore) stateKey(sessionID string) string {
	return s.opts.KeyPrefix + "state:" + sessionID
}

func (s *RedisStore) indexKey() string {
	return s.opts.KeyPrefix + "index"
}

// Archive 保存终态
func (s *RedisStore) Archive(ctx context.Context, state *workflow.WorkflowState) error {
	return s.Save(ctx, state)
}

// Save 在一个事务管道内写状态并更新索引
func (s *RedisStore) Save(ctx context.Context, state *workflow.WorkflowState) error {
	if err := validateState(state); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.stateKey(state.SessionID), data, s.opts.TTL)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(state.StartedAt.UnixMilli()),
		Member: state.SessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("save session failed", zap.String("session_id", state.SessionID), zap.Error(err))
		return fmt.Errorf("redis save failed: %w", err)
	}
	return nil
}

// Load 读取会话
func (s *RedisStore) Load(ctx context.Context, sessionID string) (*workflow.WorkflowState, error) {
	data, err := s.client.Get(ctx, s.stateKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load failed: %w", err)
	}
	return decodeState(data)
}

// List 按开始时间倒序列出会话。已过期的索引项在遍历时清除。
func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list failed: %w", err)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.stateKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list failed: %w", err)
	}

	var (
		records  []Record
		dangling []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			dangling = append(dangling, ids[i])
			continue
		}
		state, err := decodeState([]byte(raw))
		if err != nil {
			s.logger.Warn("skipping undecodable session", zap.String("session_id", ids[i]), zap.Error(err))
			continue
		}
		records = append(records, RecordOf(state))
	}

	if len(dangling) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), dangling...).Err(); err != nil {
			s.logger.Warn("index cleanup failed", zap.Error(err))
		}
	}
	return filterRecords(records, opts), nil
}

// Delete 删除会话及其索引项
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.stateKey(sessionID))
	pipe.ZRem(ctx, s.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping 检查连接
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}
