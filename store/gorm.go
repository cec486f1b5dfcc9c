package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/phaseflow/internal/database"
	"github.com/BaSui01/phaseflow/types"
	"github.com/BaSui01/phaseflow/workflow"
)

// =============================================================================
// 🗄️ GORM 存储（postgres / mysql / sqlite）
// =============================================================================

// SessionRecord workflow_sessions 表的行
type SessionRecord struct {
	SessionID   string     `gorm:"column:session_id;primaryKey;size:64"`
	Workflow    string     `gorm:"column:workflow;size:255;not null;index:idx_workflow_sessions_workflow"`
	Status      string     `gorm:"column:status;size:32;not null;index:idx_workflow_sessions_status"`
	FailedPhase string     `gorm:"column:failed_phase;size:255;not null"`
	FailureCode string     `gorm:"column:failure_code;size:64;not null"`
	State       []byte     `gorm:"column:state;not null"`
	StartedAt   time.Time  `gorm:"column:started_at;not null;index:idx_workflow_sessions_started_at"`
	FinishedAt  *time.Time `gorm:"column:finished_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

// TableName 表名与迁移文件一致
func (SessionRecord) TableName() string { return "workflow_sessions" }

func (r SessionRecord) record() Record {
	rec := Record{
		SessionID:   r.SessionID,
		Workflow:    r.Workflow,
		Status:      workflow.Status(r.Status),
		FailedPhase: r.FailedPhase,
		FailureCode: types.ErrorCode(r.FailureCode),
		StartedAt:   r.StartedAt,
	}
	if r.FinishedAt != nil {
		rec.FinishedAt = *r.FinishedAt
	}
	return rec
}

// summaryColumns List 不读取 state 列
var summaryColumns = []string{"session_id", "workflow", "status", "failed_phase", "failure_code", "started_at", "finished_at"}

// saveRetries 死锁等可重试错误的事务重试次数
const saveRetries = 3

// GormStore 关系型数据库存储
type GormStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

var _ Store = (*GormStore)(nil)

// NewGormStore 创建存储，pool 的生命周期归存储所有
func NewGormStore(pool *database.PoolManager, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{pool: pool, logger: logger.With(zap.String("component", "gorm_store"))}
}

// AutoMigrate 用 GORM 建表，供无法走迁移文件的场景（如 SQLite 内存库）
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	if err := s.pool.DB().WithContext(ctx).AutoMigrate(&SessionRecord{}); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	return nil
}

// Archive 保存终态
func (s *GormStore) Archive(ctx context.Context, state *workflow.WorkflowState) error {
	return s.Save(ctx, state)
}

// Save 以 upsert 写入会话
func (s *GormStore) Save(ctx context.Context, state *workflow.WorkflowState) error {
	if err := validateState(state); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	rec := SessionRecord{
		SessionID:   state.SessionID,
		Workflow:    state.Workflow,
		Status:      string(state.Status),
		FailedPhase: state.FailedPhase,
		FailureCode: string(state.FailureCode),
		State:       data,
		StartedAt:   state.StartedAt,
	}
	if !state.FinishedAt.IsZero() {
		finished := state.FinishedAt
		rec.FinishedAt = &finished
	}

	err = s.pool.WithTransactionRetry(ctx, saveRetries, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	})
	if err != nil {
		s.logger.Error("save session failed", zap.String("session_id", state.SessionID), zap.Error(err))
		return fmt.Errorf("database save failed: %w", err)
	}
	return nil
}

// Load 读取会话
func (s *GormStore) Load(ctx context.Context, sessionID string) (*workflow.WorkflowState, error) {
	var rec SessionRecord
	err := s.pool.DB().WithContext(ctx).Where("session_id = ?", sessionID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database load failed: %w", err)
	}
	return decodeState(rec.State)
}

// List 按开始时间倒序列出会话摘要
func (s *GormStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	q := s.pool.DB().WithContext(ctx).Model(&SessionRecord{}).Select(summaryColumns)
	if opts.Workflow != "" {
		q = q.Where("workflow = ?", opts.Workflow)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	q = q.Order("started_at DESC").Order("session_id")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var rows []SessionRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("database list failed: %w", err)
	}
	records := make([]Record, len(rows))
	for i, r := range rows {
		records[i] = r.record()
	}
	return records, nil
}

// Delete 删除会话
func (s *GormStore) Delete(ctx context.Context, sessionID string) error {
	res := s.pool.DB().WithContext(ctx).Where("session_id = ?", sessionID).Delete(&SessionRecord{})
	if res.Error != nil {
		return fmt.Errorf("database delete failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping 检查连接
func (s *GormStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stats 返回连接池统计
func (s *GormStore) Stats() sql.DBStats {
	return s.pool.Stats()
}

// Close 关闭连接池
func (s *GormStore) Close() error {
	return s.pool.Close()
}
