package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/phaseflow/types"
	"github.com/BaSui01/phaseflow/workflow"
)

// ErrNotFound 会话不存在
var ErrNotFound = errors.New("session not found")

// Store 会话状态存储。Archive 由引擎在会话终止时调用。
type Store interface {
	workflow.Archiver

	Save(ctx context.Context, state *workflow.WorkflowState) error
	Load(ctx context.Context, sessionID string) (*workflow.WorkflowState, error)
	List(ctx context.Context, opts ListOptions) ([]Record, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// Record 会话摘要，不含完整状态
type Record struct {
	SessionID   string          `json:"session_id"`
	Workflow    string          `json:"workflow"`
	Status      workflow.Status `json:"status"`
	FailedPhase string          `json:"failed_phase,omitempty"`
	FailureCode types.ErrorCode `json:"failure_code,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
}

// RecordOf 提取状态摘要
func RecordOf(state *workflow.WorkflowState) Record {
	return Record{
		SessionID:   state.SessionID,
		Workflow:    state.Workflow,
		Status:      state.Status,
		FailedPhase: state.FailedPhase,
		FailureCode: state.FailureCode,
		StartedAt:   state.StartedAt,
		FinishedAt:  state.FinishedAt,
	}
}

// ListOptions 列表过滤条件；零值表示不过滤，Limit <= 0 表示不限
type ListOptions struct {
	Workflow string
	Status   workflow.Status
	Limit    int
}

func (o ListOptions) matches(r Record) bool {
	if o.Workflow != "" && r.Workflow != o.Workflow {
		return false
	}
	if o.Status != "" && r.Status != o.Status {
		return false
	}
	return true
}

// filterRecords 按开始时间倒序过滤并截断
func filterRecords(records []Record, opts ListOptions) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if opts.matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// =============================================================================
// 编解码
// =============================================================================

func validateState(state *workflow.WorkflowState) error {
	if state == nil {
		return errors.New("state cannot be nil")
	}
	if state.SessionID == "" {
		return errors.New("state has no session id")
	}
	return nil
}

// encodeState 对快照编码，调用方可继续持有并修改原状态
func encodeState(state *workflow.WorkflowState) ([]byte, error) {
	data, err := json.Marshal(state.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", state.SessionID, err)
	}
	return data, nil
}

func decodeState(data []byte) (*workflow.WorkflowState, error) {
	var state workflow.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &state, nil
}
