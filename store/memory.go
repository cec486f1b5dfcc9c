package store

import (
	"context"
	"sync"

	"github.com/BaSui01/phaseflow/workflow"
)

// MemoryStore 进程内存储。保存编码后的字节，读取方拿到的是独立副本。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
}

type memoryEntry struct {
	record Record
	data   []byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]memoryEntry)}
}

// Archive 保存终态
func (s *MemoryStore) Archive(ctx context.Context, state *workflow.WorkflowState) error {
	return s.Save(ctx, state)
}

// Save 写入或覆盖会话
func (s *MemoryStore) Save(ctx context.Context, state *workflow.WorkflowState) error {
	if err := validateState(state); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[state.SessionID] = memoryEntry{record: RecordOf(state), data: data}
	return nil
}

// Load 读取会话
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*workflow.WorkflowState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entry, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeState(entry.data)
}

// List 列出会话摘要
func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	records := make([]Record, 0, len(s.sessions))
	for _, e := range s.sessions {
		records = append(records, e.record)
	}
	s.mu.RUnlock()
	return filterRecords(records, opts), nil
}

// Delete 删除会话
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

// Close 无操作
func (s *MemoryStore) Close() error { return nil }
