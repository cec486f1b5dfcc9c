// MockAgent 的 Agent 测试模拟实现。
//
// 支持固定响应、按调用次序的脚本响应、延迟与错误注入场景。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/phaseflow/types"
)

// --- MockAgent 结构 ---

// Step 描述一次调用的脚本结果
type Step struct {
	Content any    // 成功时返回的内容
	Err     error  // 返回 Go 错误
	Fail    string // 返回 Success=false 及该错误信息
	Delay   time.Duration
}

// MockAgent 是 types.Agent 的模拟实现
type MockAgent struct {
	mu sync.Mutex

	id           string
	capabilities []string

	// 响应配置
	script  []Step
	fn      func(ctx context.Context, task types.Task) (*types.Response, error)
	delay   time.Duration
	ignores bool // 忽略 ctx 取消（模拟不配合取消的 Agent）

	// 调用记录
	calls []types.Task
}

// NewMockAgent 创建新的 MockAgent，默认返回 "ok"
func NewMockAgent(id string) *MockAgent {
	return &MockAgent{
		id:     id,
		script: []Step{{Content: "ok"}},
	}
}

// --- Builder 方法 ---

// WithResponse 设置固定响应内容
func (m *MockAgent) WithResponse(content any) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = []Step{{Content: content}}
	return m
}

// WithScript 按调用次序返回脚本结果，超出部分重复最后一步
func (m *MockAgent) WithScript(steps ...Step) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = steps
	return m
}

// WithFunc 设置自定义执行函数，优先于脚本
func (m *MockAgent) WithFunc(fn func(ctx context.Context, task types.Task) (*types.Response, error)) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// WithDelay 设置每次调用的延迟
func (m *MockAgent) WithDelay(d time.Duration) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// IgnoreCancel 延迟期间不响应 ctx 取消
func (m *MockAgent) IgnoreCancel() *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignores = true
	return m
}

// WithCapabilities 设置声明的能力
func (m *MockAgent) WithCapabilities(caps ...string) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities = caps
	return m
}

// --- types.Agent 接口实现 ---

// ID 返回 Agent ID
func (m *MockAgent) ID() string { return m.id }

// Capabilities 返回声明的能力
func (m *MockAgent) Capabilities() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.capabilities...)
}

// Execute 执行任务
func (m *MockAgent) Execute(ctx context.Context, task types.Task) (*types.Response, error) {
	m.mu.Lock()
	n := len(m.calls)
	m.calls = append(m.calls, task)
	fn := m.fn
	delay := m.delay
	ignores := m.ignores
	var step Step
	if len(m.script) > 0 {
		step = m.script[min(n, len(m.script)-1)]
	}
	m.mu.Unlock()

	if step.Delay > 0 {
		delay = step.Delay
	}
	if delay > 0 {
		if ignores {
			time.Sleep(delay)
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	if fn != nil {
		return fn(ctx, task)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Fail != "" {
		return &types.Response{Success: false, Error: step.Fail}, nil
	}
	return &types.Response{Success: true, Content: step.Content}, nil
}

// --- 调用记录查询 ---

// Calls 返回所有调用记录
func (m *MockAgent) Calls() []types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Task(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockAgent) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastCall 返回最后一次调用，未调用时 ok 为 false
func (m *MockAgent) LastCall() (types.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return types.Task{}, false
	}
	return m.calls[len(m.calls)-1], true
}

// Reset 清空调用记录
func (m *MockAgent) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
