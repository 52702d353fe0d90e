package execution

import (
	"context"
	"sort"
	"sync"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// MemoryStore 以内存方式保存执行记录，主要用于测试和单机运行。
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[string]*Execution)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, exec *Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	if exec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return xerrors.New(CodeExecutionConflict, "执行 ID 已存在")
	}
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// Get 返回执行记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExecution(exec), nil
}

// Update 覆盖保存执行记录。
func (m *MemoryStore) Update(_ context.Context, exec *Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; !ok {
		return ErrNotFound
	}
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// ListByWorkflow 返回指定工作流的执行记录，按开始时间倒序。
func (m *MemoryStore) ListByWorkflow(_ context.Context, workflowID string, limit int) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	results := make([]*Execution, 0, limit)
	for _, exec := range m.executions {
		if exec.WorkflowID != workflowID {
			continue
		}
		results = append(results, cloneExecution(exec))
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].StartedAt == results[j].StartedAt {
			return results[i].ID > results[j].ID
		}
		return results[i].StartedAt > results[j].StartedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneExecution(exec *Execution) *Execution {
	clone := *exec
	clone.Data = cloneMap(exec.Data)
	clone.Result = cloneMap(exec.Result)
	return &clone
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cloned := make(map[string]any, len(m))
	for key, value := range m {
		cloned[key] = value
	}
	return cloned
}

var _ Store = (*MemoryStore)(nil)
