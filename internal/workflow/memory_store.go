package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// MemoryStore 以内存方式保存工作流，主要用于测试和单机运行。
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*Workflow)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, wf *Workflow) error {
	if wf == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}
	if wf.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return ErrConflict
	}
	now := time.Now().Unix()
	if wf.CreatedAt == 0 {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	m.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// Get 返回工作流。
func (m *MemoryStore) Get(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWorkflow(wf), nil
}

// Update 覆盖保存工作流。
func (m *MemoryStore) Update(_ context.Context, wf *Workflow) error {
	if wf == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; !ok {
		return ErrNotFound
	}
	wf.UpdatedAt = time.Now().Unix()
	m.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// UpdateTriggerState 只更新引擎侧的游标状态，不触碰用户配置。
func (m *MemoryStore) UpdateTriggerState(_ context.Context, id string, state map[string]any, nextCheckAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return ErrNotFound
	}
	wf.TriggerState = cloneAnyMap(state)
	if nextCheckAt != nil {
		next := *nextCheckAt
		wf.NextCheckAt = &next
	}
	wf.UpdatedAt = time.Now().Unix()
	return nil
}

// Transition 带状态前置条件的原子状态迁移。
// 返回 false 表示前置条件不满足，没有发生任何修改。
func (m *MemoryStore) Transition(_ context.Context, id string, from []Status, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return false, ErrNotFound
	}
	matched := false
	for _, status := range from {
		if wf.State == status {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	wf.State = to
	if to == StatusTriggered {
		now := time.Now()
		wf.LastTriggeredAt = &now
	}
	wf.UpdatedAt = time.Now().Unix()
	return true, nil
}

// ListDue 返回到期需要检查触发条件的活跃工作流。
func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	results := make([]*Workflow, 0, limit)
	for _, wf := range m.workflows {
		if !wf.CanTrigger() {
			continue
		}
		if wf.NextCheckAt != nil && wf.NextCheckAt.After(now) {
			continue
		}
		results = append(results, cloneWorkflow(wf))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ListByUser 返回指定用户的工作流。
func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	results := make([]*Workflow, 0, limit)
	for _, wf := range m.workflows {
		if userID != "" && wf.UserID != userID {
			continue
		}
		results = append(results, cloneWorkflow(wf))
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
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

func cloneWorkflow(wf *Workflow) *Workflow {
	clone := *wf
	clone.TriggerConfig = cloneAnyMap(wf.TriggerConfig)
	clone.TriggerState = cloneAnyMap(wf.TriggerState)
	if wf.Nodes != nil {
		clone.Nodes = make([]Node, len(wf.Nodes))
		for i, node := range wf.Nodes {
			clone.Nodes[i] = node
			clone.Nodes[i].Config = cloneAnyMap(node.Config)
		}
	}
	if wf.Edges != nil {
		clone.Edges = append([]Edge(nil), wf.Edges...)
	}
	clone.NextCheckAt = cloneTime(wf.NextCheckAt)
	clone.LastTriggeredAt = cloneTime(wf.LastTriggeredAt)
	clone.LastExecutedAt = cloneTime(wf.LastExecutedAt)
	clone.LastErrorAt = cloneTime(wf.LastErrorAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}

var _ Store = (*MemoryStore)(nil)
