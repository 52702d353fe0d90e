package workflow

import (
	"context"
	"time"
)

// Store 抽象了工作流的持久化接口。
// Transition 是带状态前置条件的原子更新，调度与执行层依赖它
// 保证同一工作流最多只有一次在途执行。
type Store interface {
	Create(ctx context.Context, wf *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	Update(ctx context.Context, wf *Workflow) error
	UpdateTriggerState(ctx context.Context, id string, state map[string]any, nextCheckAt *time.Time) error
	Transition(ctx context.Context, id string, from []Status, to Status) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Workflow, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Workflow, error)
	Close() error
}
