package execution

import "context"

// Store 抽象了执行记录的持久化接口。引擎在创建后以及每个节点
// 完成后都会调用 Update，保证崩溃后可以还原执行进度。
type Store interface {
	Create(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	Update(ctx context.Context, exec *Execution) error
	ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*Execution, error)
	Close() error
}
