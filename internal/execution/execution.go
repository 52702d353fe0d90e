package execution

import (
	"time"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// Status 表示一次工作流执行的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Execution 是一次工作流运行的持久化记录。
// Data 以节点 ID 为键保存每个已完成节点的输出，供后续节点的
// 占位符解析引用。CurrentNodeID 为空表示执行已经结束。
type Execution struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	Status        Status         `json:"status"`
	CurrentNodeID string         `json:"current_node_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	TxHash        string         `json:"tx_hash,omitempty"`
	Error         string         `json:"error,omitempty"`
	FailedAtNode  string         `json:"failed_at_node,omitempty"`
	RetryOf       string         `json:"retry_of,omitempty"`
	StartedAt     int64          `json:"started_at"`
	CompletedAt   int64          `json:"completed_at,omitempty"`
}

// ErrNotFound 表示指定的执行记录不存在。
var ErrNotFound = xerrors.New(CodeExecutionNotFound, "execution not found")

const (
	CodeExecutionNotFound xerrors.Code = "EXECUTION_NOT_FOUND"
	CodeExecutionConflict xerrors.Code = "EXECUTION_CONFLICT"
)

func init() {
	xerrors.Register(CodeExecutionNotFound, xerrors.Attributes{
		Message:   "execution not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeExecutionConflict, xerrors.Attributes{
		Message:   "execution conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Start 将执行置为进行中，并定位到入口节点。
func (e *Execution) Start(entryNodeID string) {
	e.Status = StatusExecuting
	e.CurrentNodeID = entryNodeID
	if e.StartedAt == 0 {
		e.StartedAt = time.Now().Unix()
	}
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
}

// Advance 记录当前节点的输出并把游标移动到下一个节点。
// nextNodeID 为空表示图走到了终点。
func (e *Execution) Advance(nodeID string, output map[string]any, nextNodeID string) {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[nodeID] = map[string]any{"output": output}
	e.CurrentNodeID = nextNodeID
}

// Complete 将执行标记为成功结束。
func (e *Execution) Complete(result map[string]any) {
	e.Status = StatusCompleted
	e.CurrentNodeID = ""
	e.Result = result
	e.CompletedAt = time.Now().Unix()
}

// Fail 记录失败节点与原因。
func (e *Execution) Fail(nodeID, message string) {
	e.Status = StatusFailed
	e.FailedAtNode = nodeID
	e.Error = message
	e.CurrentNodeID = ""
	e.CompletedAt = time.Now().Unix()
}

// Finished 判断执行是否处于终态。
func (e *Execution) Finished() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}
