package workflow

import (
	"fmt"
	"time"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// Status 表示工作流在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusTriggered Status = "triggered"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// TriggerType 是触发器类型的封闭枚举。
type TriggerType string

const (
	TriggerPrice    TriggerType = "price"
	TriggerSchedule TriggerType = "schedule"
	TriggerPolling  TriggerType = "polling"
	TriggerManual   TriggerType = "manual"
)

// 边标签。条件节点使用 on_true/on_false，事务节点使用 default。
const (
	EdgeOnTrue  = "on_true"
	EdgeOnFalse = "on_false"
	EdgeDefault = "default"
)

// Node 是工作流图中的一个节点。Config 保存节点类型各自的参数，
// 由引擎在调度时解码为具体类型。
type Node struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge 是节点之间的有向边。
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Workflow 描述一条用户定义的自动化工作流。
// TriggerConfig 是用户声明的触发意图，引擎不得改写；
// 轮询游标等引擎状态单独存放在 TriggerState 中。
type Workflow struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	SCAAddress  string `json:"sca_address,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	IsActive      bool           `json:"is_active"`
	TriggerType   TriggerType    `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	TriggerState  map[string]any `json:"trigger_state,omitempty"`

	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	State           Status     `json:"state"`
	NextCheckAt     *time.Time `json:"next_check_at,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`

	ExecutionCount int `json:"execution_count"`
	SuccessCount   int `json:"success_count"`
	FailureCount   int `json:"failure_count"`

	MaxRetries  int        `json:"max_retries"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`

	UpkeepID           string `json:"upkeep_id,omitempty"`
	RegistrationTxHash string `json:"registration_tx_hash,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

var (
	// ErrNotFound 表示指定的工作流不存在。
	ErrNotFound = xerrors.New(CodeWorkflowNotFound, "workflow not found")
	// ErrConflict 表示工作流在当前状态下无法进行所请求的操作。
	ErrConflict = xerrors.New(CodeWorkflowConflict, "workflow conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeWorkflowNotFound  xerrors.Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowConflict  xerrors.Code = "WORKFLOW_CONFLICT"
	CodeWorkflowStructure xerrors.Code = "WORKFLOW_STRUCTURE"
)

func init() {
	xerrors.Register(CodeWorkflowNotFound, xerrors.Attributes{
		Message:   "workflow not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowConflict, xerrors.Attributes{
		Message:   "workflow conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowStructure, xerrors.Attributes{
		Message:   "workflow graph is structurally invalid",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Validate 校验工作流图的结构：节点 ID 唯一、边的两端都指向
// 已存在的节点、图必须存在入口节点。没有入口的纯环图在创建时
// 即被拒绝，而不是等到执行时才发现。
func (w *Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return xerrors.New(CodeWorkflowStructure, "工作流至少需要一个节点")
	}

	ids := make(map[string]struct{}, len(w.Nodes))
	for _, node := range w.Nodes {
		if node.ID == "" {
			return xerrors.New(CodeWorkflowStructure, "节点 ID 不能为空")
		}
		if _, dup := ids[node.ID]; dup {
			return xerrors.New(CodeWorkflowStructure, fmt.Sprintf("节点 ID 重复: %s", node.ID))
		}
		ids[node.ID] = struct{}{}
	}

	targets := make(map[string]struct{}, len(w.Edges))
	for _, edge := range w.Edges {
		if _, ok := ids[edge.Source]; !ok {
			return xerrors.New(CodeWorkflowStructure, fmt.Sprintf("边引用了不存在的源节点: %s", edge.Source))
		}
		if _, ok := ids[edge.Target]; !ok {
			return xerrors.New(CodeWorkflowStructure, fmt.Sprintf("边引用了不存在的目标节点: %s", edge.Target))
		}
		targets[edge.Target] = struct{}{}
	}

	if len(targets) == len(w.Nodes) {
		return xerrors.New(CodeWorkflowStructure, "工作流没有入口节点（所有节点都是边的目标）")
	}
	return nil
}

// EntryNodeID 返回入口节点：按 Nodes 顺序第一个从未作为边目标
// 出现的节点。Validate 保证入口存在；仍保留兜底返回首节点。
func (w *Workflow) EntryNodeID() string {
	if len(w.Nodes) == 0 {
		return ""
	}
	targets := make(map[string]struct{}, len(w.Edges))
	for _, edge := range w.Edges {
		targets[edge.Target] = struct{}{}
	}
	for _, node := range w.Nodes {
		if _, ok := targets[node.ID]; !ok {
			return node.ID
		}
	}
	return w.Nodes[0].ID
}

// CanTrigger 判断工作流当前是否允许被触发。
// 已经在执行中的工作流不允许并发触发。
func (w *Workflow) CanTrigger() bool {
	if !w.IsActive {
		return false
	}
	switch w.State {
	case StatusPending, StatusActive:
		return true
	default:
		return false
	}
}

// CanRetry 判断失败后是否还有重试额度。
func (w *Workflow) CanRetry() bool {
	return w.RetryCount < w.MaxRetries
}

// ScheduleRetry 消耗一次重试额度，并把工作流放回待触发状态，
// 在 delay 之后由调度器重新拾起。
func (w *Workflow) ScheduleRetry(delay time.Duration) {
	w.RetryCount++
	w.State = StatusPending
	next := time.Now().Add(delay)
	w.NextCheckAt = &next
}

// RecordFailure 记录一次失败执行。
func (w *Workflow) RecordFailure(message string) {
	w.ExecutionCount++
	w.FailureCount++
	w.LastError = message
	now := time.Now()
	w.LastErrorAt = &now
	w.LastExecutedAt = &now
}

// RecordSuccess 记录一次成功执行并清空重试计数。
func (w *Workflow) RecordSuccess() {
	w.ExecutionCount++
	w.SuccessCount++
	w.RetryCount = 0
	w.LastError = ""
	now := time.Now()
	w.LastExecutedAt = &now
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusActive, StatusTriggered, StatusExecuting,
		StatusCompleted, StatusFailed, StatusCancelled, StatusPaused:
		return true
	default:
		return false
	}
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cloned := make(map[string]any, len(m))
	for key, value := range m {
		cloned[key] = value
	}
	return cloned
}
