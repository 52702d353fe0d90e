package dispatch

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "github.com/copilfi/copil/internal/errors"
	"github.com/copilfi/copil/internal/execution"
	"github.com/copilfi/copil/internal/notify"
	"github.com/copilfi/copil/internal/trigger"
	"github.com/copilfi/copil/internal/workflow"
	"github.com/copilfi/copil/pkg/logger"
)

// Executor 定义了处理器所需的执行引擎能力。
type Executor interface {
	Execute(ctx context.Context, wf *workflow.Workflow) (*execution.Execution, error)
}

// Processor 负责从队列消费已触发的工作流并交给引擎执行。
// 消费入口先用状态机 CAS 抢占执行权，保证同一工作流在多个
// 消费实例之间最多只有一次在途执行。
type Processor struct {
	store          workflow.Store
	executor       Executor
	consumer       Consumer
	notifier       notify.Notifier
	failureWebhook string
	workerCount    int
	retryBase      time.Duration
	log            *slog.Logger
	audit          *slog.Logger
	now            func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorWorkers 设置消费协程数量。
func WithProcessorWorkers(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithFailureWebhook 配置终态失败的告警 webhook。
func WithFailureWebhook(notifier notify.Notifier, url string) ProcessorOption {
	return func(p *Processor) {
		p.notifier = notifier
		p.failureWebhook = url
	}
}

// WithRetryBase 设置重试退避的基准间隔。
func WithRetryBase(base time.Duration) ProcessorOption {
	return func(p *Processor) {
		if base > 0 {
			p.retryBase = base
		}
	}
}

// WithProcessorClock 覆盖时间源，测试用。
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store workflow.Store, executor Executor, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		executor:    executor,
		consumer:    consumer,
		workerCount: 1,
		retryBase:   time.Minute,
		log:         logger.Named("dispatch"),
		audit:       logger.Audit(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动消费循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置队列消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理一条队列消息。返回 nil 表示消息已被消化；真正的
// 重试由工作流自身的退避排期完成，不依赖队列重投。
func (p *Processor) Handle(ctx context.Context, workflowID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}

	claimed, err := p.store.Transition(ctx, workflowID,
		[]workflow.Status{workflow.StatusTriggered, workflow.StatusPending}, workflow.StatusExecuting)
	if err != nil {
		if stdErrors.Is(err, workflow.ErrNotFound) {
			p.log.Debug("skip unknown workflow", slog.String("workflow_id", workflowID))
			return nil
		}
		p.log.Error("claim workflow failed",
			slog.String("workflow_id", workflowID), slog.Any("error", err))
		return err
	}
	if !claimed {
		// 别的消费实例已经抢到，直接吞掉消息。
		p.log.Debug("workflow claimed elsewhere", slog.String("workflow_id", workflowID))
		return nil
	}

	wf, err := p.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}

	exec, execErr := p.executor.Execute(ctx, wf)
	if execErr != nil {
		return p.handleFailure(ctx, wf, exec, execErr)
	}
	return p.handleSuccess(ctx, wf, exec)
}

func (p *Processor) handleSuccess(ctx context.Context, wf *workflow.Workflow, exec *execution.Execution) error {
	wf.RecordSuccess()
	p.settle(wf)

	if err := p.store.Update(ctx, wf); err != nil {
		p.log.Error("persist workflow after success failed",
			slog.String("workflow_id", wf.ID), slog.Any("error", err))
		return err
	}

	attrs := []any{
		slog.String("workflow_id", wf.ID),
		slog.String("state", string(wf.State)),
	}
	if exec != nil {
		attrs = append(attrs, slog.String("execution_id", exec.ID))
		if exec.TxHash != "" {
			attrs = append(attrs, slog.String("tx_hash", exec.TxHash))
		}
	}
	p.audit.Info("workflow executed", attrs...)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, wf *workflow.Workflow, exec *execution.Execution, execErr error) error {
	wf.RecordFailure(execErr.Error())

	retryable := xerrors.RetryableError(execErr)
	if retryable && wf.CanRetry() {
		// 指数退避：第 n 次重试等 base * 2^(n-1)。
		delay := p.retryBase << uint(wf.RetryCount)
		wf.ScheduleRetry(delay)
		if err := p.store.Update(ctx, wf); err != nil {
			p.log.Error("persist workflow retry failed",
				slog.String("workflow_id", wf.ID), slog.Any("error", err))
			return err
		}
		p.audit.Warn("workflow execution failed, retry scheduled",
			slog.String("workflow_id", wf.ID),
			slog.Int("retry_count", wf.RetryCount),
			slog.Int("max_retries", wf.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", execErr.Error()))
		return nil
	}

	wf.State = workflow.StatusFailed
	wf.IsActive = false
	wf.NextCheckAt = nil
	if err := p.store.Update(ctx, wf); err != nil {
		p.log.Error("persist workflow failure failed",
			slog.String("workflow_id", wf.ID), slog.Any("error", err))
		return err
	}

	attrs := []any{
		slog.String("workflow_id", wf.ID),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(xerrors.CodeOf(execErr))),
		slog.Int("failure_count", wf.FailureCount),
	}
	if exec != nil && exec.FailedAtNode != "" {
		attrs = append(attrs, slog.String("failed_at_node", exec.FailedAtNode))
	}
	p.audit.Warn("workflow terminally failed", attrs...)

	p.alertFailure(ctx, wf, exec, execErr)
	return nil
}

// settle 决定一次成功执行之后的工作流状态。循环的定时任务按间隔
// 重新排期，一次性的定时任务结束生命周期，其余触发类型保持常驻。
func (p *Processor) settle(wf *workflow.Workflow) {
	if wf.TriggerType == workflow.TriggerSchedule {
		var cfg trigger.ScheduleConfig
		if err := decodeSchedule(wf.TriggerConfig, &cfg); err == nil {
			if !cfg.Recurring {
				wf.State = workflow.StatusCompleted
				wf.IsActive = false
				wf.NextCheckAt = nil
				return
			}
			if cfg.IntervalSeconds > 0 {
				next := p.now().Add(time.Duration(cfg.IntervalSeconds) * time.Second)
				wf.NextCheckAt = &next
			}
		}
	}
	wf.State = workflow.StatusActive
}

func (p *Processor) alertFailure(ctx context.Context, wf *workflow.Workflow, exec *execution.Execution, cause error) {
	if p.notifier == nil || p.failureWebhook == "" {
		return
	}
	payload := map[string]any{
		"workflow_id":   wf.ID,
		"workflow_name": wf.Name,
		"user_id":       wf.UserID,
		"error":         cause.Error(),
		"error_code":    string(xerrors.CodeOf(cause)),
		"failed_at":     p.now().UTC().Format(time.RFC3339),
	}
	if exec != nil {
		payload["execution_id"] = exec.ID
		if exec.FailedAtNode != "" {
			payload["failed_at_node"] = exec.FailedAtNode
		}
	}
	if err := p.notifier.Send(ctx, p.failureWebhook,
		"workflow "+wf.Name+" failed: "+cause.Error(), payload); err != nil {
		p.log.Error("failure alert delivery failed",
			slog.String("workflow_id", wf.ID), slog.Any("error", err))
	}
}
