package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/mitchellh/mapstructure"

	xerrors "github.com/copilfi/copil/internal/errors"
	"github.com/copilfi/copil/internal/trigger"
	"github.com/copilfi/copil/internal/workflow"
	"github.com/copilfi/copil/pkg/logger"
)

// Evaluator 是调度器需要的触发判定能力。
type Evaluator interface {
	Evaluate(ctx context.Context, wf *workflow.Workflow) (bool, map[string]any, error)
}

// Dispatcher 周期性扫描到期的工作流：逐个判定触发条件，把触发
// 游标写回存储，命中的工作流通过状态机 CAS 抢占后投递到队列。
type Dispatcher struct {
	store     workflow.Store
	evaluator Evaluator
	producer  Producer
	interval  time.Duration
	batchSize int
	log       *slog.Logger
	audit     *slog.Logger
	now       func() time.Time
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock 覆盖时间源，测试用。
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithDispatcherLogger 指定日志输出。
func WithDispatcherLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(store workflow.Store, evaluator Evaluator, producer Producer, interval time.Duration, batchSize int, opts ...DispatcherOption) *Dispatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	d := &Dispatcher{
		store:     store,
		evaluator: evaluator,
		producer:  producer,
		interval:  interval,
		batchSize: batchSize,
		log:       logger.Named("dispatch"),
		audit:     logger.Audit(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Run 启动扫描循环，直到 ctx 取消。
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Sweep(ctx); err != nil {
				d.log.Error("trigger sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep 执行一轮扫描。单个工作流的判定失败只记日志，不中断
// 同一轮里其余工作流的处理。
func (d *Dispatcher) Sweep(ctx context.Context) error {
	now := d.now()
	due, err := d.store.ListDue(ctx, now, d.batchSize)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "列出到期工作流失败")
	}

	for _, wf := range due {
		if err := d.check(ctx, wf); err != nil {
			d.log.Error("workflow check failed",
				slog.String("workflow_id", wf.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (d *Dispatcher) check(ctx context.Context, wf *workflow.Workflow) error {
	fired, state, evalErr := d.evaluator.Evaluate(ctx, wf)

	// 游标无论是否命中都要写回，否则轮询类触发器会在下一轮
	// 重复观测同一段历史。
	nextCheck := d.nextCheckAt(wf, fired)
	if err := d.store.UpdateTriggerState(ctx, wf.ID, state, nextCheck); err != nil {
		d.log.Error("persist trigger state failed",
			slog.String("workflow_id", wf.ID), slog.Any("error", err))
	}
	if evalErr != nil {
		return evalErr
	}
	if !fired || !wf.CanTrigger() {
		return nil
	}

	// CAS 抢占：并发的调度实例里只有一个能把状态推进到 triggered。
	claimed, err := d.store.Transition(ctx, wf.ID,
		[]workflow.Status{workflow.StatusPending, workflow.StatusActive}, workflow.StatusTriggered)
	if err != nil {
		return err
	}
	if !claimed {
		d.log.Debug("workflow already claimed", slog.String("workflow_id", wf.ID))
		return nil
	}

	if err := d.producer.Publish(ctx, wf.ID); err != nil {
		// 投递失败时把状态放回去，等下一轮重新触发。
		if _, rollbackErr := d.store.Transition(ctx, wf.ID,
			[]workflow.Status{workflow.StatusTriggered}, workflow.StatusPending); rollbackErr != nil {
			d.log.Error("rollback after publish failure failed",
				slog.String("workflow_id", wf.ID), slog.Any("error", rollbackErr))
		}
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递触发的工作流失败")
	}

	d.audit.Info("workflow triggered",
		slog.String("workflow_id", wf.ID),
		slog.String("trigger_type", string(wf.TriggerType)))
	return nil
}

// nextCheckAt 计算下一次扫描时间。定时触发器按用户配置的间隔
// 排期，其余类型按调度周期回到队首。
func (d *Dispatcher) nextCheckAt(wf *workflow.Workflow, fired bool) *time.Time {
	now := d.now()
	if wf.TriggerType == workflow.TriggerSchedule {
		var cfg trigger.ScheduleConfig
		if err := decodeSchedule(wf.TriggerConfig, &cfg); err == nil && cfg.IntervalSeconds > 0 {
			if fired {
				next := now.Add(time.Duration(cfg.IntervalSeconds) * time.Second)
				return &next
			}
			// 未到期的定时任务保留原排期。
			if wf.NextCheckAt != nil {
				next := *wf.NextCheckAt
				return &next
			}
		}
	}
	next := now.Add(d.interval)
	return &next
}

// ExecuteNow 立即触发一次工作流，供 API 的手动执行入口使用。
// 同样走 CAS 抢占，已在执行中的工作流会返回冲突。
func (d *Dispatcher) ExecuteNow(ctx context.Context, workflowID string) error {
	wf, err := d.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if !wf.CanTrigger() {
		return workflow.ErrConflict
	}

	claimed, err := d.store.Transition(ctx, wf.ID,
		[]workflow.Status{workflow.StatusPending, workflow.StatusActive}, workflow.StatusTriggered)
	if err != nil {
		return err
	}
	if !claimed {
		return workflow.ErrConflict
	}

	if err := d.producer.Publish(ctx, wf.ID); err != nil {
		if _, rollbackErr := d.store.Transition(ctx, wf.ID,
			[]workflow.Status{workflow.StatusTriggered}, workflow.StatusPending); rollbackErr != nil {
			d.log.Error("rollback after publish failure failed",
				slog.String("workflow_id", wf.ID), slog.Any("error", rollbackErr))
		}
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递手动触发的工作流失败")
	}

	d.audit.Info("workflow triggered manually", slog.String("workflow_id", wf.ID))
	return nil
}

func decodeSchedule(raw map[string]any, out *trigger.ScheduleConfig) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}
