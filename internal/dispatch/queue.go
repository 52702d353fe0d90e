package dispatch

import "context"

// Handler 处理来自派发队列的工作流 ID。
type Handler func(ctx context.Context, workflowID string) error

// Producer 负责向队列投递已触发的工作流。
type Producer interface {
	Publish(ctx context.Context, workflowID string) error
	Close() error
}

// Consumer 负责从队列中消费工作流。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
