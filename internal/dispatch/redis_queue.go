package dispatch

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

func (c *RedisQueueConfig) normalize() error {
	if c.Address == "" {
		return xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	if c.Queue == "" {
		c.Queue = "copil:dispatch"
	}
	if c.BlockWait <= 0 {
		c.BlockWait = 5 * time.Second
	}
	return nil
}

// RedisQueue 用 Redis list 承载派发队列：LPUSH 投递，BRPOP 消费。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例并验证连接。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return &RedisQueue{client: client, queue: cfg.Queue, wait: cfg.BlockWait}, nil
}

// Publish 将工作流投递到队首。
func (q *RedisQueue) Publish(ctx context.Context, workflowID string) error {
	if err := q.client.LPush(ctx, q.queue, workflowID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 投递工作流失败")
	}
	return nil
}

// Consume 启动 workerCount 个消费协程，阻塞到 ctx 取消或出现
// 不可恢复的错误。处理失败的消息会被放回队尾，由下一次消费重试。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() { firstErr = err })
	}

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				workflowID, err := q.pop(ctx)
				if err != nil {
					if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, redis.ErrClosed) {
						return
					}
					if err == errEmpty {
						continue
					}
					fail(err)
					return
				}
				if handlerErr := handler(ctx, workflowID); handlerErr != nil {
					// 放回队尾，等待下一轮消费。
					_ = q.client.RPush(ctx, q.queue, workflowID).Err()
				}
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

var errEmpty = stdErrors.New("queue empty")

func (q *RedisQueue) pop(ctx context.Context) (string, error) {
	values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
	if err != nil {
		if err == redis.Nil {
			return "", errEmpty
		}
		if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, redis.ErrClosed) {
			return "", err
		}
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取工作流失败")
	}
	if len(values) != 2 {
		return "", errEmpty
	}
	return values[1], nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
