package task

import (
	"context"
)

// Handler 处理来自消息队列的一条编码后的回报。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递回报。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费回报。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
