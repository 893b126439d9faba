package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery and is responsible for acknowledging
// it. A nil delivery signals that the broker cancelled the consumer; nothing
// must be acknowledged in that case.
type MessageHandler func(ctx context.Context, ch Channel, delivery *amqp.Delivery)

// Consumer manages message consumption from RabbitMQ
type Consumer struct {
	prefetchCount   int
	concurrency     int
	exclusive       bool
	tagPrefix       string
	logger          *slog.Logger
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count. Zero means "same as concurrency".
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConcurrency sets how many handlers may run at once per queue
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		c.concurrency = n
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(options ...ConsumerOption) *Consumer {
	c := &Consumer{
		prefetchCount: 0,
		concurrency:   1,
		tagPrefix:     "mmate",
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.concurrency < 1 {
		c.concurrency = 1
	}

	return c
}

// ConsumerInfo tracks active consumer information
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Channel     Channel
	Cancel      context.CancelFunc
	Done        chan struct{}
}

// Subscribe starts consuming messages from a queue on the given channel and
// returns the consumer tag.
func (c *Consumer) Subscribe(ctx context.Context, ch Channel, queue string, handler MessageHandler) (string, error) {
	tag := fmt.Sprintf("%s-%s-%s", c.tagPrefix, queue, uuid.NewString()[:8])

	prefetch := c.prefetchCount
	if prefetch <= 0 {
		prefetch = c.concurrency
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return "", &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "qos",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	var pool *ants.Pool
	if c.concurrency > 1 {
		pool, err = ants.NewPool(c.concurrency)
		if err != nil {
			_ = ch.Cancel(tag, false)
			return "", &ConsumerError{
				Queue:       queue,
				ConsumerTag: tag,
				Op:          "worker pool",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		Channel:     ch,
		Cancel:      cancel,
		Done:        make(chan struct{}),
	}
	c.activeConsumers.Store(tag, info)

	go c.processMessages(consumerCtx, info, deliveries, handler, pool)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", prefetch,
		"concurrency", c.concurrency,
	)

	return tag, nil
}

// processMessages pumps deliveries into the handler until the consumer is
// cancelled or the delivery channel closes.
func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler MessageHandler, pool *ants.Pool) {
	var inflight sync.WaitGroup

	defer func() {
		inflight.Wait()
		if pool != nil {
			pool.Release()
		}
		c.activeConsumers.Delete(info.ConsumerTag)
		close(info.Done)
		c.logger.Info("consumer stopped", "queue", info.Queue, "consumerTag", info.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			if err := info.Channel.Cancel(info.ConsumerTag, false); err != nil {
				c.logger.Debug("consumer cancel failed", "queue", info.Queue, "error", err)
			}
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", info.Queue)
				handler(ctx, info.Channel, nil)
				return
			}

			if pool == nil {
				handler(ctx, info.Channel, &delivery)
				continue
			}

			inflight.Add(1)
			d := delivery
			if err := pool.Submit(func() {
				defer inflight.Done()
				handler(ctx, info.Channel, &d)
			}); err != nil {
				c.logger.Warn("worker pool rejected message, handling inline",
					"queue", info.Queue,
					"error", err)
				handler(ctx, info.Channel, &d)
				inflight.Done()
			}
		}
	}
}

// Unsubscribe stops every consumer of a queue and waits for them to finish
func (c *Consumer) Unsubscribe(queue string) error {
	var infos []*ConsumerInfo
	c.activeConsumers.Range(func(_, value interface{}) bool {
		if info := value.(*ConsumerInfo); info.Queue == queue {
			infos = append(infos, info)
		}
		return true
	})

	if len(infos) == 0 {
		return fmt.Errorf("%w for queue: %s", ErrNoActiveConsumer, queue)
	}

	for _, info := range infos {
		info.Cancel()
		<-info.Done
	}
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() {
	var wg sync.WaitGroup

	c.activeConsumers.Range(func(_, value interface{}) bool {
		info := value.(*ConsumerInfo)
		wg.Add(1)
		go func() {
			defer wg.Done()
			info.Cancel()
			<-info.Done
		}()
		return true
	})

	wg.Wait()
}

// GetActiveConsumers returns the sorted, de-duplicated list of consumed queues
func (c *Consumer) GetActiveConsumers() []string {
	seen := make(map[string]struct{})
	var queues []string
	c.activeConsumers.Range(func(_, value interface{}) bool {
		queue := value.(*ConsumerInfo).Queue
		if _, ok := seen[queue]; !ok {
			seen[queue] = struct{}{}
			queues = append(queues, queue)
		}
		return true
	})
	sort.Strings(queues)
	return queues
}
