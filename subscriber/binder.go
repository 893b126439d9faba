package subscriber

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-subscriber/internal/rabbitmq"
)

// BindReport summarizes one binding pass
type BindReport struct {
	Bound   int
	Skipped int
	Failed  int
	Errors  []error
}

// ChannelScope hands out short-lived channels for topology work
type ChannelScope = rabbitmq.ChannelScope

// Binder declares the queue of every subscriber, binds it for each routing
// key and starts consuming it. A failing subscriber does not stop the others.
//
// With a channel scope, the declare and bind calls of each subscriber run on
// a channel of their own and only consumers use the shared channel. The
// broker closes a channel on any declaration conflict, so without a scope a
// conflict also fails every subscriber bound after it.
type Binder struct {
	topology  *rabbitmq.TopologyManager
	consumer  *rabbitmq.Consumer
	processor *messageProcessor
	logger    *slog.Logger

	mu    sync.RWMutex
	scope ChannelScope
}

// BinderOption configures the Binder
type BinderOption func(*Binder)

// WithChannelScope runs declarations on channels obtained from scope
func WithChannelScope(scope ChannelScope) BinderOption {
	return func(b *Binder) {
		b.scope = scope
	}
}

// NewBinder creates a binder
func NewBinder(topology *rabbitmq.TopologyManager, consumer *rabbitmq.Consumer, dispatcher *Dispatcher, logger *slog.Logger, options ...BinderOption) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Binder{
		topology:  topology,
		consumer:  consumer,
		processor: newMessageProcessor(dispatcher, logger),
		logger:    logger,
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// SetChannelScope replaces the channel scope. A nil scope declares on the
// shared channel.
func (b *Binder) SetChannelScope(scope ChannelScope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scope = scope
}

// Scope returns the current channel scope, nil if there is none
func (b *Binder) Scope() ChannelScope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scope
}

// Bind sets up every binding on the channel. Consumers live until ctx is
// cancelled or the channel closes.
func (b *Binder) Bind(ctx context.Context, ch Channel, bindings []SubscriberBinding) BindReport {
	var report BindReport

	for _, binding := range bindings {
		err := b.bindOne(ctx, ch, binding)
		switch {
		case err == nil:
			report.Bound++
		case errors.Is(err, ErrEmptyQueue):
			report.Skipped++
		default:
			report.Failed++
			report.Errors = append(report.Errors, err)
			b.logger.Error("failed to bind subscriber",
				"subscriber", binding.ID(),
				"exchange", binding.Spec.Exchange,
				"queue", binding.Spec.Queue,
				"retryable", rabbitmq.IsRetryable(err),
				"error", err)
		}
	}

	b.logger.Info("subscribers bound",
		"bound", report.Bound,
		"skipped", report.Skipped,
		"failed", report.Failed)

	return report
}

func (b *Binder) bindOne(ctx context.Context, ch Channel, binding SubscriberBinding) error {
	spec := binding.Spec
	if spec.Queue == "" {
		b.logger.Debug("skipping subscriber without queue", "subscriber", binding.ID())
		return ErrEmptyQueue
	}

	name := spec.Queue
	declare := func(dch Channel) error {
		queue, err := b.topology.DeclareQueue(dch, spec.queueDeclaration())
		if err != nil {
			return b.bindError(binding, "declare", err)
		}
		if queue.Name != "" {
			name = queue.Name
		}

		if err := b.topology.BindQueueKeys(ctx, dch, name, spec.Exchange, spec.RoutingKeys); err != nil {
			return b.bindError(binding, "bind", err)
		}
		return nil
	}

	var err error
	if scope := b.Scope(); scope != nil {
		err = scope(declare)
	} else {
		err = declare(ch)
	}
	if err != nil {
		var bindErr *BindError
		if errors.As(err, &bindErr) {
			return err
		}
		return b.bindError(binding, "channel", err)
	}

	if _, err := b.consumer.Subscribe(ctx, ch, name, b.processor.handlerFor(binding)); err != nil {
		return b.bindError(binding, "consume", err)
	}

	b.logger.Debug("subscriber bound",
		"subscriber", binding.ID(),
		"exchange", spec.Exchange,
		"routingKeys", spec.RoutingKeys,
		"queue", name)
	return nil
}

func (b *Binder) bindError(binding SubscriberBinding, op string, err error) error {
	return &BindError{
		Service:   binding.Service,
		Name:      binding.Name,
		Queue:     binding.Spec.Queue,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
