package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-subscriber/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// maxLoggedBody caps how much of a failing message's body is logged
const maxLoggedBody = 4096

// messageProcessor runs one delivery through decode, handler and dispatch
type messageProcessor struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func newMessageProcessor(dispatcher *Dispatcher, logger *slog.Logger) *messageProcessor {
	return &messageProcessor{dispatcher: dispatcher, logger: logger}
}

// handlerFor adapts a binding to the consumer's delivery callback
func (p *messageProcessor) handlerFor(binding SubscriberBinding) rabbitmq.MessageHandler {
	return func(ctx context.Context, ch rabbitmq.Channel, delivery *amqp.Delivery) {
		p.process(ctx, ch, binding, delivery)
	}
}

// process handles one delivery. The handler always finishes before the
// delivery is acknowledged, and nothing it does can escape this call.
func (p *messageProcessor) process(ctx context.Context, ch Channel, binding SubscriberBinding, delivery *amqp.Delivery) {
	if delivery == nil {
		p.logger.Debug("consumer cancelled by broker",
			"subscriber", binding.ID(),
			"queue", binding.Spec.Queue)
		return
	}

	msg := &Message{
		Data:     decodeBody(delivery.Body),
		Delivery: delivery,
		Channel:  ch,
	}

	decision, err := invoke(ctx, binding.Handler, msg)
	if err != nil {
		p.logger.Error("subscriber failed to process message",
			"subscriber", binding.ID(),
			"queue", binding.Spec.Queue,
			"routingKey", delivery.RoutingKey,
			"content", truncate(delivery.Body, maxLoggedBody),
			"error", err)
		decision = Nack
	}

	if err := p.dispatcher.Dispatch(delivery, decision); err != nil {
		p.logger.Error("failed to dispatch acknowledgement",
			"subscriber", binding.ID(),
			"decision", ResolveDecision(decision).String(),
			"error", err)
	}
}

// invoke calls the handler and converts a panic into an error
func invoke(ctx context.Context, handler Handler, msg *Message) (decision Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			decision = NoDecision
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler.Handle(ctx, msg)
}

// decodeBody parses a JSON body. Anything that is not JSON decodes to nil.
func decodeBody(body []byte) interface{} {
	if len(body) == 0 {
		return nil
	}
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil
	}
	return data
}

func truncate(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}
