package students

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/mmate-subscriber/config"
	"github.com/glimte/mmate-subscriber/subscriber"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func message(body string) *subscriber.Message {
	d := &amqp.Delivery{RoutingKey: "teste1", Body: []byte(body)}
	var data interface{}
	if body != "" && body[0] == '{' {
		data = map[string]interface{}{}
	}
	return &subscriber.Message{Data: data, Delivery: d}
}

func TestNewService(t *testing.T) {
	t.Run("default topology registers three subscriptions", func(t *testing.T) {
		svc, err := NewService(config.Default().Subscriptions, slog.Default())
		require.NoError(t, err)

		registry := subscriber.NewRegistry()
		require.NoError(t, registry.RegisterService(svc))

		subs := registry.Subscribers()
		require.Len(t, subs, 3)
		for i, b := range subs {
			name := handlerNames[i]
			assert.Equal(t, "students."+name, b.ID())
			assert.Equal(t, "exchange.nestjs.rabbitmq."+name, b.Spec.Exchange)
			assert.Equal(t, []string{name}, b.Spec.RoutingKeys)
			assert.Equal(t, "queue.nestjs.rabbitmq."+name, b.Spec.Queue)
			assert.True(t, b.Spec.Options().Durable)
		}
	})

	t.Run("unknown handler name", func(t *testing.T) {
		_, err := NewService([]config.SubscriptionConfig{{Name: "teste9", Exchange: "ex", RoutingKeys: []string{"k"}, Queue: "q"}}, nil)
		assert.ErrorContains(t, err, `no handler named "teste9"`)
	})

	t.Run("dead-letter settings reach the queue options", func(t *testing.T) {
		svc, err := NewService([]config.SubscriptionConfig{{
			Name:               "teste1",
			Exchange:           "ex",
			RoutingKeys:        []string{"k"},
			Queue:              "q",
			DeadLetterExchange: "dlx",
			MessageTTL:         time.Minute,
		}}, nil)
		require.NoError(t, err)

		opts := svc.Subscriptions()[0].Spec.Options()
		assert.Equal(t, "dlx", opts.DeadLetterExchange)
		assert.Equal(t, time.Minute, opts.MessageTTL)
	})
}

func TestHandle(t *testing.T) {
	svc, err := NewService(config.Default().Subscriptions, slog.Default())
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
		want subscriber.Decision
	}{
		{"valid student", `{"name":"Ana","email":"ana@example.com"}`, subscriber.Ack},
		{"missing email", `{"name":"Ana"}`, subscriber.Reject},
		{"blank email", `{"name":"Ana","email":"  "}`, subscriber.Reject},
		{"not json", `hello`, subscriber.Reject},
		{"wrong shape", `{"name":1}`, subscriber.Reject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := svc.handle(context.Background(), message(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, decision)
		})
	}
}
