// Package students contains the demo subscribers: three queues receiving
// student records.
package students

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/mmate-subscriber/config"
	"github.com/glimte/mmate-subscriber/subscriber"
)

// Student is the payload published for a new student
type Student struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Handlers are looked up by subscription name
var handlerNames = []string{"teste1", "teste2", "teste3"}

// Service subscribes the student handlers to the configured topology
type Service struct {
	logger *slog.Logger
	subs   []subscriber.Subscription
}

// NewService creates the service for the configured subscriptions. Every
// subscription must name one of the known handlers.
func NewService(subscriptions []config.SubscriptionConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{logger: logger.With("service", "students")}

	for _, sc := range subscriptions {
		if !known(sc.Name) {
			return nil, fmt.Errorf("students: no handler named %q (known: %s)", sc.Name, strings.Join(handlerNames, ", "))
		}
		s.subs = append(s.subs, subscriber.Subscription{
			Name:    sc.Name,
			Spec:    specFrom(sc),
			Handler: subscriber.HandlerFunc(s.handle),
		})
	}
	return s, nil
}

func (s *Service) Name() string {
	return "students"
}

func (s *Service) Subscriptions() []subscriber.Subscription {
	return append([]subscriber.Subscription(nil), s.subs...)
}

// handle logs a received student. Payloads that cannot be a student are
// rejected: redelivering them would not help.
func (s *Service) handle(ctx context.Context, msg *subscriber.Message) (subscriber.Decision, error) {
	var student Student
	if msg.Data == nil || msg.Decode(&student) != nil {
		s.logger.Warn("discarding message that is not a student",
			"routingKey", msg.RoutingKey(),
			"size", len(msg.Body()))
		return subscriber.Reject, nil
	}

	if strings.TrimSpace(student.Email) == "" {
		s.logger.Warn("discarding student without email",
			"routingKey", msg.RoutingKey(),
			"name", student.Name)
		return subscriber.Reject, nil
	}

	s.logger.Info("student received",
		"routingKey", msg.RoutingKey(),
		"name", student.Name,
		"email", student.Email)
	return subscriber.Ack, nil
}

func known(name string) bool {
	for _, n := range handlerNames {
		if n == name {
			return true
		}
	}
	return false
}

func specFrom(sc config.SubscriptionConfig) subscriber.SubscriptionSpec {
	opts := subscriber.DefaultQueueOptions()
	opts.DeadLetterExchange = sc.DeadLetterExchange
	opts.DeadLetterRoutingKey = sc.DeadLetterRoutingKey
	opts.MessageTTL = sc.MessageTTL

	return subscriber.SubscriptionSpec{
		Exchange:     sc.Exchange,
		RoutingKeys:  append([]string(nil), sc.RoutingKeys...),
		Queue:        sc.Queue,
		QueueOptions: &opts,
	}
}
