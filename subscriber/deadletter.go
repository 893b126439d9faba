package subscriber

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// MaxDeathCount is the number of dead-letter cycles after which a failing
// message is acknowledged and dropped instead of being nacked again.
const MaxDeathCount = 3

// DeathCounter reports how many times a message has been dead-lettered
type DeathCounter interface {
	DeathCount(delivery *amqp.Delivery) int
}

// DeathCounterFunc is a function adapter for DeathCounter
type DeathCounterFunc func(delivery *amqp.Delivery) int

// DeathCount implements DeathCounter
func (f DeathCounterFunc) DeathCount(delivery *amqp.Delivery) int {
	return f(delivery)
}

// XDeathCounter reads the count of the first entry of the broker's x-death
// header. A missing or malformed header counts as zero.
type XDeathCounter struct{}

// DeathCount implements DeathCounter
func (XDeathCounter) DeathCount(delivery *amqp.Delivery) int {
	if delivery == nil || delivery.Headers == nil {
		return 0
	}

	xDeath, ok := delivery.Headers["x-death"].([]interface{})
	if !ok || len(xDeath) == 0 {
		return 0
	}

	var count interface{}
	switch death := xDeath[0].(type) {
	case amqp.Table:
		count = death["count"]
	case map[string]interface{}:
		count = death["count"]
	default:
		return 0
	}

	switch v := count.(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	case uint32:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
