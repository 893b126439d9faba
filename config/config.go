package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration of the subscriber
type Config struct {
	Broker        BrokerConfig         `yaml:"broker"`
	Exchanges     []string             `yaml:"exchanges"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Consumer      ConsumerConfig       `yaml:"consumer"`
	Health        HealthConfig         `yaml:"health"`
	Log           LogConfig            `yaml:"log"`
}

// BrokerConfig holds the RabbitMQ endpoints and credentials
type BrokerConfig struct {
	Hosts             []string      `yaml:"hosts"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	VHost             string        `yaml:"vhost"`
	ConnectionName    string        `yaml:"connection_name"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	InitialAttempts   int           `yaml:"initial_attempts"`
	ChannelRetryDelay time.Duration `yaml:"channel_retry_delay"`
}

// SubscriptionConfig places a named handler on the broker topology
type SubscriptionConfig struct {
	Name                 string        `yaml:"name"`
	Exchange             string        `yaml:"exchange"`
	RoutingKeys          []string      `yaml:"routing_keys"`
	Queue                string        `yaml:"queue"`
	DeadLetterExchange   string        `yaml:"dead_letter_exchange"`
	DeadLetterRoutingKey string        `yaml:"dead_letter_routing_key"`
	MessageTTL           time.Duration `yaml:"message_ttl"`
}

// ConsumerConfig tunes message consumption
type ConsumerConfig struct {
	Concurrency   int `yaml:"concurrency"`
	PrefetchCount int `yaml:"prefetch_count"`
	MaxDeathCount int `yaml:"max_death_count"`
}

// HealthConfig configures the HTTP health probe. An empty address disables it.
type HealthConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing else is set: a local
// broker with guest credentials and the three demo subscriptions.
func Default() *Config {
	cfg := &Config{
		Broker: BrokerConfig{
			Hosts:             []string{"localhost"},
			Port:              5672,
			User:              "guest",
			Password:          "guest",
			VHost:             "/",
			ConnectionName:    "mmate-subscriber",
			ReconnectDelay:    time.Second,
			InitialAttempts:   3,
			ChannelRetryDelay: time.Second,
		},
		Consumer: ConsumerConfig{
			Concurrency:   1,
			MaxDeathCount: 3,
		},
		Health: HealthConfig{
			Addr:    ":8080",
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}

	for i := 1; i <= 3; i++ {
		name := fmt.Sprintf("teste%d", i)
		exchange := "exchange.nestjs.rabbitmq." + name
		cfg.Exchanges = append(cfg.Exchanges, exchange)
		cfg.Subscriptions = append(cfg.Subscriptions, SubscriptionConfig{
			Name:        name,
			Exchange:    exchange,
			RoutingKeys: []string{name},
			Queue:       "queue.nestjs.rabbitmq." + name,
		})
	}

	return cfg
}

// URLs builds one amqp:// URL per configured host. Hosts that already carry
// a scheme are used as given.
func (b BrokerConfig) URLs() []string {
	urls := make([]string, 0, len(b.Hosts))
	for _, host := range b.Hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if strings.Contains(host, "://") {
			urls = append(urls, host)
			continue
		}

		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, strconv.Itoa(b.Port))
		}

		u := url.URL{Scheme: "amqp", Host: host, Path: "/"}
		if b.User != "" {
			u.User = url.UserPassword(b.User, b.Password)
		}
		if b.VHost != "" && b.VHost != "/" {
			u.Path = "/" + b.VHost
			u.RawPath = "/" + url.PathEscape(b.VHost)
		}
		urls = append(urls, u.String())
	}
	return urls
}

// Subscription returns the subscription with the given name
func (c *Config) Subscription(name string) (SubscriptionConfig, bool) {
	for _, s := range c.Subscriptions {
		if s.Name == name {
			return s, true
		}
	}
	return SubscriptionConfig{}, false
}

// Validate checks the configuration and returns every problem found
func (c *Config) Validate() error {
	var errs []error

	if len(c.Broker.URLs()) == 0 {
		errs = append(errs, errors.New("broker: at least one host is required"))
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker: invalid port %d", c.Broker.Port))
	}
	if c.Broker.InitialAttempts < 1 {
		errs = append(errs, errors.New("broker: initial_attempts must be at least 1"))
	}
	if c.Consumer.Concurrency < 1 {
		errs = append(errs, errors.New("consumer: concurrency must be at least 1"))
	}
	if c.Consumer.PrefetchCount < 0 {
		errs = append(errs, errors.New("consumer: prefetch_count cannot be negative"))
	}
	if c.Consumer.MaxDeathCount < 1 {
		errs = append(errs, errors.New("consumer: max_death_count must be at least 1"))
	}

	seen := make(map[string]struct{}, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: name is required", i))
		} else if _, dup := seen[s.Name]; dup {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = struct{}{}

		if s.Exchange == "" {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: exchange is required", i))
		}
		if s.Queue == "" {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: queue is required", i))
		}
		if len(s.RoutingKeys) == 0 {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: at least one routing key is required", i))
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
