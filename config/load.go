package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv
const (
	EnvHost       = "RABBITMQ_HOST"
	EnvPort       = "RABBITMQ_PORT"
	EnvUser       = "RABBITMQ_USER"
	EnvPassword   = "RABBITMQ_PASSWORD"
	EnvVHost      = "RABBITMQ_VHOST"
	EnvHealthAddr = "SUBSCRIBER_HEALTH_ADDR"
	EnvLogLevel   = "SUBSCRIBER_LOG_LEVEL"
	EnvLogFormat  = "SUBSCRIBER_LOG_FORMAT"
)

// Flag names registered by RegisterFlags
const (
	FlagHosts       = "rabbitmq-host"
	FlagUser        = "rabbitmq-user"
	FlagPassword    = "rabbitmq-password"
	FlagVHost       = "rabbitmq-vhost"
	FlagConcurrency = "concurrency"
	FlagPrefetch    = "prefetch"
	FlagHealthAddr  = "health-addr"
	FlagLogLevel    = "log-level"
	FlagLogFormat   = "log-format"
)

// DecodeStrict decodes YAML from a reader and rejects any unknown fields.
func DecodeStrict(r io.Reader, out interface{}) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load builds the configuration from defaults, the optional YAML file at
// path and the process environment. Flags are applied separately with
// ApplyFlags because they are parsed by the command.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		if err := DecodeStrict(f, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the RABBITMQ_* and SUBSCRIBER_* variables
// found by lookup. Blank values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := get(EnvHost); ok {
		cfg.Broker.Hosts = splitList(v)
	}
	if v, ok := get(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		cfg.Broker.Port = port
	}
	if v, ok := get(EnvUser); ok {
		cfg.Broker.User = v
	}
	if v, ok := lookup(EnvPassword); ok && v != "" {
		cfg.Broker.Password = v
	}
	if v, ok := get(EnvVHost); ok {
		cfg.Broker.VHost = v
	}
	if v, ok := get(EnvHealthAddr); ok {
		cfg.Health.Addr = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	if v, ok := get(EnvLogFormat); ok {
		cfg.Log.Format = v
	}
	return nil
}

// RegisterFlags defines the configuration flags on fs
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice(FlagHosts, nil, "RabbitMQ hosts (comma separated, host or host:port)")
	fs.String(FlagUser, "", "RabbitMQ user")
	fs.String(FlagPassword, "", "RabbitMQ password")
	fs.String(FlagVHost, "", "RabbitMQ virtual host")
	fs.Int(FlagConcurrency, 0, "Messages handled at once per queue")
	fs.Int(FlagPrefetch, 0, "Prefetch count per consumer (defaults to concurrency)")
	fs.String(FlagHealthAddr, "", "Health probe listen address, empty to disable")
	fs.String(FlagLogLevel, "", "Log level (debug, info, warn, error)")
	fs.String(FlagLogFormat, "", "Log format (text, json)")
}

// ApplyFlags overrides cfg with the flags that were set on the command line
func ApplyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var err error
	changed := func(name string) bool {
		return err == nil && fs.Lookup(name) != nil && fs.Changed(name)
	}

	if changed(FlagHosts) {
		var hosts []string
		if hosts, err = fs.GetStringSlice(FlagHosts); err == nil {
			cfg.Broker.Hosts = hosts
		}
	}
	if changed(FlagUser) {
		cfg.Broker.User, err = fs.GetString(FlagUser)
	}
	if changed(FlagPassword) {
		cfg.Broker.Password, err = fs.GetString(FlagPassword)
	}
	if changed(FlagVHost) {
		cfg.Broker.VHost, err = fs.GetString(FlagVHost)
	}
	if changed(FlagConcurrency) {
		cfg.Consumer.Concurrency, err = fs.GetInt(FlagConcurrency)
	}
	if changed(FlagPrefetch) {
		cfg.Consumer.PrefetchCount, err = fs.GetInt(FlagPrefetch)
	}
	if changed(FlagHealthAddr) {
		cfg.Health.Addr, err = fs.GetString(FlagHealthAddr)
	}
	if changed(FlagLogLevel) {
		cfg.Log.Level, err = fs.GetString(FlagLogLevel)
	}
	if changed(FlagLogFormat) {
		cfg.Log.Format, err = fs.GetString(FlagLogFormat)
	}

	if err != nil {
		return fmt.Errorf("invalid flag: %w", err)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
