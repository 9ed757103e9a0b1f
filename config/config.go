// Package config assembles the proxy's settings. Values start from Default,
// may be overlaid by a YAML file, and are finally overridden by environment
// variables. Every constructor downstream receives explicit values derived
// from a validated Config; nothing reads the environment on its own.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/mcp-proxy-go/pool"
	"github.com/ggoodman/mcp-proxy-go/process"
	"github.com/ggoodman/mcp-proxy-go/proxy"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

// Upstream names the server the proxy forwards to.
type Upstream struct {
	Kind    string            `env:"PROXY_UPSTREAM_KIND" yaml:"kind"`
	Command string            `env:"PROXY_UPSTREAM_COMMAND" yaml:"command"`
	Args    []string          `env:"PROXY_UPSTREAM_ARGS" yaml:"args"`
	Env     []string          `yaml:"env"`
	Dir     string            `env:"PROXY_UPSTREAM_DIR" yaml:"dir"`
	URL     string            `env:"PROXY_UPSTREAM_URL" yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	// Strategy overrides the pooling strategy for the upstream's kind.
	Strategy string `env:"PROXY_POOL_STRATEGY" yaml:"strategy"`
}

// Transport holds per-connection timeouts and limits.
type Transport struct {
	ConnectTimeout  time.Duration `env:"PROXY_CONNECT_TIMEOUT" yaml:"connect_timeout"`
	ReadTimeout     time.Duration `env:"PROXY_READ_TIMEOUT" yaml:"read_timeout"`
	WriteTimeout    time.Duration `env:"PROXY_WRITE_TIMEOUT" yaml:"write_timeout"`
	MaxMessageSize  int           `env:"PROXY_MAX_MESSAGE_SIZE" yaml:"max_message_size"`
	ChannelCapacity int           `env:"PROXY_CHANNEL_CAPACITY" yaml:"channel_capacity"`
	TerminateGrace  time.Duration `env:"PROXY_TERMINATE_GRACE" yaml:"terminate_grace"`
}

// Reconnect bounds SSE stream resumption.
type Reconnect struct {
	InitialBackoff time.Duration `env:"PROXY_RECONNECT_INITIAL_BACKOFF" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `env:"PROXY_RECONNECT_MAX_BACKOFF" yaml:"max_backoff"`
	MaxAttempts    uint          `env:"PROXY_RECONNECT_MAX_ATTEMPTS" yaml:"max_attempts"`
	MaxElapsed     time.Duration `env:"PROXY_RECONNECT_MAX_ELAPSED" yaml:"max_elapsed"`
}

// Pool bounds upstream connection pools.
type Pool struct {
	MaxConnections      int           `env:"PROXY_MAX_CONNECTIONS" yaml:"max_connections"`
	AcquireTimeout      time.Duration `env:"PROXY_ACQUIRE_TIMEOUT" yaml:"acquire_timeout"`
	IdleTimeout         time.Duration `env:"PROXY_IDLE_TIMEOUT" yaml:"idle_timeout"`
	MaxLifetime         time.Duration `env:"PROXY_MAX_LIFETIME" yaml:"max_lifetime"`
	HealthCheckInterval time.Duration `env:"PROXY_HEALTH_CHECK_INTERVAL" yaml:"health_check_interval"`
}

// Sessions configures client session handling and persistence.
type Sessions struct {
	IdleTimeout time.Duration `env:"PROXY_SESSION_IDLE" yaml:"idle_timeout"`
	CloseGrace  time.Duration `env:"PROXY_CLOSE_GRACE" yaml:"close_grace"`
	MaxInFlight int           `env:"PROXY_SESSION_MAX_IN_FLIGHT" yaml:"max_in_flight"`
	TTL         time.Duration `env:"PROXY_SESSION_TTL" yaml:"ttl"`
	// RedisAddr selects the Redis store; empty keeps sessions in memory.
	RedisAddr string `env:"REDIS_ADDR" yaml:"redis_addr"`
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX" yaml:"key_prefix"`
}

// Listen configures the client-facing side.
type Listen struct {
	// Kind is stdio or http.
	Kind string `env:"PROXY_LISTEN_KIND" yaml:"kind"`
	Addr string `env:"PROXY_LISTEN_ADDR" yaml:"addr"`
}

// Config is the complete proxy configuration.
type Config struct {
	Listen    Listen    `yaml:"listen"`
	Upstream  Upstream  `yaml:"upstream"`
	Transport Transport `yaml:"transport"`
	Reconnect Reconnect `yaml:"reconnect"`
	Pool      Pool      `yaml:"pool"`
	Sessions  Sessions  `yaml:"sessions"`
}

// Default returns a Config with every tunable set.
func Default() Config {
	to := transport.DefaultOptions()
	so := transport.DefaultStreamOptions()
	pc := pool.DefaultConfig()
	return Config{
		Listen: Listen{Kind: string(transport.KindStdio), Addr: ":8080"},
		Upstream: Upstream{
			Kind: string(transport.KindStdio),
		},
		Transport: Transport{
			ConnectTimeout:  to.ConnectTimeout,
			ReadTimeout:     to.ReadTimeout,
			WriteTimeout:    to.WriteTimeout,
			MaxMessageSize:  to.MaxMessageSize,
			ChannelCapacity: to.ChannelCapacity,
			TerminateGrace:  process.DefaultGracePeriod,
		},
		Reconnect: Reconnect{
			InitialBackoff: so.InitialBackoff,
			MaxBackoff:     so.MaxBackoff,
			MaxAttempts:    so.MaxAttempts,
			MaxElapsed:     so.MaxElapsed,
		},
		Pool: Pool{
			MaxConnections:      pc.MaxConnections,
			AcquireTimeout:      pc.AcquireTimeout,
			IdleTimeout:         pc.IdleTimeout,
			MaxLifetime:         pc.MaxLifetime,
			HealthCheckInterval: pc.HealthCheckInterval,
		},
		Sessions: Sessions{
			IdleTimeout: proxy.DefaultSessionIdle,
			CloseGrace:  proxy.DefaultCloseGrace,
			MaxInFlight: proxy.DefaultMaxInFlight,
			TTL:         24 * time.Hour,
			KeyPrefix:   "mcp:proxy:",
		},
	}
}

// FromEnv returns Default overridden by the environment.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a YAML file over Default, then applies the environment.
// Unknown keys are rejected.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse is LoadFile over an in-memory document.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	if err := envdecode.StrictDecode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate rejects missing and non-positive settings.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	positive("transport.connect_timeout", c.Transport.ConnectTimeout)
	positive("transport.read_timeout", c.Transport.ReadTimeout)
	positive("transport.write_timeout", c.Transport.WriteTimeout)
	positive("transport.terminate_grace", c.Transport.TerminateGrace)
	positive("reconnect.initial_backoff", c.Reconnect.InitialBackoff)
	positive("reconnect.max_backoff", c.Reconnect.MaxBackoff)
	positive("reconnect.max_elapsed", c.Reconnect.MaxElapsed)
	positive("pool.acquire_timeout", c.Pool.AcquireTimeout)
	positive("pool.idle_timeout", c.Pool.IdleTimeout)
	positive("pool.max_lifetime", c.Pool.MaxLifetime)
	positive("pool.health_check_interval", c.Pool.HealthCheckInterval)
	positive("sessions.idle_timeout", c.Sessions.IdleTimeout)
	positive("sessions.close_grace", c.Sessions.CloseGrace)
	if c.Transport.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("transport.max_message_size must be positive, got %d", c.Transport.MaxMessageSize))
	}
	if c.Transport.ChannelCapacity <= 0 {
		errs = append(errs, fmt.Errorf("transport.channel_capacity must be positive, got %d", c.Transport.ChannelCapacity))
	}
	if c.Sessions.MaxInFlight <= 0 {
		errs = append(errs, fmt.Errorf("sessions.max_in_flight must be positive, got %d", c.Sessions.MaxInFlight))
	}
	if c.Pool.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("pool.max_connections must be positive, got %d", c.Pool.MaxConnections))
	}
	if c.Reconnect.MaxAttempts == 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must be positive"))
	}
	if c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		errs = append(errs, errors.New("reconnect.max_backoff is below reconnect.initial_backoff"))
	}
	if c.Sessions.TTL < 0 {
		errs = append(errs, fmt.Errorf("sessions.ttl must not be negative, got %s", c.Sessions.TTL))
	}

	if _, err := c.Target(); err != nil {
		errs = append(errs, err)
	}
	if c.Upstream.Strategy != "" {
		if _, ok := pool.ParseStrategy(c.Upstream.Strategy); !ok {
			errs = append(errs, fmt.Errorf("upstream.strategy %q is not one of shared, per-origin, dedicated", c.Upstream.Strategy))
		}
	}
	switch k, ok := transport.ParseKind(c.Listen.Kind); {
	case !ok || k == transport.KindSSE:
		errs = append(errs, fmt.Errorf("listen.kind %q is not one of stdio, http", c.Listen.Kind))
	case k == transport.KindHTTP && c.Listen.Addr == "":
		errs = append(errs, errors.New("listen.addr is required for http"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Target converts the upstream section.
func (c Config) Target() (transport.Target, error) {
	kind, ok := transport.ParseKind(c.Upstream.Kind)
	if !ok {
		return transport.Target{}, fmt.Errorf("upstream.kind %q is not one of stdio, http, sse", c.Upstream.Kind)
	}
	t := transport.Target{
		Kind:    kind,
		Command: c.Upstream.Command,
		Args:    c.Upstream.Args,
		Env:     c.Upstream.Env,
		Dir:     c.Upstream.Dir,
		URL:     c.Upstream.URL,
		Headers: c.Upstream.Headers,
	}
	switch kind {
	case transport.KindStdio:
		if t.Command == "" {
			return transport.Target{}, errors.New("upstream.command is required for stdio")
		}
	default:
		if t.URL == "" {
			return transport.Target{}, fmt.Errorf("upstream.url is required for %s", kind)
		}
	}
	return t, nil
}

// ListenKind returns the parsed client-facing transport kind.
func (c Config) ListenKind() transport.Kind {
	k, _ := transport.ParseKind(c.Listen.Kind)
	return k
}

// TransportOptions returns the per-connection limits.
func (c Config) TransportOptions() transport.Options {
	return transport.Options{
		ConnectTimeout:  c.Transport.ConnectTimeout,
		ReadTimeout:     c.Transport.ReadTimeout,
		WriteTimeout:    c.Transport.WriteTimeout,
		MaxMessageSize:  c.Transport.MaxMessageSize,
		ChannelCapacity: c.Transport.ChannelCapacity,
	}
}

// StreamOptions returns the SSE reconnect policy.
func (c Config) StreamOptions() transport.StreamOptions {
	return transport.StreamOptions{
		InitialBackoff: c.Reconnect.InitialBackoff,
		MaxBackoff:     c.Reconnect.MaxBackoff,
		MaxAttempts:    c.Reconnect.MaxAttempts,
		MaxElapsed:     c.Reconnect.MaxElapsed,
	}
}

// PoolConfig returns the per-origin pool limits.
func (c Config) PoolConfig() pool.Config {
	return pool.Config{
		MaxConnections:      c.Pool.MaxConnections,
		AcquireTimeout:      c.Pool.AcquireTimeout,
		IdleTimeout:         c.Pool.IdleTimeout,
		MaxLifetime:         c.Pool.MaxLifetime,
		HealthCheckInterval: c.Pool.HealthCheckInterval,
	}
}

// PipelineOptions returns the session limits for proxy.New.
func (c Config) PipelineOptions() []proxy.Option {
	return []proxy.Option{
		proxy.WithSessionIdle(c.Sessions.IdleTimeout),
		proxy.WithCloseGrace(c.Sessions.CloseGrace),
		proxy.WithMaxInFlight(c.Sessions.MaxInFlight),
	}
}

// ManagerOptions returns the pool.Manager options implied by the config.
func (c Config) ManagerOptions() []pool.ManagerOption {
	opts := []pool.ManagerOption{pool.WithPoolConfig(c.PoolConfig())}
	if st, ok := pool.ParseStrategy(c.Upstream.Strategy); ok {
		if k, ok := transport.ParseKind(c.Upstream.Kind); ok {
			opts = append(opts, pool.WithStrategy(k, st))
		}
	}
	return opts
}
