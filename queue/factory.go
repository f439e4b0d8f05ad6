package queue

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/relay/errors"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend

	// MaxSize bounds each in-memory lane.
	MaxSize int

	Redis     RedisConfig
	JetStream JetStreamConfig

	// Block is the default poll wait for Consume.
	Block time.Duration

	// RetryBackoff is the pause after a consume loop error.
	RetryBackoff time.Duration
}

// RedisConfig holds the Redis connection and stream settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	RedisOptions
}

// JetStreamConfig holds the NATS connection and stream settings.
type JetStreamConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration

	JetStreamOptions
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Backend:      BackendMemory,
		MaxSize:      DefaultMaxSize,
		Redis:        RedisConfig{Addr: "localhost:6379", RedisOptions: DefaultRedisOptions()},
		JetStream:    DefaultJetStreamConfig(),
		Block:        DefaultBlock,
		RetryBackoff: DefaultRetryBackoff,
	}
}

// DefaultJetStreamConfig returns connection defaults.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:              nats.DefaultURL,
		Name:             "relay",
		ReconnectWait:    2 * time.Second,
		MaxReconnects:    -1,
		ConnectTimeout:   5 * time.Second,
		JetStreamOptions: DefaultJetStreamOptions(),
	}
}

func buildNATSOptions(cfg JetStreamConfig) []nats.Option {
	var opts []nats.Option

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	return opts
}

// Opener opens lanes by name. Factory implements it.
type Opener interface {
	Create(ctx context.Context, name string) (Queue, error)
}

var _ Opener = (*Factory)(nil)

// Factory creates lanes of one backend and owns the shared client.
type Factory struct {
	cfg  Config
	opts []Option

	registry *Registry
	redis    redis.UniversalClient
	conn     *nats.Conn
	js       jetstream.JetStream

	mu     sync.Mutex
	queues []Queue
}

// NewFactory connects the configured backend. opts are applied to every
// queue it creates.
func NewFactory(ctx context.Context, cfg Config, opts ...Option) (*Factory, error) {
	if cfg.Backend == "" {
		cfg.Backend = BackendMemory
	}
	if cfg.MaxSize > 0 {
		opts = append([]Option{WithMaxSize(cfg.MaxSize)}, opts...)
	}
	if cfg.Block > 0 {
		opts = append([]Option{WithDefaultBlock(cfg.Block)}, opts...)
	}
	if cfg.RetryBackoff > 0 {
		opts = append([]Option{WithRetryBackoff(cfg.RetryBackoff)}, opts...)
	}
	f := &Factory{cfg: cfg, opts: opts}

	switch cfg.Backend {
	case BackendMemory:
		f.registry = NewRegistry()
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, errors.WrapWithCode(err, errors.ErrCodeConnection, "redis ping "+cfg.Redis.Addr)
		}
		f.redis = client
	case BackendJetStream:
		url := cfg.JetStream.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url, buildNATSOptions(cfg.JetStream)...)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeConnection, "nats connect "+url)
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "jetstream")
		}
		f.conn, f.js = conn, js
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown queue backend %q", cfg.Backend)
	}
	return f, nil
}

// Backend returns the configured backend.
func (f *Factory) Backend() Backend { return f.cfg.Backend }

// Registry returns the in-memory lane registry, or nil for log backends.
func (f *Factory) Registry() *Registry { return f.registry }

// Create opens the named lane. Every call returns a new instance; callers
// that need one instance per lane cache it themselves.
func (f *Factory) Create(ctx context.Context, name string) (Queue, error) {
	var q Queue
	switch f.cfg.Backend {
	case BackendMemory:
		q = NewMemoryQueue(name, append([]Option{WithRegistry(f.registry)}, f.opts...)...)
	case BackendRedis:
		q = NewRedisQueue(name, f.redis, f.cfg.Redis.RedisOptions, f.opts...)
	case BackendJetStream:
		jq, err := NewJetStreamQueue(ctx, name, f.js, f.cfg.JetStream.JetStreamOptions, f.opts...)
		if err != nil {
			return nil, err
		}
		q = jq
	}
	f.mu.Lock()
	f.queues = append(f.queues, q)
	f.mu.Unlock()
	return q, nil
}

// Close closes every queue created by the factory and releases the shared
// client.
func (f *Factory) Close() error {
	f.mu.Lock()
	queues := f.queues
	f.queues = nil
	f.mu.Unlock()

	var errs []error
	for _, q := range queues {
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if f.redis != nil {
		if err := f.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if f.conn != nil {
		f.conn.Close()
	}
	return errors.Join(errs...)
}
