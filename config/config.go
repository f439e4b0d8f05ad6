package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/vinayprograms/relay/credentials"
	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/llm"
	"github.com/vinayprograms/relay/logging"
	"github.com/vinayprograms/relay/queue"
	"github.com/vinayprograms/relay/router"
	"github.com/vinayprograms/relay/supervisor"
	"github.com/vinayprograms/relay/telemetry"
)

// Config is the whole node configuration.
type Config struct {
	Log        LogConfig        `toml:"log"`
	Queue      QueueConfig      `toml:"queue"`
	Routing    RoutingConfig    `toml:"routing"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	LLM        LLMConfig        `toml:"llm"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	DeadLetter DeadLetterConfig `toml:"deadletter"`
}

// LogConfig sets the minimum log level.
type LogConfig struct {
	Level string `toml:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

// QueueConfig selects and tunes the queue backend.
type QueueConfig struct {
	Backend      string          `toml:"backend" validate:"oneof=memory redis jetstream"`
	Block        Duration        `toml:"block" validate:"gt=0"`
	RetryBackoff Duration        `toml:"retry_backoff" validate:"gt=0"`
	Memory       MemoryConfig    `toml:"memory"`
	Redis        RedisConfig     `toml:"redis"`
	JetStream    JetStreamConfig `toml:"jetstream"`
}

// MemoryConfig tunes the in-memory backend.
type MemoryConfig struct {
	MaxSize int `toml:"max_size" validate:"gt=0"`
}

// RedisConfig tunes the Redis Streams backend.
type RedisConfig struct {
	Addr         string   `toml:"addr" validate:"required_if=Enabled true"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db" validate:"gte=0"`
	StreamPrefix string   `toml:"stream_prefix" validate:"required"`
	MaxLen       int64    `toml:"max_len" validate:"gte=0"`
	ClaimMinIdle Duration `toml:"claim_min_idle" validate:"gte=0"`
	AckDelete    bool     `toml:"ack_delete"`
	BatchSize    int64    `toml:"batch_size" validate:"gt=0"`

	Enabled bool `toml:"-"`
}

// JetStreamConfig tunes the NATS JetStream backend.
type JetStreamConfig struct {
	URL            string   `toml:"url" validate:"required_if=Enabled true"`
	Name           string   `toml:"name"`
	Token          string   `toml:"token"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	StreamPrefix   string   `toml:"stream_prefix" validate:"required"`
	MaxMsgs        int64    `toml:"max_msgs" validate:"gte=0"`
	AckWait        Duration `toml:"ack_wait" validate:"gt=0"`
	BatchSize      int      `toml:"batch_size" validate:"gt=0"`
	Duplicates     Duration `toml:"duplicates" validate:"gte=0"`
	ReconnectWait  Duration `toml:"reconnect_wait" validate:"gte=0"`
	MaxReconnects  int      `toml:"max_reconnects" validate:"gte=-1"`
	ConnectTimeout Duration `toml:"connect_timeout" validate:"gte=0"`

	Enabled bool `toml:"-"`
}

// RoutingConfig holds per-kind routing rules keyed by kind name.
type RoutingConfig struct {
	TaskKinds map[string]router.Rule `toml:"task_kinds" validate:"dive"`
}

// SupervisorConfig tunes polling, anomaly rules and breakers.
type SupervisorConfig struct {
	Interval         Duration `toml:"interval" validate:"gt=0"`
	DepthCeiling     int      `toml:"depth_ceiling" validate:"gt=0"`
	StaleAfter       Duration `toml:"stale_after" validate:"gt=0"`
	BreakerThreshold int      `toml:"breaker_threshold" validate:"gt=0"`
	BreakerCooldown  Duration `toml:"breaker_cooldown" validate:"gt=0"`
	AnomalyDetection bool     `toml:"anomaly_detection"`
	CircuitBreaker   bool     `toml:"circuit_breaker"`
}

// LLMConfig selects the completion provider. An empty provider disables
// LLM-backed decomposition, synthesis and processing.
type LLMConfig struct {
	Provider  string `toml:"provider" validate:"omitempty,oneof=anthropic openai google gemini"`
	Model     string `toml:"model" validate:"required_with=Provider"`
	APIKey    string `toml:"api_key"`
	MaxTokens int    `toml:"max_tokens" validate:"gte=0"`
	BaseURL   string `toml:"base_url" validate:"omitempty,url"`

	// RequestsPerMinute caps provider calls across the node. Zero is unlimited.
	RequestsPerMinute int `toml:"requests_per_minute" validate:"gte=0"`
}

// TelemetryConfig configures OTLP export. An empty endpoint keeps the
// no-op tracer unless OTEL_EXPORTER_OTLP_ENDPOINT is set.
type TelemetryConfig struct {
	ServiceName string `toml:"service_name"`
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol" validate:"omitempty,oneof=grpc http"`
	Insecure    bool   `toml:"insecure"`
	Debug       bool   `toml:"debug"`

	SampleRatio float64 `toml:"sample_ratio" validate:"gte=0,lte=1"`
}

// DeadLetterConfig locates the dead-letter archive. An empty path keeps it
// in memory.
type DeadLetterConfig struct {
	Path string `toml:"path"`
}

// Default returns a single-process in-memory configuration.
func Default() *Config {
	qd := queue.DefaultConfig()
	sd := supervisor.DefaultConfig()
	return &Config{
		Log: LogConfig{Level: "info"},
		Queue: QueueConfig{
			Backend:      string(qd.Backend),
			Block:        Dur(qd.Block),
			RetryBackoff: Dur(qd.RetryBackoff),
			Memory:       MemoryConfig{MaxSize: qd.MaxSize},
			Redis: RedisConfig{
				Addr:         qd.Redis.Addr,
				StreamPrefix: qd.Redis.Prefix,
				MaxLen:       qd.Redis.MaxLen,
				BatchSize:    qd.Redis.BatchSize,
			},
			JetStream: JetStreamConfig{
				URL:            qd.JetStream.URL,
				Name:           qd.JetStream.Name,
				StreamPrefix:   qd.JetStream.Prefix,
				MaxMsgs:        qd.JetStream.MaxMsgs,
				AckWait:        Dur(qd.JetStream.AckWait),
				BatchSize:      qd.JetStream.BatchSize,
				Duplicates:     Dur(qd.JetStream.Duplicates),
				ReconnectWait:  Dur(qd.JetStream.ReconnectWait),
				MaxReconnects:  qd.JetStream.MaxReconnects,
				ConnectTimeout: Dur(qd.JetStream.ConnectTimeout),
			},
		},
		Routing: RoutingConfig{TaskKinds: map[string]router.Rule{}},
		Supervisor: SupervisorConfig{
			Interval:         Dur(sd.Interval),
			DepthCeiling:     sd.DepthCeiling,
			StaleAfter:       Dur(sd.StaleAfter),
			BreakerThreshold: sd.FailureThreshold,
			BreakerCooldown:  Dur(sd.Cooldown),
			AnomalyDetection: sd.AnomalyDetection,
			CircuitBreaker:   sd.CircuitBreaker,
		},
		LLM:       LLMConfig{MaxTokens: 2000},
		Telemetry: TelemetryConfig{ServiceName: "relay", Protocol: "grpc"},
	}
}

// Load reads a TOML file. An empty path returns the defaults with
// environment overrides applied.
func Load(path string) (*Config, error) {
	if path == "" {
		return finish(Default())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeNotFound, "reading config "+path)
	}
	return Parse(data)
}

// Parse decodes TOML over the defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "parsing config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown config keys: %s", strings.Join(keys, ", "))
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("RELAY_QUEUE_BACKEND"); ok && v != "" {
		cfg.Queue.Backend = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("RELAY_REDIS_ADDR"); ok && v != "" {
		cfg.Queue.Redis.Addr = v
	}
	if v, ok := os.LookupEnv("RELAY_NATS_URL"); ok && v != "" {
		cfg.Queue.JetStream.URL = v
	}
	if v, ok := os.LookupEnv("RELAY_LLM_API_KEY"); ok && v != "" {
		cfg.LLM.APIKey = v
	}
	if v, ok := os.LookupEnv("RELAY_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(Duration); ok {
			return int64(d.Duration)
		}
		return nil
	}, Duration{})
	return v
}

// Validate checks field constraints and that routing keys name known kinds.
func (c *Config) Validate() error {
	c.Queue.Redis.Enabled = c.Queue.Backend == string(queue.BackendRedis)
	c.Queue.JetStream.Enabled = c.Queue.Backend == string(queue.BackendJetStream)
	if err := validate.Struct(c); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "invalid config")
	}
	for name := range c.Routing.TaskKinds {
		if _, ok := envelope.ParseTaskKind(name); !ok {
			return errors.Newf(errors.ErrCodeInvalidInput, "routing: unknown task kind %q", name)
		}
	}
	return nil
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Log.Level)
}

// Factory converts the queue section to a factory config.
func (q QueueConfig) Factory() queue.Config {
	cfg := queue.DefaultConfig()
	cfg.Backend = queue.Backend(q.Backend)
	cfg.Block = q.Block.Duration
	cfg.RetryBackoff = q.RetryBackoff.Duration
	cfg.MaxSize = q.Memory.MaxSize

	cfg.Redis.Addr = q.Redis.Addr
	cfg.Redis.Password = q.Redis.Password
	cfg.Redis.DB = q.Redis.DB
	cfg.Redis.Prefix = q.Redis.StreamPrefix
	cfg.Redis.MaxLen = q.Redis.MaxLen
	cfg.Redis.ClaimMinIdle = q.Redis.ClaimMinIdle.Duration
	cfg.Redis.AckDelete = q.Redis.AckDelete
	cfg.Redis.BatchSize = q.Redis.BatchSize

	js := q.JetStream
	cfg.JetStream.URL = js.URL
	if js.Name != "" {
		cfg.JetStream.Name = js.Name
	}
	cfg.JetStream.Token = js.Token
	cfg.JetStream.User = js.User
	cfg.JetStream.Password = js.Password
	cfg.JetStream.ReconnectWait = js.ReconnectWait.Duration
	cfg.JetStream.MaxReconnects = js.MaxReconnects
	cfg.JetStream.ConnectTimeout = js.ConnectTimeout.Duration
	cfg.JetStream.Prefix = js.StreamPrefix
	cfg.JetStream.MaxMsgs = js.MaxMsgs
	cfg.JetStream.AckWait = js.AckWait.Duration
	cfg.JetStream.BatchSize = js.BatchSize
	cfg.JetStream.Duplicates = js.Duplicates.Duration
	return cfg
}

// Table converts the routing section to a router table.
func (r RoutingConfig) Table() router.RoutingTable {
	t := make(router.RoutingTable, len(r.TaskKinds))
	for name, rule := range r.TaskKinds {
		if kind, ok := envelope.ParseTaskKind(name); ok {
			t[kind] = rule
		}
	}
	return t
}

// Settings converts the supervisor section.
func (s SupervisorConfig) Settings() supervisor.Config {
	return supervisor.Config{
		Interval:         s.Interval.Duration,
		DepthCeiling:     s.DepthCeiling,
		StaleAfter:       s.StaleAfter.Duration,
		FailureThreshold: s.BreakerThreshold,
		Cooldown:         s.BreakerCooldown.Duration,
		AnomalyDetection: s.AnomalyDetection,
		CircuitBreaker:   s.CircuitBreaker,
	}
}

// Enabled reports whether a provider is configured.
func (l LLMConfig) Enabled() bool { return l.Provider != "" }

// Completer converts the LLM section. A missing api_key is resolved from
// creds (file section, then provider environment variable).
func (l LLMConfig) Completer(creds *credentials.Credentials) (llm.Config, error) {
	if !l.Enabled() {
		return llm.Config{}, errors.New(errors.ErrCodeInvalidInput, "no llm provider configured")
	}
	key := l.APIKey
	if key == "" {
		key = creds.APIKey(l.Provider)
	}
	if key == "" {
		return llm.Config{}, errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("no api key for %s (set llm.api_key, RELAY_LLM_API_KEY or a credentials file)", l.Provider))
	}
	return llm.Config{
		Provider:  l.Provider,
		Model:     l.Model,
		APIKey:    key,
		MaxTokens: l.MaxTokens,
		BaseURL:   l.BaseURL,
	}, nil
}

// Provider converts the telemetry section.
func (t TelemetryConfig) Provider() telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		ServiceName: t.ServiceName,
		Endpoint:    t.Endpoint,
		Protocol:    t.Protocol,
		Insecure:    t.Insecure,
		Debug:       t.Debug,
		SampleRatio: t.SampleRatio,
	}
}
