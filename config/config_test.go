package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vinayprograms/relay/credentials"
	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/logging"
	"github.com/vinayprograms/relay/queue"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"RELAY_QUEUE_BACKEND", "RELAY_REDIS_ADDR", "RELAY_NATS_URL", "RELAY_LLM_API_KEY", "RELAY_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func TestDefault(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") = %v", err)
	}
	q := cfg.Queue.Factory()
	if q.Backend != queue.BackendMemory || q.MaxSize != 10000 || q.Block != time.Second || q.RetryBackoff != time.Second {
		t.Errorf("queue defaults = %+v", q)
	}
	s := cfg.Supervisor.Settings()
	if s.Interval != 5*time.Second || s.DepthCeiling != 1000 || s.FailureThreshold != 5 || s.Cooldown != time.Minute {
		t.Errorf("supervisor defaults = %+v", s)
	}
	if !s.AnomalyDetection || !s.CircuitBreaker {
		t.Errorf("supervisor flags = %+v", s)
	}
	if cfg.LLM.Enabled() {
		t.Error("llm enabled by default")
	}
	if cfg.LogLevel() != logging.LevelInfo {
		t.Errorf("LogLevel() = %s", cfg.LogLevel())
	}
}

func TestParse(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte(`
[log]
level = "debug"

[queue]
backend = "redis"
block = "250ms"

[queue.redis]
addr = "redis:6379"
db = 2
stream_prefix = "prod"
claim_min_idle = "30s"
ack_delete = true

[routing.task_kinds.EXTRACTION]
timeout_ms = 60000
max_retries = 0
priority = 8

[routing.task_kinds.summarization]
priority = 3

[supervisor]
interval = "1s"
breaker_threshold = 3
breaker_cooldown = "2m"

[llm]
provider = "anthropic"
model = "claude-sonnet-4-5"
api_key = "sk-test"
requests_per_minute = 50

[deadletter]
path = "/var/lib/relay/dlq.bleve"
`))
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}

	q := cfg.Queue.Factory()
	if q.Backend != queue.BackendRedis || q.Block != 250*time.Millisecond {
		t.Errorf("queue = %+v", q)
	}
	if q.Redis.Addr != "redis:6379" || q.Redis.DB != 2 || q.Redis.Prefix != "prod" || q.Redis.ClaimMinIdle != 30*time.Second || !q.Redis.AckDelete {
		t.Errorf("redis = %+v", q.Redis)
	}
	if q.Redis.BatchSize != 10 || q.MaxSize != 10000 {
		t.Errorf("defaults not kept: %+v", q)
	}

	table := cfg.Routing.Table()
	ext, ok := table.Lookup(envelope.KindExtraction)
	if !ok || ext.TimeoutMillis != 60000 || ext.MaxRetries == nil || *ext.MaxRetries != 0 || ext.Priority != 8 {
		t.Errorf("extraction rule = %+v", ext)
	}
	if sum, ok := table.Lookup(envelope.KindSummarization); !ok || sum.Priority != 3 || sum.MaxRetries != nil {
		t.Errorf("summarization rule = %+v", sum)
	}

	if s := cfg.Supervisor.Settings(); s.Interval != time.Second || s.FailureThreshold != 3 || s.Cooldown != 2*time.Minute || s.DepthCeiling != 1000 {
		t.Errorf("supervisor = %+v", s)
	}
	lc, err := cfg.LLM.Completer(nil)
	if err != nil || lc.APIKey != "sk-test" || lc.MaxTokens != 2000 {
		t.Errorf("Completer() = %+v, %v", lc, err)
	}
	if cfg.LLM.RequestsPerMinute != 50 {
		t.Errorf("requests_per_minute = %d", cfg.LLM.RequestsPerMinute)
	}
	if cfg.DeadLetter.Path != "/var/lib/relay/dlq.bleve" || cfg.LogLevel() != logging.LevelDebug {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestParse_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		toml string
	}{
		{"bad backend", "[queue]\nbackend = \"kafka\"\n"},
		{"bad duration", "[queue]\nblock = \"soon\"\n"},
		{"zero block", "[queue]\nblock = \"0s\"\n"},
		{"priority out of range", "[routing.task_kinds.ANALYSIS]\npriority = 11\n"},
		{"negative retries", "[routing.task_kinds.ANALYSIS]\nmax_retries = -1\n"},
		{"unknown kind", "[routing.task_kinds.TRANSLATION]\npriority = 5\n"},
		{"unknown key", "[queue]\nbakend = \"redis\"\n"},
		{"model missing", "[llm]\nprovider = \"openai\"\n"},
		{"unknown provider", "[llm]\nprovider = \"ollama\"\nmodel = \"x\"\n"},
		{"redis without addr", "[queue]\nbackend = \"redis\"\n[queue.redis]\naddr = \"\"\n"},
		{"negative rate", "[llm]\nprovider = \"openai\"\nmodel = \"x\"\nrequests_per_minute = -1\n"},
		{"sample ratio above one", "[telemetry]\nsample_ratio = 1.5\n"},
		{"malformed", "[queue\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.toml))
			if !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Errorf("Parse() = %v, want INVALID_INPUT", err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_QUEUE_BACKEND", "JetStream")
	t.Setenv("RELAY_NATS_URL", "nats://nats:4222")
	t.Setenv("RELAY_REDIS_ADDR", "cache:6379")
	t.Setenv("RELAY_LLM_API_KEY", "env-key")

	cfg, err := Parse([]byte("[llm]\nprovider = \"openai\"\nmodel = \"gpt-4o\"\napi_key = \"file-key\"\n"))
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	q := cfg.Queue.Factory()
	if q.Backend != queue.BackendJetStream || q.JetStream.URL != "nats://nats:4222" || q.Redis.Addr != "cache:6379" {
		t.Errorf("queue = %+v", q)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("api key = %q, want env override", cfg.LLM.APIKey)
	}
}

func TestLLMCompleter_CredentialsFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "")
	path := filepath.Join(t.TempDir(), "credentials.toml")
	os.WriteFile(path, []byte("[anthropic]\napi_key = \"from-file\"\n"), 0400)
	creds, err := credentials.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() = %v", err)
	}

	l := LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5", MaxTokens: 1000}
	got, err := l.Completer(creds)
	if err != nil || got.APIKey != "from-file" {
		t.Errorf("Completer() = %+v, %v", got, err)
	}

	if _, err := l.Completer(nil); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("Completer(no key) = %v", err)
	}
	if _, err := (LLMConfig{}).Completer(creds); err == nil {
		t.Error("Completer() with no provider succeeded")
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "relay.toml")
	os.WriteFile(path, []byte("[queue.memory]\nmax_size = 5\n"), 0600)
	cfg, err := Load(path)
	if err != nil || cfg.Queue.Factory().MaxSize != 5 {
		t.Errorf("Load() = %+v, %v", cfg, err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("Load(missing) = %v", err)
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join("..", "relay.example.toml"))
	if err != nil {
		t.Fatalf("Load(example) = %v", err)
	}
	if got, want := cfg.Queue.Factory(), Default().Queue.Factory(); got.Block != want.Block || got.MaxSize != want.MaxSize || got.Redis.MaxLen != want.Redis.MaxLen {
		t.Errorf("example queue = %+v, want defaults %+v", got, want)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.RequestsPerMinute != 50 {
		t.Errorf("example llm = %+v", cfg.LLM)
	}
	if _, ok := cfg.Routing.Table().Lookup(envelope.KindExtraction); !ok {
		t.Error("example routing missing EXTRACTION")
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil || d.Duration != 90*time.Second {
		t.Errorf("UnmarshalText() = %v, %v", d, err)
	}
	if b, _ := Dur(2 * time.Second).MarshalText(); string(b) != "2s" {
		t.Errorf("MarshalText() = %s", b)
	}
}
