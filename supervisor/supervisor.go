package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/logging"
	"github.com/vinayprograms/relay/queue"
)

// Config holds polling, anomaly and breaker settings.
type Config struct {
	// Interval between poll ticks.
	Interval time.Duration

	// DepthCeiling is the depth above which a lane is reported.
	DepthCeiling int

	// StaleAfter is how long a lane's metrics may go unrefreshed.
	StaleAfter time.Duration

	// FailureThreshold opens a closed breaker.
	FailureThreshold int

	// Cooldown is how long a breaker stays open.
	Cooldown time.Duration

	AnomalyDetection bool
	CircuitBreaker   bool
}

// DefaultConfig returns the standard supervisor settings.
func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Second,
		DepthCeiling:     1000,
		StaleAfter:       60 * time.Second,
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		AnomalyDetection: true,
		CircuitBreaker:   true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval < 0 || c.StaleAfter < 0 || c.Cooldown < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "supervisor durations must not be negative")
	}
	if c.DepthCeiling < 0 || c.FailureThreshold < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "supervisor thresholds must not be negative")
	}
	return nil
}

// DepthSource reports a lane's depth. Every queue.Queue is one.
type DepthSource interface {
	Depth(ctx context.Context) (int, error)
}

// QueueMetrics is a per-lane counter snapshot.
type QueueMetrics struct {
	Depth     int       `json:"depth"`
	Processed int64     `json:"messages_processed"`
	Errors    int64     `json:"errors"`
	LastCheck time.Time `json:"last_check"`
}

// Anomaly kinds.
const (
	AnomalyDepth = "high_depth"
	AnomalyStale = "stale_metrics"
)

// Anomaly is one threshold rule violation.
type Anomaly struct {
	Queue string        `json:"queue"`
	Kind  string        `json:"kind"`
	Depth int           `json:"depth,omitempty"`
	Since time.Duration `json:"since,omitempty"`
}

// DefaultLanes are the lanes a full deployment monitors.
func DefaultLanes() []string {
	return []string{
		envelope.LaneInput,
		envelope.LaneTask,
		envelope.LaneResult,
		envelope.TaskLane(envelope.KindExtraction),
		envelope.TaskLane(envelope.KindSummarization),
		envelope.TaskLane(envelope.KindAnalysis),
		envelope.LaneDeadLetter,
	}
}

// Supervisor polls lane depths and owns the lane breakers.
type Supervisor struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	sources  map[string]DepthSource
	metrics  map[string]*QueueMetrics
	breakers map[string]*breaker
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// New creates a supervisor. Zero durations and thresholds take defaults.
func New(cfg Config, opts ...Option) *Supervisor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DepthCeiling <= 0 {
		cfg.DepthCeiling = def.DepthCeiling
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	s := &Supervisor{
		cfg:      cfg,
		now:      time.Now,
		sources:  make(map[string]DepthSource),
		metrics:  make(map[string]*QueueMetrics),
		breakers: make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New()
	}
	s.logger = s.logger.WithComponent("supervisor")
	return s
}

// Monitor adds a lane to the poll set.
func (s *Supervisor) Monitor(name string, src DepthSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[name] = src
	if _, ok := s.metrics[name]; !ok {
		s.metrics[name] = &QueueMetrics{LastCheck: s.now()}
	}
}

// MonitorLanes opens each named lane and monitors it. Lanes that cannot be
// opened are logged and skipped.
func (s *Supervisor) MonitorLanes(ctx context.Context, lanes queue.Opener, names ...string) {
	for _, name := range names {
		q, err := lanes.Create(ctx, name)
		if err != nil {
			s.logger.Warn("cannot monitor lane", map[string]interface{}{
				"queue": name,
				"error": err.Error(),
			})
			continue
		}
		s.Monitor(name, q)
		s.logger.Info("monitoring lane", map[string]interface{}{"queue": name})
	}
}

// Run ticks at the configured interval until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started", map[string]interface{}{
		"interval": s.cfg.Interval.String(),
		"lanes":    len(s.sources),
	})
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one poll: refresh depths, check anomalies, advance breakers.
func (s *Supervisor) Tick(ctx context.Context) {
	s.collect(ctx)
	if s.cfg.AnomalyDetection {
		s.CheckAnomalies()
	}
	if s.cfg.CircuitBreaker {
		s.advanceBreakers()
	}
	s.logSummary()
}

func (s *Supervisor) collect(ctx context.Context) {
	s.mu.Lock()
	sources := make(map[string]DepthSource, len(s.sources))
	for name, src := range s.sources {
		sources[name] = src
	}
	s.mu.Unlock()

	for name, src := range sources {
		depth, err := src.Depth(ctx)
		if err != nil {
			s.logger.Warn("collecting metrics", map[string]interface{}{
				"queue": name,
				"error": err.Error(),
			})
			continue
		}
		s.mu.Lock()
		m := s.metricsFor(name)
		m.Depth = depth
		m.LastCheck = s.now()
		s.mu.Unlock()
	}
}

// CheckAnomalies evaluates the threshold rules and logs each violation.
// It does not change any state.
func (s *Supervisor) CheckAnomalies() []Anomaly {
	now := s.now()
	var found []Anomaly

	s.mu.Lock()
	for _, name := range sortedNames(s.metrics) {
		m := s.metrics[name]
		if m.Depth > s.cfg.DepthCeiling {
			found = append(found, Anomaly{Queue: name, Kind: AnomalyDepth, Depth: m.Depth})
		}
		if since := now.Sub(m.LastCheck); since > s.cfg.StaleAfter {
			found = append(found, Anomaly{Queue: name, Kind: AnomalyStale, Since: since})
		}
	}
	s.mu.Unlock()

	for _, a := range found {
		fields := map[string]interface{}{}
		if a.Kind == AnomalyDepth {
			fields["depth"] = a.Depth
			fields["ceiling"] = s.cfg.DepthCeiling
		} else {
			fields["since"] = a.Since.String()
		}
		s.logger.Anomaly(a.Queue, a.Kind, fields)
	}
	return found
}

func (s *Supervisor) advanceBreakers() {
	now := s.now()
	type transition struct {
		queue    string
		from, to BreakerStatus
		failures int
	}
	var moved []transition

	s.mu.Lock()
	for _, name := range sortedNames(s.breakers) {
		b := s.breakers[name]
		failures := b.failures
		if from, ok := b.tick(now); ok {
			moved = append(moved, transition{name, from, b.status, failures})
		}
	}
	s.mu.Unlock()

	for _, t := range moved {
		s.logger.CircuitTransition(t.queue, string(t.from), string(t.to), t.failures)
	}
}

func (s *Supervisor) logSummary() {
	s.mu.Lock()
	fields := make(map[string]interface{}, len(s.metrics))
	for name, m := range s.metrics {
		fields[name] = m.Depth
	}
	s.mu.Unlock()
	s.logger.Debug("queue depths", fields)
}

// RecordFailure counts a processing failure on a lane.
func (s *Supervisor) RecordFailure(queueName string) {
	s.mu.Lock()
	m := s.metricsFor(queueName)
	m.Processed++
	m.Errors++
	if !s.cfg.CircuitBreaker {
		s.mu.Unlock()
		return
	}
	b := s.breakerFor(queueName)
	from, moved := b.fail(s.now(), s.cfg.FailureThreshold, s.cfg.Cooldown)
	to, failures := b.status, b.failures
	s.mu.Unlock()

	if moved {
		s.logger.CircuitTransition(queueName, string(from), string(to), failures)
	}
}

// RecordSuccess counts a processed message on a lane.
func (s *Supervisor) RecordSuccess(queueName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsFor(queueName).Processed++
}

// IsCircuitOpen reports whether the lane's breaker is open. Half-open lanes
// accept work.
func (s *Supervisor) IsCircuitOpen(queueName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[queueName]
	return ok && b.status == StatusOpen
}

// BreakerState returns a snapshot of the lane's breaker. Lanes never seen
// are closed.
func (s *Supervisor) BreakerState(queueName string) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[queueName]; ok {
		return b.state()
	}
	return BreakerState{Status: StatusClosed}
}

// Metrics returns a snapshot of every lane's counters.
func (s *Supervisor) Metrics() map[string]QueueMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]QueueMetrics, len(s.metrics))
	for name, m := range s.metrics {
		out[name] = *m
	}
	return out
}

// caller holds s.mu
func (s *Supervisor) metricsFor(name string) *QueueMetrics {
	m, ok := s.metrics[name]
	if !ok {
		m = &QueueMetrics{LastCheck: s.now()}
		s.metrics[name] = m
	}
	return m
}

// caller holds s.mu
func (s *Supervisor) breakerFor(name string) *breaker {
	b, ok := s.breakers[name]
	if !ok {
		b = &breaker{status: StatusClosed}
		s.breakers[name] = b
	}
	return b
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
