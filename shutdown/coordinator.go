package shutdown

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/relay/errors"
)

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	handlers []registration
	started  bool
	done     chan struct{}
	result   *Result
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Coordinator{cfg: cfg, now: time.Now, done: make(chan struct{})}
}

// Register adds h at phase.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, phase: phase, handler: h})
}

// RegisterFunc adds fn at phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, Func(fn))
}

// RegisterCloser adds a Close call at phase.
func (c *Coordinator) RegisterCloser(name string, phase int, cl interface{ Close() error }) {
	c.Register(name, phase, closer{cl})
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or the configured
// timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Shutdown runs every phase in order. A second call returns
// ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyShutdown
	}
	c.started = true
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	start := c.now()
	res := &Result{}
	defer func() {
		res.TotalDuration = c.now().Sub(start)
		c.mu.Lock()
		c.result = res
		c.mu.Unlock()
		close(c.done)
	}()

	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })
	var failures []error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			res.Err = ErrTimeout
			return res.Err
		}
		for _, hr := range c.runPhase(ctx, group) {
			res.Results = append(res.Results, hr)
			if hr.Err != nil {
				failures = append(failures, errors.Wrap(hr.Err, hr.Name))
			}
		}
		if len(failures) > 0 && !c.cfg.ContinueOnError {
			break
		}
	}
	if len(failures) > 0 {
		res.Err = errors.Join(failures...)
	}
	return res.Err
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			start := c.now()
			err := reg.handler.OnShutdown(ctx)
			results[i] = HandlerResult{Name: reg.name, Phase: reg.phase, Duration: c.now().Sub(start), Err: err}
			if c.cfg.OnProgress != nil {
				c.cfg.OnProgress(results[i])
			}
		}(i, reg)
	}
	wg.Wait()
	return results
}

func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}

// Done is closed once Shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Result returns the shutdown outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result
	default:
		return nil
	}
}
