package shutdown

import (
	"context"
	"io"
	"time"

	"github.com/vinayprograms/relay/errors"
)

// Standard phases. Lower phases shut down first.
const (
	PhaseConsumers = 10
	PhaseArchives  = 20
	PhaseBackends  = 30
	PhaseTelemetry = 40
)

// Errors returned by Shutdown.
var (
	ErrAlreadyShutdown = errors.New(errors.ErrCodeClosed, "shutdown already initiated")
	ErrTimeout         = errors.New(errors.ErrCodeTimeout, "shutdown timeout exceeded")
)

// Handler releases one component.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown calls f.
func (f Func) OnShutdown(ctx context.Context) error { return f(ctx) }

type closer struct{ c io.Closer }

func (h closer) OnShutdown(context.Context) error { return h.c.Close() }

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a full shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0).
	Timeout time.Duration

	// ContinueOnError runs later phases after a handler fails.
	ContinueOnError bool

	// OnProgress is called as each handler finishes.
	OnProgress func(HandlerResult)
}

// DefaultConfig returns a 30s timeout that continues past failures.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second, ContinueOnError: true}
}

type registration struct {
	name    string
	phase   int
	handler Handler
}
