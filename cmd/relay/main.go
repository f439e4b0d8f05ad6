// Command relay runs a relay node: any combination of the router, the
// workflow correlator, per-kind workers, the supervisor and the dead-letter
// archiver against one queue backend.
//
//	relay -config relay.toml
//	relay -config relay.toml -roles router,workers
//	relay -config relay.toml -submit "summarize the attached report"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/relay/config"
	"github.com/vinayprograms/relay/credentials"
	"github.com/vinayprograms/relay/deadletter"
	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/llm"
	"github.com/vinayprograms/relay/logging"
	"github.com/vinayprograms/relay/queue"
	"github.com/vinayprograms/relay/ratelimit"
	"github.com/vinayprograms/relay/router"
	"github.com/vinayprograms/relay/shutdown"
	"github.com/vinayprograms/relay/supervisor"
	"github.com/vinayprograms/relay/telemetry"
	"github.com/vinayprograms/relay/worker"
	"github.com/vinayprograms/relay/workflow"
)

const allRoles = "router,correlator,workers,supervisor,archive"

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	roles := flag.String("roles", allRoles, "comma-separated roles to run")
	output := flag.String("output", "", "lane to publish finalized workflows to")
	submit := flag.String("submit", "", "publish one request to the input lane and exit")
	flag.Parse()

	if err := run(*configPath, *roles, *output, *submit); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func parseRoles(s string) (map[string]bool, error) {
	known := map[string]bool{}
	for _, r := range strings.Split(allRoles, ",") {
		known[r] = true
	}
	set := map[string]bool{}
	for _, r := range strings.Split(s, ",") {
		r = strings.TrimSpace(strings.ToLower(r))
		if r == "" {
			continue
		}
		if !known[r] {
			return nil, fmt.Errorf("unknown role %q (want some of %s)", r, allRoles)
		}
		set[r] = true
	}
	return set, nil
}

func run(configPath, roleList, output, submit string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	roles, err := parseRoles(roleList)
	if err != nil {
		return err
	}

	logger := logging.New()
	logger.SetLevel(cfg.LogLevel())
	log := logger.WithComponent("relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownCfg := shutdown.DefaultConfig()
	shutdownCfg.OnProgress = func(r shutdown.HandlerResult) {
		fields := map[string]interface{}{"handler": r.Name, "phase": r.Phase, "duration": r.Duration.String()}
		if r.Err != nil {
			fields["error"] = r.Err.Error()
			log.Warn("shutdown step failed", fields)
			return
		}
		log.Debug("shutdown step done", fields)
	}
	coord := shutdown.NewCoordinator(shutdownCfg)
	defer func() {
		if err := coord.ShutdownWithTimeout(0); err != nil {
			log.Error("shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}
	}()

	flush, err := telemetry.Setup(ctx, cfg.Telemetry.Provider())
	if err != nil {
		return err
	}
	coord.RegisterFunc("telemetry", shutdown.PhaseTelemetry, flush)

	factory, err := queue.NewFactory(ctx, cfg.Queue.Factory(), queue.WithLogger(logger))
	if err != nil {
		return err
	}
	coord.RegisterCloser("queues", shutdown.PhaseBackends, factory)

	if submit != "" {
		input, err := factory.Create(ctx, envelope.LaneInput)
		if err != nil {
			return err
		}
		env := workflow.NewRequest(submit)
		if _, err := input.Publish(ctx, env); err != nil {
			return err
		}
		fmt.Println(env.Header.CorrelationID)
		return nil
	}

	var completer llm.Completer
	if cfg.LLM.Enabled() {
		creds, path, err := credentials.Load()
		if err != nil {
			return err
		}
		if path != "" {
			log.Info("loaded credentials", map[string]interface{}{"path": path})
		}
		lc, err := cfg.LLM.Completer(creds)
		if err != nil {
			return err
		}
		if completer, err = llm.New(lc); err != nil {
			return err
		}
		if rpm := cfg.LLM.RequestsPerMinute; rpm > 0 {
			limiter := ratelimit.NewMemoryLimiter()
			limiter.SetCapacity(lc.Provider, rpm, time.Minute)
			coord.RegisterCloser("ratelimit", shutdown.PhaseBackends, limiter)
			completer = llm.WithRateLimit(completer, limiter, lc.Provider)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var sup *supervisor.Supervisor
	if roles["supervisor"] {
		sup = supervisor.New(cfg.Supervisor.Settings(), supervisor.WithLogger(logger))
		sup.MonitorLanes(ctx, factory, supervisor.DefaultLanes()...)
		g.Go(func() error { return sup.Run(gctx) })
	}

	if roles["workers"] {
		for _, kind := range envelope.TaskKinds {
			p := worker.Echo()
			if completer != nil {
				p = worker.NewLLMProcessor(kind, completer)
			}
			opts := []worker.Option{worker.WithLogger(logger)}
			if sup != nil {
				opts = append(opts, worker.WithCircuitBreaker(sup), worker.WithRecorder(sup))
			}
			w, err := worker.New(ctx, kind, p, factory, opts...)
			if err != nil {
				return err
			}
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	if roles["router"] {
		tasks, err := factory.Create(ctx, envelope.LaneTask)
		if err != nil {
			return err
		}
		rt := router.New(factory, tasks,
			router.WithRoutingTable(cfg.Routing.Table()),
			router.WithLogger(logger))
		coord.RegisterCloser("router", shutdown.PhaseConsumers, rt)
		g.Go(func() error { return rt.Run(gctx) })
	}

	if roles["correlator"] {
		opts := []workflow.Option{workflow.WithLogger(logger)}
		if output != "" {
			opts = append(opts, workflow.WithOutputQueue(output))
		}
		if completer != nil {
			opts = append(opts,
				workflow.WithDecomposer(workflow.NewLLMDecomposer(completer)),
				workflow.WithSynthesizer(workflow.NewLLMSynthesizer(completer)))
		}
		c, err := workflow.NewCorrelator(ctx, factory, opts...)
		if err != nil {
			return err
		}
		coord.RegisterCloser("correlator", shutdown.PhaseConsumers, c)
		g.Go(func() error { return c.Run(gctx) })
	}

	if roles["archive"] {
		archive, err := deadletter.Open(cfg.DeadLetter.Path, deadletter.WithLogger(logger))
		if err != nil {
			return err
		}
		coord.RegisterCloser("archive", shutdown.PhaseArchives, archive)
		dlq, err := factory.Create(ctx, envelope.LaneDeadLetter)
		if err != nil {
			return err
		}
		g.Go(func() error { return archive.Run(gctx, dlq) })
	}

	log.Info("relay started", map[string]interface{}{
		"backend": string(factory.Backend()),
		"roles":   roleList,
		"llm":     cfg.LLM.Provider,
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("relay stopping")
	return nil
}
