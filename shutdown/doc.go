// Package shutdown tears a relay node down in ordered phases.
//
// Consumption loops stop when their context is canceled, but the resources
// behind them still need closing in dependency order: lanes before the
// factory that owns their connections, the factory before telemetry so the
// last spans are exported.
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterCloser("router", shutdown.PhaseConsumers, rt)
//	coord.RegisterCloser("queues", shutdown.PhaseBackends, factory)
//	coord.RegisterFunc("telemetry", shutdown.PhaseTelemetry, flush)
//	<-ctx.Done()
//	coord.ShutdownWithTimeout(0)
//
// Handlers in the same phase run concurrently; lower phases run first.
package shutdown
