// Package supervisor watches lane depths and keeps a circuit breaker per lane.
//
// The supervisor never gates traffic itself. Workers consult IsCircuitOpen
// before processing and report outcomes through RecordFailure and
// RecordSuccess:
//
//	sup := supervisor.New(supervisor.DefaultConfig())
//	sup.Monitor("input", inputQueue)
//	w, _ := worker.New(ctx, kind, p, factory,
//		worker.WithCircuitBreaker(sup), worker.WithRecorder(sup))
//	go sup.Run(ctx)
//
// Breakers move closed → open when failures reach the threshold, open →
// half-open once the cooldown has elapsed at a poll tick, and half-open →
// closed at the next tick that saw no failures. A failure while half-open
// reopens the breaker with a fresh cooldown.
package supervisor
