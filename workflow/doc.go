// Package workflow correlates scattered task results back into one logical
// request.
//
// A Correlator consumes top-level requests from the input lane, decomposes
// each into tasks, and publishes them to the task lane. It then consumes the
// result lane, moving each task from pending into completed or failed. When
// nothing is pending the workflow is finalized: results are synthesized into
// one answer, the status becomes success or partial, and the state is frozen.
//
// Decomposition and synthesis are capabilities (Decomposer, Synthesizer)
// with deterministic fallbacks when they fail.
package workflow
