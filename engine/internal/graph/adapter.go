// Package graph implements the graph adapter: a polymorphic wrapper over the
// actual compute graph with two variants sharing one capability set — local
// (in-process dynamic library, C-ABI callbacks) and remote (bidirectional RPC
// with per-stream observer tasks).
package graph

import (
	"context"

	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
)

// State is the graph adapter's lifecycle state, independent of which variant
// backs it.
type State int

const (
	StateUninitialized State = iota
	StateStopped
	StateRunning
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	case StateFlushing:
		return "FLUSHING"
	default:
		return "UNKNOWN"
	}
}

// PixelCallback delivers one pixel packet up to the engine.
type PixelCallback func(streamID int, timestampMicros int64, frame memhandle.InputFrame)

// SemanticCallback delivers one semantic packet up to the engine.
type SemanticCallback func(streamID int, timestampMicros int64, data []byte)

// TerminationCallback fires exactly once per RUN cycle when the graph has
// finished (naturally or via a forced stop), carrying the final status.
type TerminationCallback func(status *models.StatusError)

// Callbacks bundles the three directions the graph dispatches data/events
// back through. An adapter holds these as a weak collaborator reference: it
// never outlives the engine, but is never responsible for the engine's
// lifetime either.
type Callbacks struct {
	OnPixel       PixelCallback
	OnSemantic    SemanticCallback
	OnTermination TerminationCallback
}

// Adapter is the common capability set both variants implement. Engine code
// talks to this interface exclusively; LOCAL vs REMOTE is an implementation
// detail picked at bootstrap.
type Adapter interface {
	// GetSupportedConfigs returns the graph's self-description, ideally
	// cached by the adapter after the first successful call.
	GetSupportedConfigs(ctx context.Context) (models.GraphOptionsDescriptor, error)

	// ApplyConfig pushes the client's committed configuration snapshot,
	// phase-tagged ENTRY or TRANSITION_COMPLETE. The engine calls this twice
	// per CONFIG round. Legal before Start; rejected once RUNNING.
	ApplyConfig(ctx context.Context, cfg models.ClientConfig) error

	// Start begins graph execution, optionally enabling profiling/debug
	// instrumentation for the run.
	Start(ctx context.Context, debuggingEnabled bool) error

	// StopWithFlush lets in-flight output drain naturally; termination is
	// reported asynchronously once the graph actually finishes.
	StopWithFlush(ctx context.Context) error

	// StopImmediate cancels outstanding work and reports termination
	// synchronously with respect to this call returning.
	StopImmediate(ctx context.Context) error

	// Reset tears down graph state entirely. Legal only once STOPPED.
	Reset(ctx context.Context) error

	// StartProfiling/StopProfiling toggle debug instrumentation mid-run where
	// the underlying graph supports it.
	StartProfiling(ctx context.Context) error
	StopProfiling(ctx context.Context) error

	// DebugInfo retrieves the graph's profiling/debug blob. Valid after the
	// graph has stopped with profiling previously enabled.
	DebugInfo(ctx context.Context) ([]byte, error)

	// State and LastError support client-facing status queries.
	State() State
	LastError() *models.StatusError
}

// InputFeeder is implemented only by adapters that accept frames pushed in
// by input managers: only the local adapter gets input managers constructed
// for it — the remote wire protocol has no SetInputStream RPC. Engine code
// type-asserts for this capability rather than requiring it on Adapter.
type InputFeeder interface {
	SetInputStreamBytes(ctx context.Context, streamIndex int, timestampMicros int64, data []byte) error
	SetInputStreamPixels(ctx context.Context, streamIndex int, timestampMicros int64, frame memhandle.InputFrame) error
}
