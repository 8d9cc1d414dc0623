package engine

import (
	"context"

	"github.com/99souls/computepipe/engine/internal/graph"
	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
)

// strategies.go consolidates the engine's extension-point interfaces for
// easier discovery: the three collaborators the engine drives through phase
// broadcasts without knowing their concrete kind.

// GraphAdapter is the engine-facing capability set a compute graph (local or
// remote) exposes. Aliased from internal/graph so callers can substitute a
// test double without importing an internal package directly.
type GraphAdapter = graph.Adapter

// InputFeeder is implemented by graph adapters that accept frames pushed by
// input managers (the local adapter only).
type InputFeeder = graph.InputFeeder

// InputSource is the engine-facing capability set of an input manager.
type InputSource interface {
	ID() int
	OnRunEntry(ctx context.Context) error
	OnStopEntry() error
	OnReset() error
}

// Sink is the engine-facing capability set common to the client-interface
// adapter and the debug display: phase-state notifications and per-stream
// packet delivery. A failing DeliverPixel/DeliverSemantic call is recorded
// as a component error from that sink, marked fatal only for the client.
type Sink interface {
	NotifyPhase(phase Phase, state models.PhaseState)
	DeliverPixel(streamID int, h memhandle.Handle) error
	DeliverSemantic(streamID int, h memhandle.Handle) error
}

// ClientSink is the real external client, reached through component G.
type ClientSink = Sink

// DebugDisplaySink always receives the reserved debug-display stream
// regardless of whether the client also requested it.
type DebugDisplaySink = Sink
