// Package configbuilder implements the config builder: a mutable
// accumulator the engine mutates in place as configuration commands arrive
// during RESET, and snapshots once into an immutable bundle at the end of
// CONFIG so the rest of a RUN transition works from a single consistent
// view.
//
// Grounded on configx/layers.go's layer-precedence idea (accumulate partial
// config, resolve to one value per field) generalized from "merge N layers"
// down to "apply setters in arrival order, last write wins" since there is
// only one configuration source here — the client. configx/model.go's
// resolved-model-then-validate flow grounds Emit's validate-then-snapshot
// sequence.
package configbuilder

import (
	"github.com/99souls/computepipe/engine/models"
)

// Builder accumulates one client's configuration choices between a RESET
// and the CONFIG phase's Emit. It is not safe for concurrent use; the
// engine serializes all mutation behind its own command-queue mutex.
type Builder struct {
	inputConfigID int
	offloadID     int
	terminationID int
	streamLimits  map[int]int
	profileMode   models.ProfileMode
	optionalBlob  []byte

	debugDisplayStreamID   int
	clientRequestedDisplay bool
}

// New constructs a Builder. debugDisplayStreamID is the reserved stream id
// the engine always routes to the debug display sink; pass models.InvalidID
// if this deployment has no debug display. The reserved stream is
// pre-registered with max-in-flight 1, matching what Reset restores.
func New(debugDisplayStreamID int) *Builder {
	b := &Builder{debugDisplayStreamID: debugDisplayStreamID}
	b.reset()
	return b
}

func (b *Builder) reset() {
	b.inputConfigID = models.InvalidID
	b.offloadID = models.InvalidID
	b.terminationID = models.InvalidID
	b.profileMode = models.ProfileDisabled
	b.optionalBlob = nil
	b.clientRequestedDisplay = false
	b.streamLimits = make(map[int]int)
	if b.debugDisplayStreamID != models.InvalidID {
		b.streamLimits[b.debugDisplayStreamID] = 1
	}
}

// Reset clears everything except the reserved debug-display stream id,
// which — if non-invalid — is automatically re-added with max-in-flight 1.
func (b *Builder) Reset() {
	b.reset()
}

// SetInputConfig selects the input config id the next RUN should use.
func (b *Builder) SetInputConfig(id int) {
	b.inputConfigID = id
}

// SetOutputStream registers (or updates) one requested output stream and
// its pool depth. If streamID is the reserved debug-display stream, this
// also marks has_client_display_stream true: the client itself asked for
// the stream the engine already routes to the display.
func (b *Builder) SetOutputStream(streamID, maxInFlight int) {
	b.streamLimits[streamID] = maxInFlight
	if b.debugDisplayStreamID != models.InvalidID && streamID == b.debugDisplayStreamID {
		b.clientRequestedDisplay = true
	}
}

// SetOffload selects the offload target id.
func (b *Builder) SetOffload(id int) {
	b.offloadID = id
}

// SetTermination selects the termination policy id.
func (b *Builder) SetTermination(id int) {
	b.terminationID = id
}

// SetProfileMode selects the profiling mode for the next RUN.
func (b *Builder) SetProfileMode(mode models.ProfileMode) {
	b.profileMode = mode
}

// SetOptionalBlob stores an opaque, engine-uninterpreted payload alongside
// the rest of the config (e.g. a serialized graph-specific options message).
func (b *Builder) SetOptionalBlob(blob []byte) {
	b.optionalBlob = append([]byte(nil), blob...)
}

// HasClientDisplayStream reports whether the client has itself requested
// the reserved debug-display stream (in which case the engine must clone
// packets to both the display and the client rather than the display
// alone).
func (b *Builder) HasClientDisplayStream() bool {
	return b.clientRequestedDisplay
}

// Emit validates the accumulated state and returns an immutable snapshot.
// The snapshot's PhaseState starts at PhaseEntry; the engine advances it
// via Snapshot.WithPhaseState as the CONFIG round broadcasts ENTRY then
// TRANSITION_COMPLETE to the graph adapter.
func (b *Builder) Emit() (Snapshot, error) {
	for streamID, maxInFlight := range b.streamLimits {
		if maxInFlight <= 0 {
			return Snapshot{}, models.NewStatusError(models.CodeInvalidArgument,
				"stream %d: max-in-flight must be positive, got %d", streamID, maxInFlight)
		}
	}

	limits := make(map[int]int, len(b.streamLimits))
	for k, v := range b.streamLimits {
		limits[k] = v
	}

	return Snapshot{
		InputConfigID:          b.inputConfigID,
		OffloadID:              b.offloadID,
		TerminationID:          b.terminationID,
		StreamLimits:           limits,
		ProfileMode:            b.profileMode,
		OptionalBlob:           append([]byte(nil), b.optionalBlob...),
		HasClientDisplayStream: b.clientRequestedDisplay,
		PhaseState:             models.PhaseEntry,
	}, nil
}

// Snapshot is the immutable bundle consumed by the graph adapter's
// ApplyConfig once per phase state within a single CONFIG round, discarded
// on reset. It is models.ClientConfig under the name this package's
// callers expect; the type itself lives in models so the graph adapter
// (component D) can depend on it without importing configbuilder
// (component E), which sits above it in the dependency order.
type Snapshot = models.ClientConfig
