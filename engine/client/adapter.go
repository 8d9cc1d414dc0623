// Package client implements the client-interface adapter (component G): the
// single boundary between an external client and the engine. It forwards
// opaque client commands into the engine's typed ConfigCommand/ControlCommand
// calls, translates phase broadcasts into a four-value client state plus
// RESET, dispatches per-stream packets to the external client, and wires a
// client death notification into the engine's fatal-client teardown path.
//
// Grounded on original_source's AidlClientImpl.cpp (ToAidlState's
// phase-to-state mapping, the dispatchPacketToClient PIXEL/SEMANTIC split,
// deathNotifier's death-recipient wiring) and on the stdout.Sink pattern
// elsewhere in this module: a small external-collaborator interface the
// adapter forwards to rather than owning any transport itself.
package client

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/99souls/computepipe/engine"
	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
)

// defaultProfilingDir is the base directory ReadDebugData persists profiling
// blobs under, one fixed file per graph name, matching spec.md §6's
// "/…/profiling/<graph-name>".
const defaultProfilingDir = "/var/lib/computepipe/profiling"

// GraphState is the client-facing lifecycle state, decoupled from the
// engine's internal Phase/PhaseState pair by nextClientState below.
type GraphState int

const (
	StateReset GraphState = iota
	StateConfigDone
	StateRunning
	StateDone
	StateErrHalt
)

func (s GraphState) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateConfigDone:
		return "CONFIG_DONE"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	case StateErrHalt:
		return "ERR_HALT"
	default:
		return "UNKNOWN"
	}
}

// ExternalClient is the capability set a real IPC transport (binder, gRPC, or
// anything else binding this process to the external client) must provide.
// The adapter never assumes a concrete transport, only this interface.
type ExternalClient interface {
	// HandleState reports a new GraphState.
	HandleState(state GraphState)
	// DeliverPixelPacket hands over one pixel packet. bufferID must later be
	// returned via Adapter.FreePacket once the external client is done
	// reading desc/data.
	DeliverPixelPacket(streamID, bufferID int, desc memhandle.PixelDescriptor, data []byte, timestampMicros int64) error
	// DeliverSemanticPacket hands over one semantic packet's bytes inline;
	// the adapter reclaims the backing slot immediately after this returns.
	DeliverSemanticPacket(streamID int, data []byte, timestampMicros int64) error
}

// DeathRecipient is implemented by transports that can notify the adapter
// when the external client handle has died, mirroring AIBinder_linkToDeath.
// Transports that can't detect client death simply don't implement it.
type DeathRecipient interface {
	RegisterDeathRecipient(onDeath func()) error
}

// Adapter is the engine's client sink (engine.ClientSink) and the inbound
// boundary the external client's commands are forwarded through.
type Adapter struct {
	external ExternalClient

	mu           sync.Mutex
	state        GraphState
	errHalted    bool
	eng          *engine.Engine
	profilingDir string
}

// New constructs an Adapter forwarding to external. Bind must be called once
// the engine exists, resolving the same constructor ordering problem the
// graph adapter factory resolves for the graph collaborator: the engine's
// constructor needs a ClientSink before the Adapter can hold an *engine.Engine.
func New(external ExternalClient) *Adapter {
	return &Adapter{external: external, state: StateReset, profilingDir: defaultProfilingDir}
}

// SetProfilingDir overrides the base directory ReadDebugData writes profiling
// blobs under. Production deployments use the default; tests point this at
// a temp directory.
func (a *Adapter) SetProfilingDir(dir string) {
	a.mu.Lock()
	a.profilingDir = dir
	a.mu.Unlock()
}

// Bind attaches the engine reference, enabling the adapter's outbound calls
// (FreePacket, ReadDebugData, ProcessConfigUpdate/ProcessControl forwarding).
func (a *Adapter) Bind(eng *engine.Engine) {
	a.mu.Lock()
	a.eng = eng
	a.mu.Unlock()
}

func (a *Adapter) engine() *engine.Engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.eng
}

// RegisterDeathRecipient wires the external transport's death notification,
// if it supports one, straight into the engine's fatal-client path.
func (a *Adapter) RegisterDeathRecipient() error {
	dr, ok := a.external.(DeathRecipient)
	if !ok {
		return nil
	}
	return dr.RegisterDeathRecipient(func() {
		if eng := a.engine(); eng != nil {
			_ = eng.ProcessControl(context.Background(), engine.ControlDeathNotification)
		}
	})
}

// ---- engine.Sink ----

// nextClientState computes the client-facing state transition for one phase
// broadcast. An ABORTED notification always latches ERR_HALT. The CONFIG
// TRANSITION_COMPLETE that follows every abort (the engine's own
// teardown-to-CONFIG completion) does not by itself count as a fresh
// apply-configs success, so it leaves the client in ERR_HALT and only clears
// the latch; a client-initiated re-apply afterward produces a second,
// un-latched CONFIG TRANSITION_COMPLETE that does map to CONFIG_DONE. ENTRY
// notifications never drive a client-visible state change.
func nextClientState(phase engine.Phase, ps models.PhaseState, errHalted bool) (state GraphState, halted bool, notify bool) {
	switch ps {
	case models.PhaseAborted:
		return StateErrHalt, true, true
	case models.PhaseTransitionComplete:
		switch phase {
		case engine.PhaseConfig:
			if errHalted {
				return StateErrHalt, false, true
			}
			return StateConfigDone, false, true
		case engine.PhaseRun:
			return StateRunning, false, true
		case engine.PhaseStop:
			return StateDone, false, true
		case engine.PhaseReset:
			return StateReset, false, true
		}
	}
	return StateReset, errHalted, false
}

// NotifyPhase implements engine.Sink.
func (a *Adapter) NotifyPhase(phase engine.Phase, ps models.PhaseState) {
	a.mu.Lock()
	state, halted, notify := nextClientState(phase, ps, a.errHalted)
	if notify {
		a.state = state
		a.errHalted = halted
	}
	reported := a.state
	a.mu.Unlock()
	if notify {
		a.external.HandleState(reported)
	}
}

// DeliverPixel implements engine.Sink, handing h to the external client as a
// pixel packet the client must later free by buffer id.
func (a *Adapter) DeliverPixel(streamID int, h memhandle.Handle) error {
	ph, ok := h.(*memhandle.PixelHandle)
	if !ok {
		return models.NewStatusError(models.CodeInternalError, "client adapter received non-pixel handle for pixel stream %d", streamID)
	}
	return a.external.DeliverPixelPacket(streamID, ph.BufferID(), ph.Descriptor(), ph.Pixels(), ph.TimestampMicros())
}

// DeliverSemantic implements engine.Sink. Semantic packets are delivered
// inline and reclaimed immediately afterward — the external client never
// frees a semantic packet by id.
func (a *Adapter) DeliverSemantic(streamID int, h memhandle.Handle) error {
	sh, ok := h.(*memhandle.SemanticHandle)
	if !ok {
		return models.NewStatusError(models.CodeInternalError, "client adapter received non-semantic handle for semantic stream %d", streamID)
	}
	err := a.external.DeliverSemanticPacket(streamID, sh.Bytes(), sh.TimestampMicros())
	if eng := a.engine(); eng != nil {
		_ = eng.FreePacket(streamID, sh.BufferID())
	}
	return err
}

// ---- inbound API: forwarded to the engine ----

// FreePacket returns a pixel packet's buffer id to its pool once the
// external client is done reading it.
func (a *Adapter) FreePacket(streamID, bufferID int) error {
	eng := a.engine()
	if eng == nil {
		return models.NewStatusError(models.CodeIllegalState, "client adapter not bound to an engine")
	}
	return eng.FreePacket(streamID, bufferID)
}

// SetInputSource stages an input config selection for the next apply-configs.
func (a *Adapter) SetInputSource(configID int) error {
	return a.config(engine.ConfigCommand{Kind: engine.ConfigSetInputSource, InputConfigID: configID})
}

// SetOutputStream stages an output stream's max-in-flight for the next
// apply-configs.
func (a *Adapter) SetOutputStream(streamID, maxInFlight int) error {
	return a.config(engine.ConfigCommand{Kind: engine.ConfigSetOutputStream, StreamID: streamID, MaxInFlight: maxInFlight})
}

// SetOffload stages an offload option selection for the next apply-configs.
func (a *Adapter) SetOffload(offloadID int) error {
	return a.config(engine.ConfigCommand{Kind: engine.ConfigSetOffload, OffloadID: offloadID})
}

// SetTermination stages a termination option selection for the next
// apply-configs.
func (a *Adapter) SetTermination(terminationID int) error {
	return a.config(engine.ConfigCommand{Kind: engine.ConfigSetTermination, TerminationID: terminationID})
}

// SetProfileMode stages the requested profiling mode for the next
// apply-configs.
func (a *Adapter) SetProfileMode(mode models.ProfileMode) error {
	return a.config(engine.ConfigCommand{Kind: engine.ConfigSetProfileOptions, ProfileMode: mode})
}

func (a *Adapter) config(cmd engine.ConfigCommand) error {
	eng := a.engine()
	if eng == nil {
		return models.NewStatusError(models.CodeIllegalState, "client adapter not bound to an engine")
	}
	return eng.ProcessConfigUpdate(cmd)
}

// ApplyConfigs commits the staged configuration (RESET -> CONFIG).
func (a *Adapter) ApplyConfigs(ctx context.Context) error { return a.control(ctx, engine.ControlApplyConfigs) }

// ResetConfigs discards the current configuration (CONFIG -> RESET).
func (a *Adapter) ResetConfigs(ctx context.Context) error { return a.control(ctx, engine.ControlResetConfigs) }

// StartGraph begins execution (CONFIG -> RUN).
func (a *Adapter) StartGraph(ctx context.Context) error { return a.control(ctx, engine.ControlStartGraph) }

// StopGraph requests a graceful stop (RUN -> STOP -> CONFIG).
func (a *Adapter) StopGraph(ctx context.Context) error { return a.control(ctx, engine.ControlStopGraph) }

// StartProfiling toggles debug instrumentation mid-run.
func (a *Adapter) StartProfiling(ctx context.Context) error {
	return a.control(ctx, engine.ControlStartPipeProfile)
}

// StopProfiling disables debug instrumentation mid-run.
func (a *Adapter) StopProfiling(ctx context.Context) error {
	return a.control(ctx, engine.ControlStopPipeProfile)
}

// ReleaseDebugger notifies the engine that a previously attached debugger
// has detached.
func (a *Adapter) ReleaseDebugger(ctx context.Context) error {
	return a.control(ctx, engine.ControlReleaseDebugger)
}

func (a *Adapter) control(ctx context.Context, cmd engine.ControlCommand) error {
	eng := a.engine()
	if eng == nil {
		return models.NewStatusError(models.CodeIllegalState, "client adapter not bound to an engine")
	}
	return eng.ProcessControl(ctx, cmd)
}

// ReadDebugData fetches the graph's profiling/debug blob through the engine
// and persists it at a fixed on-disk location keyed by graph name
// (profilingDir/<graph-name>), replacing any prior dump for that graph
// atomically via write-to-temp-then-rename: a real process has no portable
// "file descriptor to hand to an IPC client" in Go without platform-specific
// code, so the path stands in for that handoff.
func (a *Adapter) ReadDebugData(ctx context.Context) (data []byte, path string, err error) {
	eng := a.engine()
	if eng == nil {
		return nil, "", models.NewStatusError(models.CodeIllegalState, "client adapter not bound to an engine")
	}
	data, err = eng.ReadDebugData(ctx)
	if err != nil {
		return nil, "", err
	}
	graphName, err := eng.GraphName(ctx)
	if err != nil {
		return nil, "", err
	}

	a.mu.Lock()
	dir := a.profilingDir
	a.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", models.NewStatusError(models.CodeInternalError, "create profiling directory: %v", err)
	}

	tmp, err := os.CreateTemp(dir, ".computepipe-debug-*.tmp")
	if err != nil {
		return nil, "", models.NewStatusError(models.CodeInternalError, "create debug artifact temp file: %v", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, "", models.NewStatusError(models.CodeInternalError, "write debug artifact: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, "", models.NewStatusError(models.CodeInternalError, "close debug artifact temp file: %v", err)
	}

	finalPath := filepath.Join(dir, graphName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, "", models.NewStatusError(models.CodeInternalError, "replace debug artifact at fixed path: %v", err)
	}
	return data, finalPath, nil
}

// State returns the last-reported client-facing GraphState.
func (a *Adapter) State() GraphState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
