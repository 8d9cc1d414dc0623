// Package engine implements the engine facade: the single owner of phase
// state, the config builder, the stream-manager and input-manager maps, and
// the graph/client/debug-display collaborators. All phase transitions run on
// one dedicated worker goroutine that drains a command queue; inbound calls
// from the client, the graph adapter, and stream/input managers only ever
// take the engine mutex briefly to enqueue or read — they never call out to
// a collaborator while holding it.
//
// Grounded on engine/engine.go's original worker-pool/lifecycle split
// (construct collaborators, run a supervising goroutine, expose a small
// inbound API) generalized from "crawl pipeline" to "phase state machine",
// and on internal/pipeline.go's single-consumer channel + context
// cancellation idiom for the worker loop itself.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/99souls/computepipe/engine/internal/configbuilder"
	"github.com/99souls/computepipe/engine/internal/graph"
	"github.com/99souls/computepipe/engine/internal/inputmanager"
	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/internal/streammanager"
	"github.com/99souls/computepipe/engine/internal/telemetry/events"
	"github.com/99souls/computepipe/engine/internal/telemetry/health"
	"github.com/99souls/computepipe/engine/internal/telemetry/metrics"
	"github.com/99souls/computepipe/engine/internal/telemetry/policy"
	"github.com/99souls/computepipe/engine/internal/telemetry/tracing"
	"github.com/99souls/computepipe/engine/models"
	"github.com/99souls/computepipe/engine/telemetry/logging"
)

// Phase is the engine's top-level lifecycle state. Exactly one phase is
// active at a time; every collaborator broadcast moves the engine from one
// phase to the next along RESET -> CONFIG -> RUN -> STOP -> CONFIG -> ...
type Phase int

const (
	PhaseReset Phase = iota
	PhaseConfig
	PhaseRun
	PhaseStop
)

func (p Phase) String() string {
	switch p {
	case PhaseReset:
		return "RESET"
	case PhaseConfig:
		return "CONFIG"
	case PhaseRun:
		return "RUN"
	case PhaseStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// ComponentError records the first failure the engine has not yet
// surfaced. The engine holds at most one at a time: a second failure in
// the same phase is discarded rather than overwriting the first, so the
// client always learns about the failure that actually triggered the
// teardown it is about to observe.
type ComponentError struct {
	Source  string
	Message string
	Phase   Phase
	Fatal   bool
}

func (e ComponentError) Error() string {
	return fmt.Sprintf("%s: %s (phase %s)", e.Source, e.Message, e.Phase)
}

type commandKind int

const (
	cmdBroadcastConfig commandKind = iota
	cmdBroadcastStartRun
	cmdBroadcastInitiateStop
	cmdPollStopComplete
	cmdResetConfig
	cmdReleaseDebugger
	cmdComponentError
)

type command struct {
	id     string
	kind   commandKind
	source string
	flush  bool
	err    ComponentError
}

// streamEndpoint bundles one output stream's lifecycle surface (the common
// Manager embedded in both variants) with the concrete queue method needed
// to hand a graph callback's payload to the right variant.
type streamEndpoint struct {
	base     *streammanager.Manager
	pixel    *streammanager.PixelManager
	semantic *streammanager.SemanticManager
	kind     models.PacketType
}

// componentName matches the Source string the stream manager's error
// callback reports, so a component error naming this stream can be matched
// back to it (e.g. to skip it during a teardown broadcast).
func (se *streamEndpoint) componentName() string {
	return fmt.Sprintf("stream-manager-%d", se.base.StreamID())
}

// GraphAdapterFactory builds a GraphAdapter wired to dispatch decoded
// packets and termination status back through cb. Bootstrap code supplies
// one of these rather than a constructed adapter, because the adapter's own
// constructor needs callback closures that can only be formed once the
// Engine exists (the callbacks are engine methods).
type GraphAdapterFactory func(cb graph.Callbacks) (GraphAdapter, error)

// Engine is the facade described in the package doc above.
type Engine struct {
	mu             sync.Mutex
	phase          Phase
	lastError      *ComponentError
	builder        *configbuilder.Builder
	streamManagers map[int]*streamEndpoint
	inputManagers  map[int]InputSource

	catalog       models.GraphOptionsDescriptor
	catalogLoaded bool

	graphAdapter         GraphAdapter
	client               ClientSink
	debugDisplay         DebugDisplaySink
	debugDisplayStreamID int
	cameraProvider       inputmanager.FrameProvider

	cmdCh  chan command
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log logging.Logger

	policy       policy.TelemetryPolicy
	metrics      metrics.Provider
	phaseEvents  *events.Bus
	healthEval   *health.Evaluator
	errorCounter metrics.Counter
	tracer       tracing.Tracer
}

// New constructs the engine, invokes factory to build the graph adapter
// wired to this engine's dispatch methods, and starts the worker goroutine.
// debugDisplayStreamID is models.InvalidID if this deployment has no debug
// display, in which case debugDisplay should also be nil.
func New(factory GraphAdapterFactory, client ClientSink, debugDisplay DebugDisplaySink, debugDisplayStreamID int, cameraProvider inputmanager.FrameProvider) (*Engine, error) {
	if client == nil {
		return nil, models.NewStatusError(models.CodeInvalidArgument, "engine requires a non-nil client sink")
	}
	ctx, cancel := context.WithCancel(context.Background())
	pol := policy.Default().Normalize()
	metricsProvider := metrics.NewNoopProvider()
	e := &Engine{
		phase:                PhaseReset,
		builder:              configbuilder.New(debugDisplayStreamID),
		streamManagers:       make(map[int]*streamEndpoint),
		inputManagers:        make(map[int]InputSource),
		client:               client,
		debugDisplay:         debugDisplay,
		debugDisplayStreamID: debugDisplayStreamID,
		cameraProvider:       cameraProvider,
		cmdCh:                make(chan command, 32),
		ctx:                  ctx,
		cancel:               cancel,
		log:                  logging.New(nil),
		policy:               pol,
		metrics:              metricsProvider,
		phaseEvents:          events.NewBus(),
		healthEval:           health.NewEvaluator(pol.Health.ProbeTTL),
		errorCounter: metricsProvider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "computepipe", Subsystem: "engine", Name: "component_errors_total", Help: "component errors observed by source", Labels: []string{"source"},
		}}),
		tracer: tracing.NewAdaptiveTracer(func() float64 { return pol.Tracing.SamplePercent }),
	}
	e.registerHealthProbes()
	ga, err := factory(graph.Callbacks{
		OnPixel:       e.DispatchPixel,
		OnSemantic:    e.DispatchSemantic,
		OnTermination: e.DispatchTermination,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	e.graphAdapter = ga

	e.wg.Add(1)
	go e.run()
	return e, nil
}

// Close stops the worker goroutine. It does not tear down RUNNING
// collaborators; callers should drive the engine to RESET first.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// registerHealthProbes wires the stream-manager backlog ratio and the graph
// adapter's own State() into the health evaluator, thresholds taken from
// policy so an operator can retune without a code change.
func (e *Engine) registerHealthProbes() {
	e.healthEval.Register("stream-backlog", func(context.Context) health.Result {
		e.mu.Lock()
		endpoints := e.streamEndpointList()
		e.mu.Unlock()
		worst := health.Healthy
		msg := "no active streams"
		for _, se := range endpoints {
			st := se.base.Stats()
			if st.MaxInFlight == 0 {
				continue
			}
			ratio := float64(st.InUse) / float64(st.MaxInFlight)
			status := health.Healthy
			if ratio >= e.policy.Health.GraphUnhealthyRatio {
				status = health.Unhealthy
			} else if ratio >= e.policy.Health.GraphDegradedRatio {
				status = health.Degraded
			}
			if status > worst {
				worst = status
				msg = fmt.Sprintf("stream %d backlog %d/%d", se.base.StreamID(), st.InUse, st.MaxInFlight)
			}
		}
		return health.Result{Status: worst, Message: msg}
	})
	e.healthEval.Register("graph-adapter", func(context.Context) health.Result {
		e.mu.Lock()
		ga := e.graphAdapter
		e.mu.Unlock()
		if ga == nil {
			return health.Result{Status: health.Unknown, Message: "no graph adapter bound"}
		}
		if se := ga.LastError(); se != nil && se.Code != models.CodeSuccess {
			return health.Result{Status: health.Degraded, Message: se.Message}
		}
		return health.Result{Status: health.Healthy, Message: ga.State().String()}
	})
}

// Health runs (or returns the cached result of) the registered probes.
func (e *Engine) Health(ctx context.Context) health.Snapshot {
	return e.healthEval.Evaluate(ctx)
}

// SetMetricsProvider swaps the engine's metrics backend (e.g. to a
// PrometheusProvider wired to an HTTP listener at bootstrap). Must be called
// before any phase transition; the engine has no mid-flight provider
// migration.
func (e *Engine) SetMetricsProvider(p metrics.Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = p
	e.errorCounter = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "computepipe", Subsystem: "engine", Name: "component_errors_total", Help: "component errors observed by source", Labels: []string{"source"},
	}})
}

// enqueue stamps cmd with a correlation id (unless one is already set, e.g.
// a command re-derived from another) and submits it to the worker. The id
// lets a log line for the async broadcast it triggers be tied back to the
// inbound call that caused it, since the two run on different goroutines.
func (e *Engine) enqueue(cmd command) {
	if cmd.id == "" {
		cmd.id = uuid.NewString()
	}
	select {
	case e.cmdCh <- cmd:
	case <-e.ctx.Done():
	}
}

func (e *Engine) currentPhase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) recordComponentError(ce ComponentError) {
	e.mu.Lock()
	recorded := e.lastError == nil
	if recorded {
		e.lastError = &ce
	}
	e.mu.Unlock()
	e.errorCounter.Inc(1, ce.Source)
	if recorded {
		e.log.ErrorCtx(e.ctx, "component error", "source", ce.Source, "message", ce.Message, "phase", ce.Phase.String(), "fatal", ce.Fatal)
	}
}

// publishPhaseEvent fans a broadcast point out to the phase event bus. This
// is purely observational (metrics exporters, health probes that want to
// react to a transition rather than poll for one); nothing in the phase
// state machine itself depends on a subscriber seeing this.
func (e *Engine) publishPhaseEvent(ph events.Phase) {
	e.phaseEvents.Publish(e.ctx, events.Event{Phase: ph})
}

// Subscribe registers a phase-event subscriber (e.g. a metrics exporter or
// an external health aggregator). Safe to call at any time.
func (e *Engine) Subscribe(s events.Subscriber) {
	e.phaseEvents.Subscribe(s)
}

// LastError returns the first recorded, not yet cleared component error, if
// any.
func (e *Engine) LastError() *ComponentError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

// ClearLastError drops the recorded error once the client has observed it.
func (e *Engine) ClearLastError() {
	e.mu.Lock()
	e.lastError = nil
	e.mu.Unlock()
}

func (e *Engine) streamEndpointList() []*streamEndpoint {
	out := make([]*streamEndpoint, 0, len(e.streamManagers))
	for _, se := range e.streamManagers {
		out = append(out, se)
	}
	return out
}

func (e *Engine) inputManagerList() []InputSource {
	out := make([]InputSource, 0, len(e.inputManagers))
	for _, im := range e.inputManagers {
		out = append(out, im)
	}
	return out
}

// ---- inbound API: configuration (legal only in RESET) ----

// ConfigCommandKind enumerates the client's configuration commands.
type ConfigCommandKind int

const (
	ConfigSetInputSource ConfigCommandKind = iota
	ConfigSetOutputStream
	ConfigSetOffload
	ConfigSetTermination
	ConfigSetProfileOptions
)

// ConfigCommand is one client configuration command applied to the builder.
type ConfigCommand struct {
	Kind          ConfigCommandKind
	InputConfigID int
	StreamID      int
	MaxInFlight   int
	OffloadID     int
	TerminationID int
	ProfileMode   models.ProfileMode
}

// ProcessConfigUpdate mutates the config builder. Legal only while RESET;
// returns ILLEGAL_STATE otherwise.
func (e *Engine) ProcessConfigUpdate(cmd ConfigCommand) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseReset {
		return models.NewStatusError(models.CodeIllegalState, "configuration commands are only legal in RESET, current phase %s", e.phase)
	}
	switch cmd.Kind {
	case ConfigSetInputSource:
		e.builder.SetInputConfig(cmd.InputConfigID)
	case ConfigSetOutputStream:
		e.builder.SetOutputStream(cmd.StreamID, cmd.MaxInFlight)
	case ConfigSetOffload:
		e.builder.SetOffload(cmd.OffloadID)
	case ConfigSetTermination:
		e.builder.SetTermination(cmd.TerminationID)
	case ConfigSetProfileOptions:
		e.builder.SetProfileMode(cmd.ProfileMode)
	default:
		return models.NewStatusError(models.CodeInvalidArgument, "unrecognized config command kind %d", cmd.Kind)
	}
	return nil
}

// ---- inbound API: control ----

// ControlCommand enumerates the client's control commands.
type ControlCommand int

const (
	ControlApplyConfigs ControlCommand = iota
	ControlResetConfigs
	ControlStartGraph
	ControlStopGraph
	ControlDeathNotification
	ControlStartPipeProfile
	ControlStopPipeProfile
	ControlReleaseDebugger
)

// ProcessControl enqueues the broadcast associated with cmd. Most control
// commands are async (the worker executes the broadcast); profiling
// toggles are synchronous since they don't move the phase state machine.
func (e *Engine) ProcessControl(ctx context.Context, cmd ControlCommand) error {
	switch cmd {
	case ControlApplyConfigs:
		e.enqueue(command{kind: cmdBroadcastConfig})
	case ControlResetConfigs:
		e.enqueue(command{kind: cmdResetConfig})
	case ControlStartGraph:
		e.enqueue(command{kind: cmdBroadcastStartRun})
	case ControlStopGraph:
		e.enqueue(command{kind: cmdBroadcastInitiateStop, source: "client", flush: true})
	case ControlDeathNotification:
		e.enqueue(command{kind: cmdComponentError, err: ComponentError{Source: "client", Message: "client death notification", Phase: e.currentPhase(), Fatal: true}})
	case ControlStartPipeProfile:
		return e.graphAdapter.StartProfiling(ctx)
	case ControlStopPipeProfile:
		return e.graphAdapter.StopProfiling(ctx)
	case ControlReleaseDebugger:
		e.enqueue(command{kind: cmdReleaseDebugger})
	default:
		return models.NewStatusError(models.CodeInvalidArgument, "unrecognized control command %d", cmd)
	}
	return nil
}

// ReadDebugData retrieves the graph's profiling/debug blob. Synchronous:
// it doesn't move the phase state machine, only reads state the graph
// adapter already owns.
func (e *Engine) ReadDebugData(ctx context.Context) ([]byte, error) {
	return e.graphAdapter.DebugInfo(ctx)
}

// GraphName returns the name of the graph backing this engine, fetching the
// graph's self-description on first use if it hasn't been loaded yet.
// Callers that need a per-graph on-disk artifact path (profiling dumps) use
// this rather than reaching into engine-internal state.
func (e *Engine) GraphName(ctx context.Context) (string, error) {
	if err := e.ensureCatalog(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.catalog.GraphName, nil
}

// FreePacket returns bufferID on streamID to its pool once the caller is
// done reading it.
func (e *Engine) FreePacket(streamID, bufferID int) error {
	e.mu.Lock()
	se := e.streamManagers[streamID]
	e.mu.Unlock()
	if se == nil {
		return models.NewStatusError(models.CodeInvalidArgument, "unknown stream %d", streamID)
	}
	se.base.FreePacket(bufferID)
	return nil
}

// ---- graph adapter callbacks ----

// DispatchPixel routes a decoded pixel packet into its stream manager.
func (e *Engine) DispatchPixel(streamID int, timestampMicros int64, frame memhandle.InputFrame) {
	e.mu.Lock()
	se := e.streamManagers[streamID]
	e.mu.Unlock()
	if se == nil || se.pixel == nil {
		return
	}
	se.pixel.QueuePixelPacket(frame, timestampMicros)
}

// DispatchSemantic routes a decoded semantic packet into its stream manager.
func (e *Engine) DispatchSemantic(streamID int, timestampMicros int64, data []byte) {
	e.mu.Lock()
	se := e.streamManagers[streamID]
	e.mu.Unlock()
	if se == nil || se.semantic == nil {
		return
	}
	se.semantic.QueueSemanticPacket(data, timestampMicros)
}

// DispatchTermination reports the graph's end-of-run status. A non-success
// status becomes a fatal component error, driving the same STOP_IMMEDIATE
// teardown a stream/input manager failure would.
func (e *Engine) DispatchTermination(status *models.StatusError) {
	if status == nil || status.Code == models.CodeSuccess {
		return
	}
	e.enqueue(command{kind: cmdComponentError, err: ComponentError{Source: "graph", Message: status.Message, Phase: e.currentPhase(), Fatal: true}})
}

// ---- input manager callbacks ----

func (e *Engine) inputFrameSink(inputID int, timestampMicros int64, frame memhandle.InputFrame) {
	e.mu.Lock()
	ga := e.graphAdapter
	e.mu.Unlock()
	feeder, ok := ga.(InputFeeder)
	if !ok {
		return
	}
	_ = feeder.SetInputStreamPixels(e.ctx, inputID, timestampMicros, frame)
}

func (e *Engine) inputErrorSink(inputID int, err *models.StatusError) {
	e.enqueue(command{kind: cmdComponentError, err: ComponentError{
		Source:  fmt.Sprintf("input-manager-%d", inputID),
		Message: err.Message,
		Phase:   e.currentPhase(),
		Fatal:   false,
	}})
}

// ---- worker loop ----

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case cmd := <-e.cmdCh:
			e.handleCommand(cmd)
		}
	}
}

func (e *Engine) handleCommand(cmd command) {
	e.log.DebugCtx(e.ctx, "dispatching command", "correlation_id", cmd.id, "kind", int(cmd.kind), "source", cmd.source)
	switch cmd.kind {
	case cmdBroadcastConfig:
		e.doBroadcastConfig()
	case cmdBroadcastStartRun:
		e.doBroadcastStartRun()
	case cmdBroadcastInitiateStop:
		e.doBroadcastInitiateStop(cmd.source, cmd.flush)
	case cmdPollStopComplete:
		e.doPollStopComplete()
	case cmdResetConfig:
		e.doResetConfig()
	case cmdComponentError:
		e.doComponentError(cmd.err)
	case cmdReleaseDebugger:
		// No persistent debugger-attach state is held anywhere in this
		// engine, so there is nothing to release.
	}
}

// ---- CONFIG broadcast (RESET -> CONFIG) ----

func (e *Engine) lookupOutputConfig(streamID int) (models.OutputConfig, bool) {
	for _, oc := range e.catalog.Outputs {
		if oc.StreamID == streamID {
			return oc, true
		}
	}
	return models.OutputConfig{}, false
}

func (e *Engine) lookupInputConfig(id int) (models.InputConfig, bool) {
	for _, ic := range e.catalog.Inputs {
		if ic.ID == id {
			return ic, true
		}
	}
	return models.InputConfig{}, false
}

func (e *Engine) newStreamEndpoint(out models.OutputConfig) *streamEndpoint {
	se := &streamEndpoint{kind: out.Type}
	onError := func(streamID int, err *models.StatusError) {
		e.enqueue(command{kind: cmdComponentError, err: ComponentError{
			Source:  fmt.Sprintf("stream-manager-%d", streamID),
			Message: err.Message,
			Phase:   e.currentPhase(),
			Fatal:   false,
		}})
	}
	onEOS := func(streamID int) {
		e.enqueue(command{kind: cmdPollStopComplete})
	}
	onDispatch := func(h memhandle.Handle) {
		e.routePacket(h.StreamID(), h)
	}
	switch out.Type {
	case models.PacketPixel:
		pm := streammanager.NewPixelManager(out.StreamID, onDispatch, onError, onEOS)
		se.pixel = pm
		se.base = pm.Manager
	default:
		sm := streammanager.NewSemanticManager(out.StreamID, onDispatch, onError, onEOS)
		se.semantic = sm
		se.base = sm.Manager
	}
	return se
}

func (e *Engine) ensureCatalog() error {
	e.mu.Lock()
	loaded := e.catalogLoaded
	e.mu.Unlock()
	if loaded {
		return nil
	}
	desc, err := e.graphAdapter.GetSupportedConfigs(e.ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.catalog = desc
	e.catalogLoaded = true
	e.mu.Unlock()
	return nil
}

// broadcastSpan starts one span named engine.broadcast.<phase>.<state>
// around fn, the unit of work for a single phase-broadcast step (the
// collaborator calls plus the client/debug-display notifications that make
// up one PhaseState within one phase transition).
func (e *Engine) broadcastSpan(phase Phase, state models.PhaseState, fn func(ctx context.Context)) {
	name := fmt.Sprintf("engine.broadcast.%s.%s", strings.ToLower(phase.String()), strings.ToLower(state.String()))
	ctx, span := e.tracer.StartSpan(e.ctx, name)
	defer span.End()
	fn(ctx)
}

func (e *Engine) doBroadcastConfig() {
	e.mu.Lock()
	if e.phase != PhaseReset {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := e.ensureCatalog(); err != nil {
		e.recordComponentError(ComponentError{Source: "graph", Message: err.Error(), Phase: PhaseReset, Fatal: false})
		return
	}

	e.mu.Lock()
	snap, err := e.builder.Emit()
	e.mu.Unlock()
	if err != nil {
		e.recordComponentError(ComponentError{Source: "config-builder", Message: err.Error(), Phase: PhaseReset, Fatal: false})
		return
	}

	newStreams := make(map[int]*streamEndpoint, len(snap.StreamLimits))
	for streamID, limit := range snap.StreamLimits {
		out, ok := e.lookupOutputConfig(streamID)
		if !ok {
			e.recordComponentError(ComponentError{Source: "engine", Message: fmt.Sprintf("unknown output stream %d", streamID), Phase: PhaseReset, Fatal: false})
			return
		}
		se := e.newStreamEndpoint(out)
		if err := se.base.SetMaxInFlight(limit); err != nil {
			e.recordComponentError(ComponentError{Source: "engine", Message: err.Error(), Phase: PhaseReset, Fatal: false})
			return
		}
		newStreams[streamID] = se
	}

	newInputs := make(map[int]InputSource)
	if _, isFeeder := e.graphAdapter.(InputFeeder); isFeeder && snap.InputConfigID != models.InvalidID {
		ic, ok := e.lookupInputConfig(snap.InputConfigID)
		if !ok {
			e.recordComponentError(ComponentError{Source: "engine", Message: fmt.Sprintf("unknown input config %d", snap.InputConfigID), Phase: PhaseReset, Fatal: false})
			return
		}
		for idx, spec := range ic.Streams {
			src, err := inputmanager.NewSourceForSpec(spec, e.cameraProvider)
			if err != nil {
				e.recordComponentError(ComponentError{Source: "engine", Message: err.Error(), Phase: PhaseReset, Fatal: false})
				return
			}
			newInputs[idx] = inputmanager.NewManager(idx, src, e.inputFrameSink, e.inputErrorSink)
		}
	}

	// broadcastConfigState pushes the client's committed snapshot to the graph
	// adapter tagged with state, then notifies the debug display and client of
	// the same state, all inside one engine.broadcast.config.<state> span.
	// The engine issues this twice per CONFIG round: ENTRY, then
	// TRANSITION_COMPLETE once the graph has accepted it.
	var applyErr error
	broadcastConfigState := func(state models.PhaseState) {
		e.broadcastSpan(PhaseConfig, state, func(ctx context.Context) {
			if applyErr = e.graphAdapter.ApplyConfig(ctx, snap.WithPhaseState(state)); applyErr != nil {
				return
			}
			if e.debugDisplay != nil {
				e.debugDisplay.NotifyPhase(PhaseConfig, state)
			}
			e.client.NotifyPhase(PhaseConfig, state)
		})
	}

	broadcastConfigState(models.PhaseEntry)
	if applyErr != nil {
		e.broadcastSpan(PhaseConfig, models.PhaseAborted, func(context.Context) {
			if e.debugDisplay != nil {
				e.debugDisplay.NotifyPhase(PhaseConfig, models.PhaseAborted)
			}
			e.client.NotifyPhase(PhaseConfig, models.PhaseAborted)
		})
		e.recordComponentError(ComponentError{Source: "graph", Message: applyErr.Error(), Phase: PhaseReset, Fatal: false})
		return
	}

	broadcastConfigState(models.PhaseTransitionComplete)
	if applyErr != nil {
		e.broadcastSpan(PhaseConfig, models.PhaseAborted, func(context.Context) {
			if e.debugDisplay != nil {
				e.debugDisplay.NotifyPhase(PhaseConfig, models.PhaseAborted)
			}
			e.client.NotifyPhase(PhaseConfig, models.PhaseAborted)
		})
		e.recordComponentError(ComponentError{Source: "graph", Message: applyErr.Error(), Phase: PhaseReset, Fatal: false})
		return
	}

	e.mu.Lock()
	e.streamManagers = newStreams
	e.inputManagers = newInputs
	e.phase = PhaseConfig
	e.mu.Unlock()
	e.log.InfoCtx(e.ctx, "phase transition", "phase", PhaseConfig.String(), "streams", len(newStreams), "inputs", len(newInputs))
	e.publishPhaseEvent(events.PhaseConfigDone)
}

// ---- RUN broadcast (CONFIG -> RUN) ----

func (e *Engine) doBroadcastStartRun() {
	e.mu.Lock()
	if e.phase != PhaseConfig {
		e.mu.Unlock()
		return
	}
	streams := e.streamEndpointList()
	inputs := e.inputManagerList()
	e.mu.Unlock()

	var enteredStreams []*streamEndpoint
	var enteredInputs []InputSource
	debugDisplayEntered := false
	graphEntered := false
	aborted := false

	abort := func(reason string) {
		aborted = true
		for _, se := range enteredStreams {
			_ = se.base.OnRunAbort()
		}
		if graphEntered {
			_ = e.graphAdapter.StopImmediate(e.ctx)
		}
		for _, im := range enteredInputs {
			_ = im.OnStopEntry()
		}
		e.broadcastSpan(PhaseRun, models.PhaseAborted, func(context.Context) {
			if debugDisplayEntered && e.debugDisplay != nil {
				e.debugDisplay.NotifyPhase(PhaseRun, models.PhaseAborted)
			}
			e.client.NotifyPhase(PhaseRun, models.PhaseAborted)
		})
		e.recordComponentError(ComponentError{Source: "engine", Message: reason, Phase: PhaseConfig, Fatal: false})
		e.publishPhaseEvent(events.PhaseRunAbort)
	}

	e.broadcastSpan(PhaseRun, models.PhaseEntry, func(ctx context.Context) {
		for _, se := range streams {
			if err := se.base.OnRunEntry(); err != nil {
				abort(err.Error())
				return
			}
			enteredStreams = append(enteredStreams, se)
		}
		if e.debugDisplay != nil {
			e.debugDisplay.NotifyPhase(PhaseRun, models.PhaseEntry)
			debugDisplayEntered = true
		}
		if err := e.graphAdapter.Start(ctx, false); err != nil {
			abort(err.Error())
			return
		}
		graphEntered = true
		for _, im := range inputs {
			if err := im.OnRunEntry(ctx); err != nil {
				abort(err.Error())
				return
			}
			enteredInputs = append(enteredInputs, im)
		}
	})
	if aborted {
		return
	}

	e.mu.Lock()
	e.phase = PhaseRun
	e.mu.Unlock()
	e.log.InfoCtx(e.ctx, "phase transition", "phase", PhaseRun.String())

	e.broadcastSpan(PhaseRun, models.PhaseTransitionComplete, func(context.Context) {
		if e.debugDisplay != nil {
			e.debugDisplay.NotifyPhase(PhaseRun, models.PhaseTransitionComplete)
		}
		e.client.NotifyPhase(PhaseRun, models.PhaseTransitionComplete)
	})
	e.publishPhaseEvent(events.PhaseRunEntry)
}

// ---- STOP broadcast (RUN -> STOP -> CONFIG) ----

func (e *Engine) doBroadcastInitiateStop(initiator string, flush bool) {
	e.mu.Lock()
	if e.phase != PhaseRun {
		e.mu.Unlock()
		return
	}
	streams := e.streamEndpointList()
	inputs := e.inputManagerList()
	e.phase = PhaseStop
	e.mu.Unlock()
	e.log.InfoCtx(e.ctx, "phase transition", "phase", PhaseStop.String(), "initiator", initiator, "flush", flush)

	e.broadcastSpan(PhaseStop, models.PhaseEntry, func(ctx context.Context) {
		for _, se := range streams {
			_ = se.base.OnStopEntry()
		}
		if e.debugDisplay != nil {
			e.debugDisplay.NotifyPhase(PhaseStop, models.PhaseEntry)
		}
		if initiator != "graph" {
			if flush {
				_ = e.graphAdapter.StopWithFlush(ctx)
			} else {
				_ = e.graphAdapter.StopImmediate(ctx)
			}
		}
		for _, im := range inputs {
			_ = im.OnStopEntry()
		}
		if initiator != "client" {
			e.client.NotifyPhase(PhaseStop, models.PhaseEntry)
		}
	})

	e.publishPhaseEvent(events.PhaseStopEntry)

	if len(streams) == 0 {
		e.enqueue(command{kind: cmdPollStopComplete})
	}
}

func (e *Engine) doPollStopComplete() {
	e.mu.Lock()
	if e.phase != PhaseStop {
		e.mu.Unlock()
		return
	}
	streams := e.streamEndpointList()
	for _, se := range streams {
		if se.base.State() != streammanager.StateStopped {
			e.mu.Unlock()
			return
		}
	}
	for _, se := range streams {
		_ = se.base.OnStopTransitionComplete()
	}
	e.phase = PhaseConfig
	e.mu.Unlock()
	e.log.InfoCtx(e.ctx, "phase transition", "phase", PhaseConfig.String(), "from", PhaseStop.String())

	e.broadcastSpan(PhaseStop, models.PhaseTransitionComplete, func(context.Context) {
		if e.debugDisplay != nil {
			e.debugDisplay.NotifyPhase(PhaseStop, models.PhaseTransitionComplete)
		}
		e.client.NotifyPhase(PhaseStop, models.PhaseTransitionComplete)
	})
	e.publishPhaseEvent(events.PhaseStopComplete)
}

// ---- RESET (CONFIG -> RESET) ----

func (e *Engine) doResetConfig() {
	e.mu.Lock()
	phase := e.phase
	e.mu.Unlock()
	if phase == PhaseRun || phase == PhaseStop {
		return // reset-configs is only legal from CONFIG
	}
	e.teardownToReset()
}

func (e *Engine) teardownToReset() {
	e.mu.Lock()
	inputs := e.inputManagerList()
	e.streamManagers = make(map[int]*streamEndpoint)
	e.inputManagers = make(map[int]InputSource)
	e.builder.Reset()
	e.phase = PhaseReset
	e.mu.Unlock()
	e.log.InfoCtx(e.ctx, "phase transition", "phase", PhaseReset.String())

	for _, im := range inputs {
		_ = im.OnReset()
	}
	if e.debugDisplay != nil {
		e.debugDisplay.NotifyPhase(PhaseReset, models.PhaseTransitionComplete)
	}
	e.client.NotifyPhase(PhaseReset, models.PhaseTransitionComplete)
}

// ---- fatal/component error handling ----

func (e *Engine) doComponentError(ce ComponentError) {
	e.recordComponentError(ce)

	e.mu.Lock()
	phase := e.phase
	streams := e.streamEndpointList()
	inputs := e.inputManagerList()
	e.mu.Unlock()

	// A client death/error always forces a full reset regardless of phase
	// (there is no partially-torn-down state worth keeping for a dead
	// client's eventual replacement). Component errors from the graph or a
	// collaborator only need the STOP_IMMEDIATE-equivalent teardown below,
	// and only while something is actually RUNNING/STOPPING.
	if phase == PhaseRun || phase == PhaseStop {
		for _, se := range streams {
			if se.componentName() == ce.Source {
				continue
			}
			if se.base.State() == streammanager.StateRunning {
				_ = se.base.OnStopEntry()
			}
		}
		for _, im := range inputs {
			if fmt.Sprintf("input-manager-%d", im.ID()) == ce.Source {
				continue
			}
			_ = im.OnStopEntry()
		}
		if ce.Source != "graph" {
			_ = e.graphAdapter.StopImmediate(e.ctx)
		}
		if e.debugDisplay != nil && ce.Source != "debug-display" {
			e.debugDisplay.NotifyPhase(PhaseStop, models.PhaseAborted)
		}
		if ce.Source != "client" {
			e.client.NotifyPhase(PhaseStop, models.PhaseAborted)
		}

		e.mu.Lock()
		e.streamManagers = make(map[int]*streamEndpoint)
		e.inputManagers = make(map[int]InputSource)
		e.phase = PhaseConfig
		e.mu.Unlock()
		e.client.NotifyPhase(PhaseConfig, models.PhaseTransitionComplete)
	}

	if ce.Source == "client" {
		e.teardownToReset()
	}
}

// ---- packet routing ----

// routePacket forwards a dispatched handle to the client and/or the debug
// display. Non-reserved streams go to the client only. The reserved
// debug-display stream always goes to the display as the original handle;
// if the client also requested that stream id, the display additionally
// causes a clone to be sent to the client so both consumers hold an
// independent lifecycle over the same data.
func (e *Engine) routePacket(streamID int, original memhandle.Handle) {
	e.mu.Lock()
	se := e.streamManagers[streamID]
	isDisplayStream := e.debugDisplayStreamID != models.InvalidID && streamID == e.debugDisplayStreamID
	clientWantsDisplay := e.builder.HasClientDisplayStream()
	e.mu.Unlock()
	if se == nil {
		return
	}

	if !isDisplayStream {
		e.deliver(e.client, "client", se, streamID, original)
		return
	}

	if e.debugDisplay != nil {
		e.deliver(e.debugDisplay, "debug-display", se, streamID, original)
	}
	if clientWantsDisplay {
		if clone := e.clonePacket(se, original.BufferID()); clone != nil {
			e.deliver(e.client, "client", se, streamID, clone)
		}
	}
}

func (e *Engine) clonePacket(se *streamEndpoint, bufferID int) memhandle.Handle {
	if se.pixel != nil {
		return se.pixel.ClonePixelPacket(bufferID)
	}
	return se.semantic.ClonePacket(bufferID)
}

func (e *Engine) deliver(sink Sink, name string, se *streamEndpoint, streamID int, h memhandle.Handle) {
	var err error
	if se.kind == models.PacketPixel {
		err = sink.DeliverPixel(streamID, h)
	} else {
		err = sink.DeliverSemantic(streamID, h)
	}
	if err != nil {
		e.enqueue(command{kind: cmdComponentError, err: ComponentError{
			Source:  name,
			Message: err.Error(),
			Phase:   e.currentPhase(),
			Fatal:   name == "client",
		}})
	}
}
