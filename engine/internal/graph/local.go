package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
)

// LibrarySymbols stands in for the flat C-ABI function table in
// prebuilt_interface.h (GetVersion, GetSupportedGraphConfigs,
// UpdateGraphConfig, SetInputStreamData/PixelData, StartGraphExecution,
// StopGraphExecution, ResetGraph, Get/StartProfiling, GetDebugInfo). Modeled
// as a plain Go interface rather than cgo bindings so adapter logic is
// testable without a real .so; production wiring supplies an implementation
// backed by plugin.Open or a cgo shim behind this same interface.
type LibrarySymbols interface {
	GetSupportedConfigs() (models.GraphOptionsDescriptor, *models.StatusError)
	UpdateConfig(cfg models.ClientConfig) *models.StatusError
	SetInputStreamData(streamIndex int, timestampMicros int64, data []byte) *models.StatusError
	SetInputStreamPixelData(streamIndex int, timestampMicros int64, frame memhandle.InputFrame) *models.StatusError
	// SetCallbacks registers the library's C-style callback functions. The
	// library invokes them with the cookie NewLocalAdapter passed at construction.
	SetCallbacks(cookie *LocalAdapter)
	Start(debuggingEnabled bool) *models.StatusError
	Stop(flushOutputFrames bool) *models.StatusError
	Reset()
	StartProfiling() *models.StatusError
	StopProfiling() *models.StatusError
	DebugInfo() ([]byte, *models.StatusError)
}

var (
	singletonMu  sync.Mutex
	singletonSet bool
)

// LocalAdapter wraps a loaded graph shared library. Only one may exist at a
// time — the library is a process-level resource, assumed internally
// thread-safe but not re-entrant across separate "instances". The
// package-level singletonMu/singletonSet guard is this package's
// enforcement of that rule: constructing a second LocalAdapter before the
// first is released is a programming error, not a runtime race to paper
// over.
type LocalAdapter struct {
	lib LibrarySymbols

	mu        sync.Mutex
	state     State
	lastError *models.StatusError
	cachedOpt *models.GraphOptionsDescriptor

	callbacks Callbacks
}

// NewLocalAdapter loads lib as the process's graph library. Returns an error
// if a LocalAdapter is already live.
func NewLocalAdapter(lib LibrarySymbols, cb Callbacks) (*LocalAdapter, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singletonSet {
		return nil, fmt.Errorf("a local graph adapter is already active in this process")
	}
	a := &LocalAdapter{lib: lib, state: StateUninitialized, callbacks: cb}
	lib.SetCallbacks(a)
	singletonSet = true
	return a, nil
}

// Release frees the singleton slot. Callers must call this once the adapter
// is STOPPED and will not be reused, typically as part of engine RESET
// teardown.
func (a *LocalAdapter) Release() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	singletonSet = false
}

func (a *LocalAdapter) GetSupportedConfigs(ctx context.Context) (models.GraphOptionsDescriptor, error) {
	a.mu.Lock()
	if a.cachedOpt != nil {
		defer a.mu.Unlock()
		return *a.cachedOpt, nil
	}
	a.mu.Unlock()
	desc, se := a.lib.GetSupportedConfigs()
	if se != nil && se.Code != models.CodeSuccess {
		a.recordError(se)
		return models.GraphOptionsDescriptor{}, se
	}
	a.mu.Lock()
	a.cachedOpt = &desc
	a.mu.Unlock()
	return desc, nil
}

func (a *LocalAdapter) ApplyConfig(ctx context.Context, cfg models.ClientConfig) error {
	a.mu.Lock()
	if a.state == StateRunning || a.state == StateFlushing {
		a.mu.Unlock()
		return models.NewStatusError(models.CodeIllegalState, "cannot apply config while graph is %s", a.state)
	}
	a.mu.Unlock()
	if se := a.lib.UpdateConfig(cfg); se != nil && se.Code != models.CodeSuccess {
		a.recordError(se)
		return se
	}
	return nil
}

func (a *LocalAdapter) Start(ctx context.Context, debuggingEnabled bool) error {
	a.mu.Lock()
	if a.state != StateUninitialized && a.state != StateStopped {
		a.mu.Unlock()
		return models.NewStatusError(models.CodeIllegalState, "start requires UNINITIALIZED or STOPPED, got %s", a.state)
	}
	a.mu.Unlock()
	if se := a.lib.Start(debuggingEnabled); se != nil && se.Code != models.CodeSuccess {
		a.recordError(se)
		return se
	}
	a.mu.Lock()
	a.state = StateRunning
	a.mu.Unlock()
	return nil
}

// stop moves to FLUSHING or directly to STOPPED depending on whether
// output is drained. On flush=true, it is the library's responsibility to
// later invoke OnTermination, at which point the adapter transitions to
// STOPPED.
func (a *LocalAdapter) stop(ctx context.Context, flush bool) error {
	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return models.NewStatusError(models.CodeIllegalState, "stop requires RUNNING, got %s", a.state)
	}
	a.mu.Unlock()
	if se := a.lib.Stop(flush); se != nil && se.Code != models.CodeSuccess {
		a.recordError(se)
		return se
	}
	a.mu.Lock()
	if flush {
		a.state = StateFlushing
	} else {
		a.state = StateStopped
	}
	a.mu.Unlock()
	if !flush && a.callbacks.OnTermination != nil {
		a.callbacks.OnTermination(models.NewStatusError(models.CodeSuccess, "stopped immediately"))
	}
	return nil
}

func (a *LocalAdapter) StopWithFlush(ctx context.Context) error   { return a.stop(ctx, true) }
func (a *LocalAdapter) StopImmediate(ctx context.Context) error   { return a.stop(ctx, false) }

func (a *LocalAdapter) Reset(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateStopped {
		a.mu.Unlock()
		return models.NewStatusError(models.CodeIllegalState, "reset requires STOPPED, got %s", a.state)
	}
	a.mu.Unlock()
	a.lib.Reset()
	a.mu.Lock()
	a.state = StateUninitialized
	a.lastError = nil
	a.mu.Unlock()
	return nil
}

func (a *LocalAdapter) StartProfiling(ctx context.Context) error {
	if se := a.lib.StartProfiling(); se != nil && se.Code != models.CodeSuccess {
		a.recordError(se)
		return se
	}
	return nil
}

func (a *LocalAdapter) StopProfiling(ctx context.Context) error {
	if se := a.lib.StopProfiling(); se != nil && se.Code != models.CodeSuccess {
		a.recordError(se)
		return se
	}
	return nil
}

func (a *LocalAdapter) DebugInfo(ctx context.Context) ([]byte, error) {
	data, se := a.lib.DebugInfo()
	if se != nil && se.Code != models.CodeSuccess {
		a.recordError(se)
		return nil, se
	}
	return data, nil
}

func (a *LocalAdapter) SetInputStreamBytes(ctx context.Context, streamIndex int, timestampMicros int64, data []byte) error {
	a.mu.Lock()
	running := a.state == StateRunning
	a.mu.Unlock()
	if !running {
		return models.NewStatusError(models.CodeIllegalState, "set_input_stream_data requires RUNNING, got %s", a.state)
	}
	if se := a.lib.SetInputStreamData(streamIndex, timestampMicros, data); se != nil && se.Code != models.CodeSuccess {
		a.recordError(se)
		return se
	}
	return nil
}

func (a *LocalAdapter) SetInputStreamPixels(ctx context.Context, streamIndex int, timestampMicros int64, frame memhandle.InputFrame) error {
	a.mu.Lock()
	running := a.state == StateRunning
	a.mu.Unlock()
	if !running {
		return models.NewStatusError(models.CodeIllegalState, "set_input_stream_pixel_data requires RUNNING, got %s", a.state)
	}
	if se := a.lib.SetInputStreamPixelData(streamIndex, timestampMicros, frame); se != nil && se.Code != models.CodeSuccess {
		a.recordError(se)
		return se
	}
	return nil
}

func (a *LocalAdapter) State() State { a.mu.Lock(); defer a.mu.Unlock(); return a.state }

func (a *LocalAdapter) LastError() *models.StatusError {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastError
}

func (a *LocalAdapter) recordError(se *models.StatusError) {
	a.mu.Lock()
	a.lastError = se
	a.mu.Unlock()
}

// DispatchPixel is invoked by the library (via its C-style callback,
// cookie=a) on a pixel output. It is the library's contract to have already
// copied the pixel data before returning from its own call into this method
// — the adapter does not re-copy, matching the "callback must copy, no
// lifetime guarantee" wording of the ABI's doc comments.
func (a *LocalAdapter) DispatchPixel(streamID int, timestampMicros int64, frame memhandle.InputFrame) {
	if a.callbacks.OnPixel != nil {
		a.callbacks.OnPixel(streamID, timestampMicros, frame)
	}
}

// DispatchSemantic is invoked by the library on a serialized output packet.
func (a *LocalAdapter) DispatchSemantic(streamID int, timestampMicros int64, data []byte) {
	if a.callbacks.OnSemantic != nil {
		a.callbacks.OnSemantic(streamID, timestampMicros, data)
	}
}

// DispatchTermination is invoked by the library when the graph has finished
// after a flush-stop, completing the FLUSHING -> STOPPED transition.
func (a *LocalAdapter) DispatchTermination(status *models.StatusError) {
	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()
	if a.callbacks.OnTermination != nil {
		a.callbacks.OnTermination(status)
	}
}
