// Package inputmanager pulls frames from a source (camera, image directory,
// video file) and pushes them into the graph adapter via a sink callback
// supplied by the engine, relaying source errors via a second callback.
//
// Start/Stop and the stopping-flag-guarded polling loop are grounded on the
// teacher's crawler.Crawler: a goroutine loop that checks a mutex-guarded
// "stopping" flag every iteration and is joined synchronously on Stop,
// generalized from "visit queued URLs" to "pull frames from a Source".
package inputmanager

import (
	"context"
	"sync"

	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
)

// Source is the common interface behind CAMERA, IMAGE_FILES and VIDEO_FILE
// input configs.
type Source interface {
	// Open prepares the source for delivery (e.g. opening a camera handle
	// or a directory listing). Called once per OnRunEntry.
	Open() error
	// Next blocks until a frame is available, ctx is canceled, or the
	// source is exhausted (returns the sentinel ErrSourceClosed).
	Next(ctx context.Context) (timestampMicros int64, frame memhandle.InputFrame, err error)
	// Close releases the source. Called once per OnStopEntry/OnReset.
	Close() error
}

// ErrSourceClosed signals natural source exhaustion (e.g. end of an image
// directory or video file), distinct from a real I/O failure.
var ErrSourceClosed = models.NewStatusError(models.CodeSuccess, "source closed")

// FrameSink receives pulled frames; the engine routes them into the graph
// adapter's set_input_stream_pixels equivalent.
type FrameSink func(streamID int, timestampMicros int64, frame memhandle.InputFrame)

// ErrorSink relays source-side failures, naming the input manager by id.
type ErrorSink func(inputID int, err *models.StatusError)

// Manager pulls frames from Source on a dedicated goroutine while RUNNING.
type Manager struct {
	id     int
	source Source
	sink   FrameSink
	onErr  ErrorSink

	mu       sync.Mutex
	stopping bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

func NewManager(id int, source Source, sink FrameSink, onErr ErrorSink) *Manager {
	return &Manager{id: id, source: source, sink: sink, onErr: onErr}
}

func (m *Manager) ID() int { return m.id }

// OnRunEntry opens the source and starts the polling goroutine.
func (m *Manager) OnRunEntry(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return models.NewStatusError(models.CodeIllegalState, "input manager %d already running", m.id)
	}
	if err := m.source.Open(); err != nil {
		m.mu.Unlock()
		return models.NewStatusError(models.CodeInternalError, "open source for input %d: %v", m.id, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopping = false
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.loop(runCtx)
	return nil
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		stopping := m.stopping
		m.mu.Unlock()
		if stopping {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		ts, frame, err := m.source.Next(ctx)
		if err != nil {
			if se := models.AsStatusError(err); se != nil && se.Code == models.CodeSuccess {
				return
			}
			if m.onErr != nil {
				se := models.AsStatusError(err)
				if se == nil {
					se = models.NewStatusError(models.CodeInternalError, "%v", err)
				}
				m.onErr(m.id, se)
			}
			continue
		}
		if m.sink != nil {
			m.sink(m.id, ts, frame)
		}
	}
}

// stopSync stops the polling goroutine and closes the source, blocking
// until the goroutine has exited — stop is always synchronous.
func (m *Manager) stopSync() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.stopping = true
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	_ = m.source.Close()
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Manager) OnStopEntry() error { m.stopSync(); return nil }
func (m *Manager) OnReset() error     { m.stopSync(); return nil }

// NewSourceForSpec builds the Source kind named by spec.Type. cameraProvider
// is only consulted for SourceCamera; the other kinds are fully described by
// spec. Returns INVALID_ARGUMENT for an unrecognized type.
func NewSourceForSpec(spec models.InputStreamSpec, cameraProvider FrameProvider) (Source, error) {
	switch spec.Type {
	case models.SourceCamera:
		return NewCameraSource(spec, cameraProvider), nil
	case models.SourceImageFiles:
		return NewImageFilesSource(spec), nil
	case models.SourceVideoFile:
		return NewVideoFileSource(spec, 0), nil
	default:
		return nil, models.NewStatusError(models.CodeInvalidArgument, "unrecognized input source type %v", spec.Type)
	}
}
