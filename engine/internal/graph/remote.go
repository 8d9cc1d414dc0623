package graph

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/internal/telemetry/otelbridge"
	"github.com/99souls/computepipe/engine/models"
)

// unaryDeadline bounds every unary remote-adapter call.
const unaryDeadline = 100 * time.Millisecond

// PixelPayload is the wire shape of a pixel OutputStreamResponse.
type PixelPayload struct {
	Data   []byte
	Width  int
	Height int
	Step   int
	Format models.PixelFormat
}

// OutputStreamResponse is the union the server sends on an observed output
// stream: exactly one of Pixel or Semantic is set.
type OutputStreamResponse struct {
	TimestampMicros int64
	Pixel           *PixelPayload
	Semantic        []byte
}

// OutputStreamClient is the server-streaming client handle returned by
// ObserveOutputStream, matching the shape a generated gRPC stub would expose.
type OutputStreamClient interface {
	Recv() (*OutputStreamResponse, error)
}

// GraphServiceClient is the RPC surface the remote adapter talks to:
// GetGraphOptions, SetGraphConfig, StartGraphExecution, ObserveOutputStream
// (server-streaming), StopGraphExecution, ResetGraph, StartGraphProfiling,
// StopGraphProfiling, GetProfilingData. A real deployment implements this
// over a generated protobuf stub; tests supply a fake.
type GraphServiceClient interface {
	GetGraphOptions(ctx context.Context) (models.GraphOptionsDescriptor, error)
	SetGraphConfig(ctx context.Context, cfg models.ClientConfig) error
	StartGraphExecution(ctx context.Context, debuggingEnabled bool) error
	ObserveOutputStream(ctx context.Context, streamID int) (OutputStreamClient, error)
	StopGraphExecution(ctx context.Context, flushOutputFrames bool) error
	ResetGraph(ctx context.Context) error
	StartGraphProfiling(ctx context.Context) error
	StopGraphProfiling(ctx context.Context) error
	GetProfilingData(ctx context.Context) ([]byte, error)
}

// RemoteAdapter talks to a graph hosted behind a gRPC service. For each
// configured output stream it runs a single-stream observer goroutine
// issuing ObserveOutputStream and looping on Recv; a streamSetObserver fans
// those goroutines' exits into exactly one graph-termination event.
//
// Grounded on google.golang.org/grpc's client-streaming shape as used in
// DataDog-datadog-agent's stream_worker.go: one goroutine per stream, a
// context.CancelFunc per stream, a signal path for failure. Hard/graceful
// stream rotation has no analogue here — a graph RUN cycle's observers live
// exactly as long as the RUN phase.
type RemoteAdapter struct {
	client  GraphServiceClient
	tracer  *otelbridge.RPCTracer
	callbacks Callbacks

	mu        sync.Mutex
	state     State
	lastError *models.StatusError
	cachedOpt *models.GraphOptionsDescriptor
	outputs   []models.OutputConfig

	observersMu sync.Mutex
	cancels     map[int]context.CancelFunc
	setObserver *streamSetObserver
	observeWG   sync.WaitGroup
}

func NewRemoteAdapter(client GraphServiceClient, tracer *otelbridge.RPCTracer, cb Callbacks) *RemoteAdapter {
	return &RemoteAdapter{client: client, tracer: tracer, callbacks: cb, state: StateUninitialized, cancels: make(map[int]context.CancelFunc)}
}

func (a *RemoteAdapter) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, unaryDeadline)
}

func (a *RemoteAdapter) traced(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	cctx, cancel := a.withDeadline(ctx)
	defer cancel()
	var span oteltrace.Span
	if a.tracer != nil {
		cctx, span = a.tracer.StartCall(cctx, method, unaryDeadline)
	}
	err := fn(cctx)
	if a.tracer != nil {
		a.tracer.FinishCall(span, err)
	}
	if err != nil {
		return translateRPCError(err)
	}
	return nil
}

// translateRPCError maps a gRPC status into the closed StatusError taxonomy.
func translateRPCError(err error) *models.StatusError {
	st, ok := status.FromError(err)
	if !ok {
		return models.NewStatusError(models.CodeInternalError, "%v", err)
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return models.NewStatusError(models.CodeInvalidArgument, "%s", st.Message())
	case codes.FailedPrecondition:
		return models.NewStatusError(models.CodeIllegalState, "%s", st.Message())
	case codes.ResourceExhausted:
		return models.NewStatusError(models.CodeNoMemory, "%s", st.Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Unknown:
		return models.NewStatusError(models.CodeFatalError, "%s", st.Message())
	default:
		return models.NewStatusError(models.CodeInternalError, "%s", st.Message())
	}
}

func (a *RemoteAdapter) GetSupportedConfigs(ctx context.Context) (models.GraphOptionsDescriptor, error) {
	a.mu.Lock()
	if a.cachedOpt != nil {
		defer a.mu.Unlock()
		return *a.cachedOpt, nil
	}
	a.mu.Unlock()

	var desc models.GraphOptionsDescriptor
	err := a.traced(ctx, "GetGraphOptions", func(cctx context.Context) error {
		var e error
		desc, e = a.client.GetGraphOptions(cctx)
		return e
	})
	if err != nil {
		a.recordError(models.AsStatusError(err))
		return models.GraphOptionsDescriptor{}, err
	}
	a.mu.Lock()
	a.cachedOpt = &desc
	a.outputs = desc.Outputs
	a.mu.Unlock()
	return desc, nil
}

func (a *RemoteAdapter) ApplyConfig(ctx context.Context, cfg models.ClientConfig) error {
	a.mu.Lock()
	if a.state == StateRunning || a.state == StateFlushing {
		a.mu.Unlock()
		return models.NewStatusError(models.CodeIllegalState, "cannot apply config while graph is %s", a.state)
	}
	a.mu.Unlock()
	err := a.traced(ctx, "SetGraphConfig", func(cctx context.Context) error {
		return a.client.SetGraphConfig(cctx, cfg)
	})
	if err != nil {
		a.recordError(models.AsStatusError(err))
		return err
	}
	return nil
}

func (a *RemoteAdapter) Start(ctx context.Context, debuggingEnabled bool) error {
	a.mu.Lock()
	if a.state != StateUninitialized && a.state != StateStopped {
		a.mu.Unlock()
		return models.NewStatusError(models.CodeIllegalState, "start requires UNINITIALIZED or STOPPED, got %s", a.state)
	}
	outputs := a.outputs
	a.mu.Unlock()

	if err := a.traced(ctx, "StartGraphExecution", func(cctx context.Context) error {
		return a.client.StartGraphExecution(cctx, debuggingEnabled)
	}); err != nil {
		a.recordError(models.AsStatusError(err))
		return err
	}

	a.mu.Lock()
	a.state = StateRunning
	a.mu.Unlock()

	a.startObservers(outputs)
	return nil
}

// startObservers establishes one ObserveOutputStream RPC per output stream
// concurrently (errgroup.Group: first failure cancels the rest before any
// long-lived receive loop starts, so a single stream rejected at setup time
// doesn't leave the others running against a graph the client will
// immediately tear down), then hands each established stream off to its own
// long-lived receive loop. A streamSetObserver fans their eventual exits
// into exactly one termination event.
func (a *RemoteAdapter) startObservers(outputs []models.OutputConfig) {
	a.observersMu.Lock()
	setObserver := newStreamSetObserver(len(outputs), func(status *models.StatusError) {
		a.mu.Lock()
		a.state = StateStopped
		a.mu.Unlock()
		if a.callbacks.OnTermination != nil {
			a.callbacks.OnTermination(status)
		}
	})
	a.setObserver = setObserver

	setupCtx, setupCancel := context.WithTimeout(context.Background(), unaryDeadline)
	defer setupCancel()
	eg, egCtx := errgroup.WithContext(setupCtx)
	streams := make([]OutputStreamClient, len(outputs))
	streamCtxs := make([]context.Context, len(outputs))
	cancels := make([]context.CancelFunc, len(outputs))
	for i, out := range outputs {
		i, out := i, out
		streamCtx, cancel := context.WithCancel(context.Background())
		streamCtxs[i] = streamCtx
		cancels[i] = cancel
		eg.Go(func() error {
			stream, err := a.client.ObserveOutputStream(egCtx, out.StreamID)
			if err != nil {
				return err
			}
			streams[i] = stream
			return nil
		})
	}
	setupErr := eg.Wait()

	for i, out := range outputs {
		if setupErr != nil {
			cancels[i]()
			a.observeWG.Add(1)
			go func(out models.OutputConfig) {
				defer a.observeWG.Done()
				a.setObserver.streamClosed(translateRPCError(setupErr))
			}(out)
			continue
		}
		a.cancels[out.StreamID] = cancels[i]
		a.observeWG.Add(1)
		go a.observeStream(streamCtxs[i], streams[i], out)
	}
	a.observersMu.Unlock()
}

// observeStream loops on an already-established stream's Recv, dispatching
// each response as a pixel or semantic packet, until the server closes the
// stream, an error occurs, or ctx is canceled by a local stop.
func (a *RemoteAdapter) observeStream(ctx context.Context, stream OutputStreamClient, out models.OutputConfig) {
	defer a.observeWG.Done()
	var finalStatus *models.StatusError

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				finalStatus = models.NewStatusError(models.CodeSuccess, "stream %d closed", out.StreamID)
			} else if ctx.Err() != nil {
				finalStatus = models.NewStatusError(models.CodeSuccess, "stream %d canceled locally", out.StreamID)
			} else {
				finalStatus = translateRPCError(err)
			}
			break
		}
		switch {
		case resp.Pixel != nil:
			if a.callbacks.OnPixel != nil {
				frame := memhandle.InputFrame{
					Width: resp.Pixel.Width, Height: resp.Pixel.Height,
					Stride: resp.Pixel.Step, Format: resp.Pixel.Format, Data: resp.Pixel.Data,
				}
				a.callbacks.OnPixel(out.StreamID, resp.TimestampMicros, frame)
			}
		default:
			if a.callbacks.OnSemantic != nil {
				a.callbacks.OnSemantic(out.StreamID, resp.TimestampMicros, resp.Semantic)
			}
		}
	}
	a.setObserver.streamClosed(finalStatus)
}

func (a *RemoteAdapter) stop(ctx context.Context, flush bool) error {
	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return models.NewStatusError(models.CodeIllegalState, "stop requires RUNNING, got %s", a.state)
	}
	if flush {
		a.state = StateFlushing
	}
	a.mu.Unlock()

	err := a.traced(ctx, "StopGraphExecution", func(cctx context.Context) error {
		return a.client.StopGraphExecution(cctx, flush)
	})
	if err != nil {
		a.recordError(models.AsStatusError(err))
		return err
	}

	if !flush {
		// stop_immediate: cancel every observer now and report termination
		// synchronously rather than waiting for Recv to notice cancellation.
		a.observersMu.Lock()
		for _, cancel := range a.cancels {
			cancel()
		}
		a.cancels = make(map[int]context.CancelFunc)
		setObserver := a.setObserver
		a.observersMu.Unlock()

		a.mu.Lock()
		a.state = StateStopped
		a.mu.Unlock()
		if setObserver != nil {
			setObserver.forceDone(models.NewStatusError(models.CodeSuccess, "stopped immediately"))
		}
	}
	return nil
}

func (a *RemoteAdapter) StopWithFlush(ctx context.Context) error { return a.stop(ctx, true) }
func (a *RemoteAdapter) StopImmediate(ctx context.Context) error { return a.stop(ctx, false) }

func (a *RemoteAdapter) Reset(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateStopped {
		a.mu.Unlock()
		return models.NewStatusError(models.CodeIllegalState, "reset requires STOPPED, got %s", a.state)
	}
	a.mu.Unlock()

	if err := a.traced(ctx, "ResetGraph", func(cctx context.Context) error {
		return a.client.ResetGraph(cctx)
	}); err != nil {
		a.recordError(models.AsStatusError(err))
		return err
	}
	a.observeWG.Wait()
	a.mu.Lock()
	a.state = StateUninitialized
	a.lastError = nil
	a.mu.Unlock()
	return nil
}

func (a *RemoteAdapter) StartProfiling(ctx context.Context) error {
	return a.traced(ctx, "StartGraphProfiling", func(cctx context.Context) error {
		return a.client.StartGraphProfiling(cctx)
	})
}

func (a *RemoteAdapter) StopProfiling(ctx context.Context) error {
	return a.traced(ctx, "StopGraphProfiling", func(cctx context.Context) error {
		return a.client.StopGraphProfiling(cctx)
	})
}

func (a *RemoteAdapter) DebugInfo(ctx context.Context) ([]byte, error) {
	var data []byte
	err := a.traced(ctx, "GetProfilingData", func(cctx context.Context) error {
		var e error
		data, e = a.client.GetProfilingData(cctx)
		return e
	})
	if err != nil {
		a.recordError(models.AsStatusError(err))
		return nil, err
	}
	return data, nil
}

func (a *RemoteAdapter) State() State { a.mu.Lock(); defer a.mu.Unlock(); return a.state }

func (a *RemoteAdapter) LastError() *models.StatusError {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastError
}

func (a *RemoteAdapter) recordError(se *models.StatusError) {
	a.mu.Lock()
	a.lastError = se
	a.mu.Unlock()
}
