package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/computepipe/engine/internal/graph"
	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
)

// fakeGraphAdapter is a minimal graph.Adapter test double: enough state to
// drive the engine's broadcasts without a real dylib/gRPC backing.
type fakeGraphAdapter struct {
	mu         sync.Mutex
	descriptor models.GraphOptionsDescriptor
	applyErr   error
	startErr   error
	state      graph.State

	applyCount          int
	appliedStates       []models.PhaseState
	startCount          int
	stopFlushCount      int
	stopImmediateCount  int
}

func (f *fakeGraphAdapter) GetSupportedConfigs(context.Context) (models.GraphOptionsDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.descriptor, nil
}

func (f *fakeGraphAdapter) ApplyConfig(_ context.Context, cfg models.ClientConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCount++
	f.appliedStates = append(f.appliedStates, cfg.PhaseState)
	return f.applyErr
}

func (f *fakeGraphAdapter) Start(context.Context, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCount++
	if f.startErr == nil {
		f.state = graph.StateRunning
	}
	return f.startErr
}

func (f *fakeGraphAdapter) StopWithFlush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopFlushCount++
	f.state = graph.StateStopped
	return nil
}

func (f *fakeGraphAdapter) StopImmediate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopImmediateCount++
	f.state = graph.StateStopped
	return nil
}

func (f *fakeGraphAdapter) Reset(context.Context) error          { return nil }
func (f *fakeGraphAdapter) StartProfiling(context.Context) error { return nil }
func (f *fakeGraphAdapter) StopProfiling(context.Context) error  { return nil }
func (f *fakeGraphAdapter) DebugInfo(context.Context) ([]byte, error) {
	return []byte("debug-blob"), nil
}

func (f *fakeGraphAdapter) State() graph.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
func (f *fakeGraphAdapter) LastError() *models.StatusError { return nil }

func (f *fakeGraphAdapter) counts() (apply, start, stopFlush, stopImmediate int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applyCount, f.startCount, f.stopFlushCount, f.stopImmediateCount
}

type notification struct {
	phase Phase
	state models.PhaseState
}

// fakeSink is a minimal engine.Sink test double recording every call.
type fakeSink struct {
	mu            sync.Mutex
	notifications []notification
	deliverErr    error
}

func (f *fakeSink) NotifyPhase(phase Phase, state models.PhaseState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, notification{phase, state})
}

func (f *fakeSink) DeliverPixel(int, memhandle.Handle) error    { return f.deliverErr }
func (f *fakeSink) DeliverSemantic(int, memhandle.Handle) error { return f.deliverErr }

func (f *fakeSink) last() notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.notifications) == 0 {
		return notification{}
	}
	return f.notifications[len(f.notifications)-1]
}

func (f *fakeSink) contains(n notification) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, got := range f.notifications {
		if got == n {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T, fake *fakeGraphAdapter, client *fakeSink) *Engine {
	t.Helper()
	factory := func(graph.Callbacks) (GraphAdapter, error) { return fake, nil }
	e, err := New(factory, client, nil, models.InvalidID, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestConfigHappyPath(t *testing.T) {
	fake := &fakeGraphAdapter{descriptor: models.GraphOptionsDescriptor{
		GraphName: "g",
		Outputs:   []models.OutputConfig{{StreamID: 1, StreamName: "out", Type: models.PacketPixel}},
	}}
	client := &fakeSink{}
	e := newTestEngine(t, fake, client)

	require.NoError(t, e.ProcessConfigUpdate(ConfigCommand{Kind: ConfigSetOutputStream, StreamID: 1, MaxInFlight: 2}))
	require.NoError(t, e.ProcessControl(context.Background(), ControlApplyConfigs))

	require.Eventually(t, func() bool { return e.currentPhase() == PhaseConfig }, time.Second, 5*time.Millisecond)
	assert.True(t, client.contains(notification{PhaseConfig, models.PhaseEntry}))
	assert.True(t, client.contains(notification{PhaseConfig, models.PhaseTransitionComplete}))
	applyCount, _, _, _ := fake.counts()
	assert.Equal(t, 2, applyCount, "ApplyConfig must be called once for ENTRY and once for TRANSITION_COMPLETE")
	assert.Equal(t, []models.PhaseState{models.PhaseEntry, models.PhaseTransitionComplete}, fake.appliedStates)
}

func TestConfigRejectedOutsideReset(t *testing.T) {
	fake := &fakeGraphAdapter{}
	client := &fakeSink{}
	e := newTestEngine(t, fake, client)
	require.NoError(t, e.ProcessControl(context.Background(), ControlApplyConfigs))
	require.Eventually(t, func() bool { return e.currentPhase() == PhaseConfig }, time.Second, 5*time.Millisecond)

	err := e.ProcessConfigUpdate(ConfigCommand{Kind: ConfigSetOutputStream, StreamID: 1, MaxInFlight: 1})
	require.Error(t, err)
	assert.Equal(t, models.CodeIllegalState, models.AsStatusError(err).Code)
}

func TestFullRunStopRestartCycle(t *testing.T) {
	fake := &fakeGraphAdapter{descriptor: models.GraphOptionsDescriptor{
		Outputs: []models.OutputConfig{{StreamID: 1, StreamName: "out", Type: models.PacketPixel}},
	}}
	client := &fakeSink{}
	e := newTestEngine(t, fake, client)

	require.NoError(t, e.ProcessConfigUpdate(ConfigCommand{Kind: ConfigSetOutputStream, StreamID: 1, MaxInFlight: 2}))
	require.NoError(t, e.ProcessControl(context.Background(), ControlApplyConfigs))
	require.Eventually(t, func() bool { return e.currentPhase() == PhaseConfig }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.ProcessControl(context.Background(), ControlStartGraph))
	require.Eventually(t, func() bool { return e.currentPhase() == PhaseRun }, time.Second, 5*time.Millisecond)
	assert.True(t, client.contains(notification{PhaseRun, models.PhaseTransitionComplete}))

	require.NoError(t, e.ProcessControl(context.Background(), ControlStopGraph))
	require.Eventually(t, func() bool { return e.currentPhase() == PhaseConfig }, time.Second, 5*time.Millisecond)
	assert.True(t, client.contains(notification{PhaseStop, models.PhaseTransitionComplete}))

	_, _, stopFlush, _ := fake.counts()
	assert.Equal(t, 1, stopFlush, "client-initiated stop-graph defaults to flush")

	// Restart to confirm the stream manager's CONFIG_DONE -> RUNNING
	// transition survived a full cycle.
	require.NoError(t, e.ProcessControl(context.Background(), ControlStartGraph))
	require.Eventually(t, func() bool { return e.currentPhase() == PhaseRun }, time.Second, 5*time.Millisecond)
}

func TestComponentErrorDuringRunTearsDownToConfig(t *testing.T) {
	fake := &fakeGraphAdapter{descriptor: models.GraphOptionsDescriptor{
		Outputs: []models.OutputConfig{{StreamID: 1, StreamName: "out", Type: models.PacketPixel}},
	}}
	client := &fakeSink{}
	e := newTestEngine(t, fake, client)

	require.NoError(t, e.ProcessConfigUpdate(ConfigCommand{Kind: ConfigSetOutputStream, StreamID: 1, MaxInFlight: 2}))
	require.NoError(t, e.ProcessControl(context.Background(), ControlApplyConfigs))
	require.Eventually(t, func() bool { return e.currentPhase() == PhaseConfig }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.ProcessControl(context.Background(), ControlStartGraph))
	require.Eventually(t, func() bool { return e.currentPhase() == PhaseRun }, time.Second, 5*time.Millisecond)

	e.enqueue(command{kind: cmdComponentError, err: ComponentError{
		Source: "stream-manager-1", Message: "boom", Phase: PhaseRun, Fatal: false,
	}})

	require.Eventually(t, func() bool { return e.currentPhase() == PhaseConfig }, time.Second, 5*time.Millisecond)
	require.NotNil(t, e.LastError())
	assert.Equal(t, "stream-manager-1", e.LastError().Source)
	assert.True(t, client.contains(notification{PhaseStop, models.PhaseAborted}))
	_, _, _, stopImmediate := fake.counts()
	assert.Equal(t, 1, stopImmediate)
}

func TestClientDeathForcesFullResetEvenDuringConfig(t *testing.T) {
	fake := &fakeGraphAdapter{descriptor: models.GraphOptionsDescriptor{
		Outputs: []models.OutputConfig{{StreamID: 1, StreamName: "out", Type: models.PacketPixel}},
	}}
	client := &fakeSink{}
	e := newTestEngine(t, fake, client)

	require.NoError(t, e.ProcessConfigUpdate(ConfigCommand{Kind: ConfigSetOutputStream, StreamID: 1, MaxInFlight: 2}))
	require.NoError(t, e.ProcessControl(context.Background(), ControlApplyConfigs))
	require.Eventually(t, func() bool { return e.currentPhase() == PhaseConfig }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.ProcessControl(context.Background(), ControlDeathNotification))

	require.Eventually(t, func() bool { return e.currentPhase() == PhaseReset }, time.Second, 5*time.Millisecond)
	assert.True(t, client.contains(notification{PhaseReset, models.PhaseTransitionComplete}))

	e.mu.Lock()
	streamCount := len(e.streamManagers)
	e.mu.Unlock()
	assert.Zero(t, streamCount, "stream managers must be cleared on a full reset")
}

func TestClientDeathDuringRunAlsoForcesFullReset(t *testing.T) {
	fake := &fakeGraphAdapter{descriptor: models.GraphOptionsDescriptor{
		Outputs: []models.OutputConfig{{StreamID: 1, StreamName: "out", Type: models.PacketPixel}},
	}}
	client := &fakeSink{}
	e := newTestEngine(t, fake, client)

	require.NoError(t, e.ProcessConfigUpdate(ConfigCommand{Kind: ConfigSetOutputStream, StreamID: 1, MaxInFlight: 2}))
	require.NoError(t, e.ProcessControl(context.Background(), ControlApplyConfigs))
	require.Eventually(t, func() bool { return e.currentPhase() == PhaseConfig }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.ProcessControl(context.Background(), ControlStartGraph))
	require.Eventually(t, func() bool { return e.currentPhase() == PhaseRun }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.ProcessControl(context.Background(), ControlDeathNotification))

	require.Eventually(t, func() bool { return e.currentPhase() == PhaseReset }, time.Second, 5*time.Millisecond)
}

func TestFreePacketUnknownStreamIsInvalidArgument(t *testing.T) {
	fake := &fakeGraphAdapter{}
	client := &fakeSink{}
	e := newTestEngine(t, fake, client)
	err := e.FreePacket(99, 0)
	require.Error(t, err)
	assert.Equal(t, models.CodeInvalidArgument, models.AsStatusError(err).Code)
}
