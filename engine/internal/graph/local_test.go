package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
)

type fakeLib struct {
	mu        sync.Mutex
	cookie    *LocalAdapter
	desc      models.GraphOptionsDescriptor
	startErr  *models.StatusError
	stopErr   *models.StatusError
	lastFlush bool
}

func (f *fakeLib) GetSupportedConfigs() (models.GraphOptionsDescriptor, *models.StatusError) {
	return f.desc, nil
}
func (f *fakeLib) UpdateConfig(models.ClientConfig) *models.StatusError { return nil }
func (f *fakeLib) SetInputStreamData(int, int64, []byte) *models.StatusError     { return nil }
func (f *fakeLib) SetInputStreamPixelData(int, int64, memhandle.InputFrame) *models.StatusError {
	return nil
}
func (f *fakeLib) SetCallbacks(cookie *LocalAdapter) { f.cookie = cookie }
func (f *fakeLib) Start(bool) *models.StatusError    { return f.startErr }
func (f *fakeLib) Stop(flush bool) *models.StatusError {
	f.mu.Lock()
	f.lastFlush = flush
	f.mu.Unlock()
	return f.stopErr
}
func (f *fakeLib) Reset()                                    {}
func (f *fakeLib) StartProfiling() *models.StatusError        { return nil }
func (f *fakeLib) StopProfiling() *models.StatusError          { return nil }
func (f *fakeLib) DebugInfo() ([]byte, *models.StatusError)    { return []byte("debug"), nil }

func resetSingleton() {
	singletonMu.Lock()
	singletonSet = false
	singletonMu.Unlock()
}

func TestLocalAdapterSingletonEnforced(t *testing.T) {
	resetSingleton()
	lib1 := &fakeLib{}
	a1, err := NewLocalAdapter(lib1, Callbacks{})
	require.NoError(t, err)
	require.NotNil(t, a1)

	lib2 := &fakeLib{}
	_, err = NewLocalAdapter(lib2, Callbacks{})
	require.Error(t, err)

	a1.Release()
	a2, err := NewLocalAdapter(lib2, Callbacks{})
	require.NoError(t, err)
	assert.NotNil(t, a2)
	a2.Release()
}

func TestLocalAdapterStartFlushTransitionsToFlushingThenTerminationStops(t *testing.T) {
	resetSingleton()
	lib := &fakeLib{}
	var gotStatus *models.StatusError
	a, err := NewLocalAdapter(lib, Callbacks{OnTermination: func(s *models.StatusError) { gotStatus = s }})
	require.NoError(t, err)
	defer a.Release()

	require.NoError(t, a.Start(context.Background(), false))
	assert.Equal(t, StateRunning, a.State())

	require.NoError(t, a.StopWithFlush(context.Background()))
	assert.Equal(t, StateFlushing, a.State())
	assert.True(t, lib.lastFlush)
	assert.Nil(t, gotStatus, "termination must wait for the library callback")

	a.DispatchTermination(models.NewStatusError(models.CodeSuccess, "done"))
	assert.Equal(t, StateStopped, a.State())
	require.NotNil(t, gotStatus)
	assert.Equal(t, models.CodeSuccess, gotStatus.Code)
}

func TestLocalAdapterStopImmediateFiresTerminationSynchronously(t *testing.T) {
	resetSingleton()
	lib := &fakeLib{}
	var gotStatus *models.StatusError
	a, err := NewLocalAdapter(lib, Callbacks{OnTermination: func(s *models.StatusError) { gotStatus = s }})
	require.NoError(t, err)
	defer a.Release()

	require.NoError(t, a.Start(context.Background(), false))
	require.NoError(t, a.StopImmediate(context.Background()))
	assert.Equal(t, StateStopped, a.State())
	require.NotNil(t, gotStatus)
	assert.False(t, lib.lastFlush)
}

func TestLocalAdapterApplyConfigRejectedWhileRunning(t *testing.T) {
	resetSingleton()
	lib := &fakeLib{}
	a, err := NewLocalAdapter(lib, Callbacks{})
	require.NoError(t, err)
	defer a.Release()

	require.NoError(t, a.Start(context.Background(), false))
	err = a.ApplyConfig(context.Background(), models.ClientConfig{})
	require.Error(t, err)
	se := models.AsStatusError(err)
	assert.Equal(t, models.CodeIllegalState, se.Code)
}

func TestLocalAdapterDispatchPixelReachesCallback(t *testing.T) {
	resetSingleton()
	lib := &fakeLib{}
	var gotStream int
	a, err := NewLocalAdapter(lib, Callbacks{OnPixel: func(streamID int, ts int64, frame memhandle.InputFrame) {
		gotStream = streamID
	}})
	require.NoError(t, err)
	defer a.Release()

	a.DispatchPixel(4, 100, memhandle.InputFrame{Width: 1, Height: 1})
	assert.Equal(t, 4, gotStream)
}
