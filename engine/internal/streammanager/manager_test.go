package streammanager

import (
	"sync"
	"testing"
	"time"

	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met before deadline")
}

func TestSetMaxInFlightRejectsZero(t *testing.T) {
	m := NewPixelManager(7, nil, nil, nil)
	err := m.SetMaxInFlight(0)
	require.Error(t, err)
	se := models.AsStatusError(err)
	require.Equal(t, models.CodeInvalidArgument, se.Code)
}

func TestSetMaxInFlightOnlyInReset(t *testing.T) {
	m := NewPixelManager(7, nil, nil, nil)
	require.NoError(t, m.SetMaxInFlight(2))
	err := m.SetMaxInFlight(3)
	require.Error(t, err)
	require.Equal(t, models.CodeIllegalState, models.AsStatusError(err).Code)
}

// S1 — happy path, one pixel stream, max_in_flight=2; packet 3 dropped.
func TestPixelQueueDropsOnOverflow(t *testing.T) {
	var mu sync.Mutex
	var delivered []memhandle.Handle
	m := NewPixelManager(7, func(h memhandle.Handle) {
		mu.Lock()
		delivered = append(delivered, h)
		mu.Unlock()
	}, nil, nil)
	require.NoError(t, m.SetMaxInFlight(2))
	require.NoError(t, m.OnRunEntry())

	frame := memhandle.InputFrame{Width: 16, Height: 16, Format: models.FormatRGB888, Data: make([]byte, 16*16*3)}
	m.QueuePixelPacket(frame, 100)
	m.QueuePixelPacket(frame, 200)
	m.QueuePixelPacket(frame, 300) // dropped: inUse already at maxInFlight

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(delivered) == 2 })

	stats := m.Stats()
	require.LessOrEqual(t, stats.InUse, stats.MaxInFlight)
	require.Equal(t, stats.Allocated, stats.InUse+stats.Ready)
}

// S2 — semantic round trip.
func TestSemanticRoundTrip(t *testing.T) {
	done := make(chan memhandle.Handle, 1)
	m := NewSemanticManager(3, func(h memhandle.Handle) { done <- h }, nil, nil)
	require.NoError(t, m.SetMaxInFlight(4))
	require.NoError(t, m.OnRunEntry())

	m.QueueSemanticPacket([]byte("hello"), 42)
	h := <-done
	sh, ok := h.(*memhandle.SemanticHandle)
	require.True(t, ok)
	require.Equal(t, "hello", string(sh.Bytes()))
	require.Equal(t, int64(42), sh.TimestampMicros())
	require.Equal(t, 3, sh.StreamID())
}

func TestSemanticPayloadSizeValidation(t *testing.T) {
	var errs []*models.StatusError
	m := NewSemanticManager(3, nil, func(streamID int, err *models.StatusError) { errs = append(errs, err) }, nil)
	require.NoError(t, m.SetMaxInFlight(1))
	require.NoError(t, m.OnRunEntry())

	m.QueueSemanticPacket([]byte{}, 1)
	m.QueueSemanticPacket(make([]byte, 1025), 2)
	waitFor(t, func() bool { return len(errs) == 2 })
	for _, e := range errs {
		require.Equal(t, models.CodeInvalidArgument, e.Code)
	}
}

func TestPixelGeometryChangeRejected(t *testing.T) {
	var errs []*models.StatusError
	var mu sync.Mutex
	m := NewPixelManager(1, nil, func(streamID int, err *models.StatusError) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}, nil)
	require.NoError(t, m.SetMaxInFlight(1))
	require.NoError(t, m.OnRunEntry())

	frame := memhandle.InputFrame{Width: 4, Height: 4, Format: models.FormatGRAY8, Data: make([]byte, 16)}
	m.QueuePixelPacket(frame, 1)
	// Free the slot so a second queue can reuse the same pool slot with
	// different geometry (the handle persists across reuse).
	m.FreePacket(0)

	bad := memhandle.InputFrame{Width: 8, Height: 8, Format: models.FormatGRAY8, Data: make([]byte, 64)}
	m.QueuePixelPacket(bad, 2)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(errs) == 1 })
	mu.Lock()
	require.Equal(t, models.CodeInvalidArgument, errs[0].Code)
	mu.Unlock()
}

func TestFreePacketIdempotentAfterStop(t *testing.T) {
	eos := make(chan int, 1)
	m := NewPixelManager(7, func(memhandle.Handle) {}, nil, func(streamID int) { eos <- streamID })
	require.NoError(t, m.SetMaxInFlight(2))
	require.NoError(t, m.OnRunEntry())
	frame := memhandle.InputFrame{Width: 2, Height: 2, Format: models.FormatGRAY8, Data: make([]byte, 4)}
	m.QueuePixelPacket(frame, 1)
	require.NoError(t, m.OnStopEntry())
	<-eos
	require.True(t, m.FreePacket(0))
	require.True(t, m.FreePacket(999)) // unknown id also idempotent-success
}

func TestBufferIDsUniqueAndStableAcrossCloneFree(t *testing.T) {
	m := NewPixelManager(1, func(memhandle.Handle) {}, nil, nil)
	require.NoError(t, m.SetMaxInFlight(1))
	require.NoError(t, m.OnRunEntry())
	frame := memhandle.InputFrame{Width: 2, Height: 2, Format: models.FormatGRAY8, Data: make([]byte, 4)}
	m.QueuePixelPacket(frame, 1)
	require.True(t, m.ClonePacket(0))
	require.True(t, m.FreePacket(0)) // refcount 2 -> 1, still in use
	stats := m.Stats()
	require.Equal(t, 1, stats.InUse)
	require.True(t, m.FreePacket(0)) // refcount 1 -> 0, returns to ready
	stats = m.Stats()
	require.Equal(t, 0, stats.InUse)
	require.Equal(t, 1, stats.Ready)
}

func TestStateMachineTransitions(t *testing.T) {
	m := NewPixelManager(1, nil, nil, nil)
	require.Equal(t, StateReset, m.State())
	require.NoError(t, m.SetMaxInFlight(1))
	require.Equal(t, StateConfigDone, m.State())
	require.NoError(t, m.OnRunEntry())
	require.Equal(t, StateRunning, m.State())
	require.NoError(t, m.OnRunAbort())
	require.Equal(t, StateConfigDone, m.State())
	require.NoError(t, m.OnRunEntry())
	require.NoError(t, m.OnStopEntry())
	waitFor(t, func() bool { return m.State() == StateStopped })
	require.NoError(t, m.OnStopAbort())
	require.Equal(t, StateRunning, m.State())
	require.NoError(t, m.OnStopEntry())
	waitFor(t, func() bool { return m.State() == StateStopped })
	require.NoError(t, m.OnStopTransitionComplete())
	require.Equal(t, StateConfigDone, m.State())
}
