package configbuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/computepipe/engine/models"
)

func TestNewHasInvalidSentinelsAndNoDisplayStream(t *testing.T) {
	b := New(models.InvalidID)
	snap, err := b.Emit()
	require.NoError(t, err)
	assert.Equal(t, models.InvalidID, snap.InputConfigID)
	assert.Equal(t, models.InvalidID, snap.OffloadID)
	assert.Equal(t, models.InvalidID, snap.TerminationID)
	assert.Empty(t, snap.StreamLimits)
	assert.False(t, snap.HasClientDisplayStream)
	assert.Equal(t, models.PhaseEntry, snap.PhaseState)
}

func TestNewPreregistersReservedDisplayStream(t *testing.T) {
	b := New(7)
	snap, err := b.Emit()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.StreamLimits[7])
	assert.False(t, snap.HasClientDisplayStream, "reserved stream alone doesn't mean the client asked for it")
}

func TestSetOutputStreamOnReservedIDMarksClientDisplay(t *testing.T) {
	b := New(7)
	b.SetOutputStream(7, 3)
	assert.True(t, b.HasClientDisplayStream())
	snap, err := b.Emit()
	require.NoError(t, err)
	assert.Equal(t, 3, snap.StreamLimits[7])
}

func TestAccumulatesAllSetters(t *testing.T) {
	b := New(models.InvalidID)
	b.SetInputConfig(1)
	b.SetOffload(2)
	b.SetTermination(3)
	b.SetProfileMode(models.ProfileTraceEvents)
	b.SetOptionalBlob([]byte("opaque"))
	b.SetOutputStream(10, 4)

	snap, err := b.Emit()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.InputConfigID)
	assert.Equal(t, 2, snap.OffloadID)
	assert.Equal(t, 3, snap.TerminationID)
	assert.Equal(t, models.ProfileTraceEvents, snap.ProfileMode)
	assert.Equal(t, []byte("opaque"), snap.OptionalBlob)
	assert.Equal(t, 4, snap.StreamLimits[10])
}

func TestEmitRejectsNonPositiveMaxInFlight(t *testing.T) {
	b := New(models.InvalidID)
	b.SetOutputStream(5, 0)
	_, err := b.Emit()
	require.Error(t, err)
	assert.Equal(t, models.CodeInvalidArgument, models.AsStatusError(err).Code)
}

func TestResetClearsEverythingButReservedDisplayStream(t *testing.T) {
	b := New(7)
	b.SetInputConfig(1)
	b.SetOffload(2)
	b.SetTermination(3)
	b.SetOutputStream(7, 5)
	b.SetOutputStream(9, 2)
	require.True(t, b.HasClientDisplayStream())

	b.Reset()

	assert.False(t, b.HasClientDisplayStream())
	snap, err := b.Emit()
	require.NoError(t, err)
	assert.Equal(t, models.InvalidID, snap.InputConfigID)
	assert.Equal(t, models.InvalidID, snap.OffloadID)
	assert.Equal(t, models.InvalidID, snap.TerminationID)
	assert.Equal(t, map[int]int{7: 1}, snap.StreamLimits)
}

func TestResetWithNoReservedDisplayStreamLeavesStreamLimitsEmpty(t *testing.T) {
	b := New(models.InvalidID)
	b.SetOutputStream(1, 2)
	b.Reset()
	snap, err := b.Emit()
	require.NoError(t, err)
	assert.Empty(t, snap.StreamLimits)
}

func TestSnapshotWithPhaseStateLeavesReceiverUntouched(t *testing.T) {
	b := New(models.InvalidID)
	snap, err := b.Emit()
	require.NoError(t, err)

	advanced := snap.WithPhaseState(models.PhaseTransitionComplete)
	assert.Equal(t, models.PhaseEntry, snap.PhaseState)
	assert.Equal(t, models.PhaseTransitionComplete, advanced.PhaseState)
}

func TestEmitSnapshotIsIndependentOfSubsequentMutation(t *testing.T) {
	b := New(models.InvalidID)
	b.SetOutputStream(1, 2)
	snap, err := b.Emit()
	require.NoError(t, err)

	b.SetOutputStream(1, 99)
	b.SetOutputStream(2, 5)

	assert.Equal(t, 2, snap.StreamLimits[1], "snapshot must not observe later builder mutation")
	assert.NotContains(t, snap.StreamLimits, 2)
}
