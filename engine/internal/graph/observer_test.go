package graph

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/computepipe/engine/models"
)

func TestStreamSetObserverFiresOnceWhenAllStreamsClose(t *testing.T) {
	var mu sync.Mutex
	count := 0
	var lastStatus *models.StatusError
	o := newStreamSetObserver(3, func(status *models.StatusError) {
		mu.Lock()
		count++
		lastStatus = status
		mu.Unlock()
	})

	o.streamClosed(models.NewStatusError(models.CodeSuccess, "a"))
	o.streamClosed(models.NewStatusError(models.CodeSuccess, "b"))
	mu.Lock()
	assert.Equal(t, 0, count)
	mu.Unlock()

	o.streamClosed(models.NewStatusError(models.CodeSuccess, "c"))
	mu.Lock()
	assert.Equal(t, 1, count)
	require.NotNil(t, lastStatus)
	mu.Unlock()
}

func TestStreamSetObserverFirstNonSuccessWins(t *testing.T) {
	var lastStatus *models.StatusError
	o := newStreamSetObserver(2, func(status *models.StatusError) {
		lastStatus = status
	})
	o.streamClosed(models.NewStatusError(models.CodeFatalError, "boom"))
	o.streamClosed(models.NewStatusError(models.CodeSuccess, "clean"))
	assert.Equal(t, models.CodeFatalError, lastStatus.Code)
}

func TestStreamSetObserverForceDoneShortCircuits(t *testing.T) {
	fired := 0
	o := newStreamSetObserver(5, func(*models.StatusError) { fired++ })
	o.forceDone(models.NewStatusError(models.CodeSuccess, "forced"))
	o.streamClosed(models.NewStatusError(models.CodeSuccess, "late"))
	assert.Equal(t, 1, fired)
}
