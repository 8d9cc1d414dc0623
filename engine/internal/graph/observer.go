package graph

import (
	"sync"

	"github.com/99souls/computepipe/engine/models"
)

// streamSetObserver counts the remote adapter's live per-stream observer
// goroutines and fires exactly one termination event when the last one
// closes, regardless of whether streams end by server-side EOF, a
// transport error, or an explicit local stop racing with either — graph
// termination must be delivered exactly once per run/stop cycle. Grounded
// on the base engine's events.Bus fan-in/fan-out bookkeeping, repurposed from
// "count subscribers" to "count live observer goroutines".
type streamSetObserver struct {
	mu        sync.Mutex
	live      int
	fired     sync.Once
	onAllDone func(status *models.StatusError)
	finalErr  *models.StatusError
}

func newStreamSetObserver(streamCount int, onAllDone func(status *models.StatusError)) *streamSetObserver {
	return &streamSetObserver{live: streamCount, onAllDone: onAllDone}
}

// streamClosed is called by an observer goroutine when its ObserveOutputStream
// loop exits, carrying the status that ended it (SUCCESS for clean EOF). The
// first non-success status observed wins as the final reported status; once
// all streams are closed, onAllDone fires exactly once via sync.Once.
func (o *streamSetObserver) streamClosed(status *models.StatusError) {
	o.mu.Lock()
	o.live--
	remaining := o.live
	if o.finalErr == nil || (o.finalErr.Code == models.CodeSuccess && status != nil && status.Code != models.CodeSuccess) {
		o.finalErr = status
	}
	final := o.finalErr
	o.mu.Unlock()

	if remaining <= 0 {
		o.fired.Do(func() {
			if o.onAllDone != nil {
				o.onAllDone(final)
			}
		})
	}
}

// forceDone short-circuits the observer to fire immediately (stop_immediate:
// termination is signaled synchronously rather than waiting for every
// observer goroutine to notice its context was canceled).
func (o *streamSetObserver) forceDone(status *models.StatusError) {
	o.fired.Do(func() {
		if o.onAllDone != nil {
			o.onAllDone(status)
		}
	})
}
