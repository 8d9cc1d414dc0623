// Package streammanager implements the stream manager: one instance per
// output stream, owning a bounded pool of packet slots, a state
// machine (RESET → CONFIG_DONE → RUNNING → STOPPED), and asynchronous,
// never-lock-held dispatch of ready packets up to the engine.
//
// The bounded pool is grounded on engine/internal/resources.Manager's
// channel-based counting semaphore; this domain drops packets on overflow
// rather than spilling to disk, so the LRU/spill half of that file is not
// carried (see DESIGN.md). Async dispatch without holding the pool lock is
// grounded on engine/internal/pipeline.go's deliverResult/forwardResult
// pattern (fire into a channel or goroutine, never call out while locked).
package streammanager

import (
	"fmt"
	"sync"

	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
)

// State is the stream manager's lifecycle state.
type State int

const (
	StateReset State = iota
	StateConfigDone
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateConfigDone:
		return "CONFIG_DONE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// DispatchCallback is invoked asynchronously (never while the manager's pool
// lock is held) with a ready handle. Implementations must not block
// indefinitely; the engine routes the handle to client/debug-display.
type DispatchCallback func(h memhandle.Handle)

// ErrorCallback reports an internal fault (allocation/lock failure) that the
// engine may escalate to a ComponentError.
type ErrorCallback func(streamID int, err *models.StatusError)

// EndOfStreamCallback fires once, asynchronously, when the manager finishes
// draining and reaches StateStopped.
type EndOfStreamCallback func(streamID int)

// slot is one pool entry. Index is the stable position in the ready stack;
// BufferID is a monotonically increasing identity that is never reused while
// the manager is alive (see DESIGN.md for the buffer-id recycling decision).
type slot struct {
	index    int
	bufferID int
	refcount int
	handle   memhandle.Handle
}

// Manager is the common pool + state machine shared by the pixel and
// semantic variants. It is embedded, not duplicated, by each variant.
type Manager struct {
	streamID int
	kind     models.PacketType

	onDispatch DispatchCallback
	onError    ErrorCallback
	onEOS      EndOfStreamCallback

	stateMu sync.Mutex
	state   State

	poolMu      sync.Mutex
	maxInFlight int
	nextBuffer  int
	allocated   int
	inUse       map[int]*slot // bufferID -> slot
	ready       []*slot       // free slots, stack discipline (LIFO)

	newHandle func(streamID, bufferID int) memhandle.Handle
}

// NewManager constructs a Manager in StateReset. newHandle fabricates a
// fresh, empty handle for a new slot; pixel.go and semantic.go supply the
// concrete constructor.
func NewManager(streamID int, kind models.PacketType, newHandle func(streamID, bufferID int) memhandle.Handle, onDispatch DispatchCallback, onError ErrorCallback, onEOS EndOfStreamCallback) *Manager {
	return &Manager{
		streamID:   streamID,
		kind:       kind,
		onDispatch: onDispatch,
		onError:    onError,
		onEOS:      onEOS,
		state:      StateReset,
		inUse:      make(map[int]*slot),
		newHandle:  newHandle,
	}
}

func (m *Manager) StreamID() int { return m.streamID }

func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// SetMaxInFlight is legal only in StateReset; on success transitions to
// StateConfigDone. Rejects n < 1 (invariant #9).
func (m *Manager) SetMaxInFlight(n int) error {
	if n < 1 {
		return models.NewStatusError(models.CodeInvalidArgument, "max_in_flight must be >= 1, got %d", n)
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.state != StateReset {
		return models.NewStatusError(models.CodeIllegalState, "set_max_in_flight only legal in RESET, current state %s", m.state)
	}
	m.poolMu.Lock()
	m.maxInFlight = n
	m.poolMu.Unlock()
	m.state = StateConfigDone
	return nil
}

// MaxInFlight returns the configured ceiling (0 if unset).
func (m *Manager) MaxInFlight() int {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	return m.maxInFlight
}

// Stats supports invariant checks in tests and engine snapshots.
type Stats struct {
	InUse       int
	Ready       int
	Allocated   int
	MaxInFlight int
}

func (m *Manager) Stats() Stats {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	return Stats{InUse: len(m.inUse), Ready: len(m.ready), Allocated: m.allocated, MaxInFlight: m.maxInFlight}
}

// acquireSlot returns a slot ready for writing, growing the pool if under
// maxInFlight and no ready slot exists. Returns (nil, false) if at capacity
// (caller must silently drop, not treat as an error).
func (m *Manager) acquireSlot() (*slot, bool) {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	if len(m.inUse) >= m.maxInFlight {
		return nil, false
	}
	var s *slot
	if n := len(m.ready); n > 0 {
		s = m.ready[n-1]
		m.ready = m.ready[:n-1]
	} else {
		idx := m.allocated
		m.allocated++
		s = &slot{index: idx}
	}
	s.bufferID = m.nextBuffer
	m.nextBuffer++
	s.refcount = 1
	if s.handle == nil {
		s.handle = m.newHandle(m.streamID, s.bufferID)
	} else if rb, ok := s.handle.(memhandle.Rebindable); ok {
		rb.SetBufferID(s.bufferID)
	}
	m.inUse[s.bufferID] = s
	return s, true
}

// ClonePacket increments the refcount of the slot identified by bufferID.
// Returns false if the slot is not in-use.
func (m *Manager) ClonePacket(bufferID int) bool {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	s, ok := m.inUse[bufferID]
	if !ok {
		return false
	}
	s.refcount++
	return true
}

// FreePacket decrements the slot's refcount; at zero it returns to the ready
// stack. Idempotent after StateStopped (returns true silently).
func (m *Manager) FreePacket(bufferID int) bool {
	if m.State() == StateStopped {
		return true
	}
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	s, ok := m.inUse[bufferID]
	if !ok {
		return true // idempotent: unknown/already-freed id is not an error
	}
	s.refcount--
	if s.refcount > 0 {
		return true
	}
	delete(m.inUse, bufferID)
	m.ready = append(m.ready, s)
	return true
}

// dispatchAsync fans the ready handle out on a detached goroutine so the
// pool lock is never held across the callback into the engine.
func (m *Manager) dispatchAsync(h memhandle.Handle) {
	if m.onDispatch == nil {
		return
	}
	go m.onDispatch(h)
}

// OnRunEntry: CONFIG_DONE -> RUNNING.
func (m *Manager) OnRunEntry() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.state != StateConfigDone {
		return models.NewStatusError(models.CodeIllegalState, "run-entry requires CONFIG_DONE, got %s", m.state)
	}
	m.state = StateRunning
	return nil
}

// OnRunAbort: RUNNING -> CONFIG_DONE.
func (m *Manager) OnRunAbort() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.state != StateRunning {
		return models.NewStatusError(models.CodeIllegalState, "run-abort requires RUNNING, got %s", m.state)
	}
	m.state = StateConfigDone
	return nil
}

// OnStopEntry: RUNNING -> STOPPED, then asynchronously frees all slots and
// signals end-of-stream.
func (m *Manager) OnStopEntry() error {
	m.stateMu.Lock()
	if m.state != StateRunning {
		m.stateMu.Unlock()
		return models.NewStatusError(models.CodeIllegalState, "stop-entry requires RUNNING, got %s", m.state)
	}
	m.state = StateStopped
	m.stateMu.Unlock()

	go func() {
		m.poolMu.Lock()
		for id, s := range m.inUse {
			m.ready = append(m.ready, s)
			delete(m.inUse, id)
		}
		m.poolMu.Unlock()
		if m.onEOS != nil {
			m.onEOS(m.streamID)
		}
	}()
	return nil
}

// OnStopTransitionComplete: STOPPED -> CONFIG_DONE.
func (m *Manager) OnStopTransitionComplete() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.state != StateStopped {
		return models.NewStatusError(models.CodeIllegalState, "stop-transition-complete requires STOPPED, got %s", m.state)
	}
	m.state = StateConfigDone
	return nil
}

// OnStopAbort: STOPPED -> RUNNING (unwind a stop-with-flush cancellation).
func (m *Manager) OnStopAbort() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.state != StateStopped {
		return models.NewStatusError(models.CodeIllegalState, "stop-abort requires STOPPED, got %s", m.state)
	}
	m.state = StateRunning
	return nil
}

func (m *Manager) reportError(code models.ErrorCode, format string, args ...interface{}) {
	if m.onError == nil {
		return
	}
	m.onError(m.streamID, models.NewStatusError(code, format, args...))
}

func (m *Manager) String() string {
	return fmt.Sprintf("streammanager[%d,%s,%s]", m.streamID, m.kind, m.State())
}
