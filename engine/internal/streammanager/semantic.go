package streammanager

import (
	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
)

// SemanticManager is the semantic (heap-copy) stream manager variant.
// clone_packet is identity here: bytes are owned outright, so there is
// nothing to reference-count.
type SemanticManager struct {
	*Manager
}

// NewSemanticManager constructs a semantic stream manager for streamID.
func NewSemanticManager(streamID int, onDispatch DispatchCallback, onError ErrorCallback, onEOS EndOfStreamCallback) *SemanticManager {
	m := NewManager(streamID, models.PacketSemantic, func(streamID, bufferID int) memhandle.Handle {
		return memhandle.NewSemanticHandle()
	}, onDispatch, onError, onEOS)
	return &SemanticManager{Manager: m}
}

// QueueSemanticPacket is legal only in StateRunning; silently drops on
// overflow. Payload size must be in (0, 1024] bytes (invariant #10),
// surfaced as INVALID_ARGUMENT via onError rather than a silent drop.
func (s *SemanticManager) QueueSemanticPacket(payload []byte, timestamp int64) {
	if s.State() != StateRunning {
		return
	}
	slotPtr, ok := s.acquireSlot()
	if !ok {
		return
	}
	sh, isSemantic := slotPtr.handle.(*memhandle.SemanticHandle)
	if !isSemantic {
		s.reportError(models.CodeInternalError, "semantic slot held non-semantic handle")
		return
	}
	if err := sh.SetMemInfo(s.streamID, payload, timestamp); err != nil {
		s.poolMu.Lock()
		delete(s.inUse, slotPtr.bufferID)
		s.ready = append(s.ready, slotPtr)
		s.poolMu.Unlock()
		se := models.AsStatusError(err)
		s.reportError(se.Code, "%s", se.Message)
		return
	}
	s.dispatchAsync(sh)
}

// ClonePacket is identity for semantic handles: bytes are already owned, so
// cloning just returns the same handle without touching refcounts.
func (s *SemanticManager) ClonePacket(bufferID int) memhandle.Handle {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	slotPtr, ok := s.inUse[bufferID]
	if !ok {
		return nil
	}
	return slotPtr.handle
}
