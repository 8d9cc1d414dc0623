package streammanager

import (
	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
)

// PixelManager is the pixel (hardware-buffer-backed) stream manager variant.
// clone_packet increments the pool slot's refcount (shared ownership); free
// reduces it, returning the slot to ready at zero.
type PixelManager struct {
	*Manager
}

// NewPixelManager constructs a pixel stream manager for streamID.
func NewPixelManager(streamID int, onDispatch DispatchCallback, onError ErrorCallback, onEOS EndOfStreamCallback) *PixelManager {
	m := NewManager(streamID, models.PacketPixel, func(streamID, bufferID int) memhandle.Handle {
		return memhandle.NewPixelHandle(streamID, bufferID)
	}, onDispatch, onError, onEOS)
	return &PixelManager{Manager: m}
}

// QueuePixelPacket is legal only in StateRunning. If inUse has reached
// maxInFlight the packet is silently dropped — not an error.
// Otherwise a slot is acquired (lazily grown), the frame copied into it
// (stride-aware, via PixelHandle.SetFrameData), and the handle dispatched
// asynchronously without holding the pool lock.
func (p *PixelManager) QueuePixelPacket(frame memhandle.InputFrame, timestamp int64) {
	if p.State() != StateRunning {
		return
	}
	s, ok := p.acquireSlot()
	if !ok {
		return // silent drop: overflow is expected, invariant #1 still holds
	}
	ph, isPixel := s.handle.(*memhandle.PixelHandle)
	if !isPixel {
		p.reportError(models.CodeInternalError, "pixel slot held non-pixel handle")
		return
	}
	if err := ph.SetFrameData(timestamp, frame); err != nil {
		// Geometry mismatch or allocation failure: return the slot and surface
		// the error; this is a caller-visible failure, not a silent drop.
		p.poolMu.Lock()
		delete(p.inUse, s.bufferID)
		p.ready = append(p.ready, s)
		p.poolMu.Unlock()
		se := models.AsStatusError(err)
		p.reportError(se.Code, "%s", se.Message)
		return
	}
	p.dispatchAsync(ph)
}

// ClonePixelPacket increments the refcount for bufferID. Returns nil if the
// slot is not in-use.
func (p *PixelManager) ClonePixelPacket(bufferID int) memhandle.Handle {
	if !p.ClonePacket(bufferID) {
		return nil
	}
	p.poolMu.Lock()
	s := p.inUse[bufferID]
	p.poolMu.Unlock()
	if s == nil {
		return nil
	}
	return s.handle
}
