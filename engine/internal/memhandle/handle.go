// Package memhandle implements the memory handle abstraction: a uniform
// view over one produced packet, with two concrete variants backing
// the common Handle interface — SemanticHandle (owns a heap copy) and
// PixelHandle (references pooled, stride-aware pixel storage).
//
// Grounded on original_source's PixelFormatUtils (bytes-per-pixel table, now
// models.BytesPerPixel) and PixelStreamManager.cpp's setFrameData row-by-row
// stride copy. No AHardwareBuffer/GPU interop library exists anywhere in the
// retrieval pack, so the "hardware buffer" is modeled as a plain []byte this
// process owns.
package memhandle

import (
	"time"

	"github.com/99souls/computepipe/engine/models"
)

const maxSemanticBytes = 1024

// Handle is the capability set every packet handle exposes, independent of
// its concrete storage.
type Handle interface {
	StreamID() int
	BufferID() int
	Type() models.PacketType
	TimestampMicros() int64
	ByteSize() int
}

// Rebindable is implemented by handle kinds whose reported buffer id can
// change across pool slot reuse (pixel handles only; semantic handles keep
// the sentinel buffer id since clients never free them by id).
type Rebindable interface {
	SetBufferID(id int)
}

// SemanticHandle owns a heap copy of at most 1024 bytes.
type SemanticHandle struct {
	streamID int
	bufferID int
	ts       int64
	data     []byte
}

// NewSemanticHandle allocates an empty SemanticHandle; SetMemInfo copies a
// payload into it. bufferID is a sentinel for semantic packets (models.InvalidID)
// since they are not reference-counted pool slots.
func NewSemanticHandle() *SemanticHandle {
	return &SemanticHandle{bufferID: models.InvalidID}
}

// SetMemInfo copies src into the handle's owned buffer. Fails if src is nil,
// size is zero, or size exceeds 1024 bytes (invariant #10).
func (h *SemanticHandle) SetMemInfo(streamID int, src []byte, timestamp int64) error {
	if src == nil {
		return models.NewStatusError(models.CodeInvalidArgument, "semantic payload is nil")
	}
	if len(src) == 0 || len(src) > maxSemanticBytes {
		return models.NewStatusError(models.CodeInvalidArgument, "semantic payload size %d out of range (1..%d)", len(src), maxSemanticBytes)
	}
	buf := make([]byte, len(src))
	copy(buf, src)
	h.streamID = streamID
	h.ts = timestamp
	h.data = buf
	return nil
}

func (h *SemanticHandle) StreamID() int                { return h.streamID }
func (h *SemanticHandle) BufferID() int                { return h.bufferID }
func (h *SemanticHandle) Type() models.PacketType       { return models.PacketSemantic }
func (h *SemanticHandle) TimestampMicros() int64        { return h.ts }
func (h *SemanticHandle) ByteSize() int                 { return len(h.data) }
func (h *SemanticHandle) Bytes() []byte                 { return h.data }

// PixelDescriptor is the geometry+format of a pixel buffer slot.
type PixelDescriptor struct {
	Width  int
	Height int
	Stride int // bytes per row in the allocated buffer
	Format models.PixelFormat
}

// InputFrame is the row-major pixel data handed in by an input manager or
// graph callback, with its own (possibly different) stride.
type InputFrame struct {
	Width  int
	Height int
	Stride int // bytes per row of the *input* data, may differ from allocated stride
	Format models.PixelFormat
	Data   []byte
}

// PixelHandle owns an opaque, pool-backed pixel buffer. Lifetime (refcounting)
// is governed by the owning stream manager; PixelHandle itself only knows how
// to allocate/validate/copy into its own storage.
type PixelHandle struct {
	streamID int
	bufferID int
	ts       int64
	desc     PixelDescriptor
	storage  []byte
}

// NewPixelHandle constructs an empty handle bound to a stream/buffer id; its
// storage is lazily allocated on the first SetFrameData call.
func NewPixelHandle(streamID, bufferID int) *PixelHandle {
	return &PixelHandle{streamID: streamID, bufferID: bufferID}
}

func (h *PixelHandle) StreamID() int          { return h.streamID }
func (h *PixelHandle) BufferID() int          { return h.bufferID }

// SetBufferID rebinds the handle's reported buffer id. The stream manager's
// pool reuses a slot's allocation across dispatches (stable index, monotonic
// buffer id each time), so the handle living in that slot needs its
// identity refreshed on reuse rather than only set once at construction.
func (h *PixelHandle) SetBufferID(id int) { h.bufferID = id }
func (h *PixelHandle) Type() models.PacketType { return models.PacketPixel }
func (h *PixelHandle) TimestampMicros() int64 { return h.ts }
func (h *PixelHandle) ByteSize() int          { return len(h.storage) }
func (h *PixelHandle) Descriptor() PixelDescriptor { return h.desc }
func (h *PixelHandle) Pixels() []byte         { return h.storage }

// SetFrameData allocates storage from frame's geometry on first call; on
// subsequent calls the geometry must match exactly (else INVALID_ARGUMENT).
// Copies row-by-row to account for stride differences between the input
// frame and the allocated buffer.
func (h *PixelHandle) SetFrameData(timestamp int64, frame InputFrame) error {
	bpp := models.BytesPerPixel(frame.Format)
	if bpp == 0 || frame.Width <= 0 || frame.Height <= 0 {
		return models.NewStatusError(models.CodeInvalidArgument, "invalid frame geometry/format")
	}
	wantStride := frame.Width * bpp
	if h.storage == nil {
		h.desc = PixelDescriptor{Width: frame.Width, Height: frame.Height, Stride: wantStride, Format: frame.Format}
		h.storage = make([]byte, wantStride*frame.Height)
	} else if h.desc.Width != frame.Width || h.desc.Height != frame.Height || h.desc.Format != frame.Format {
		return models.NewStatusError(models.CodeInvalidArgument, "pixel geometry changed on an already-allocated slot")
	}
	srcStride := frame.Stride
	if srcStride <= 0 {
		srcStride = wantStride
	}
	rowBytes := wantStride
	if srcStride < rowBytes {
		rowBytes = srcStride
	}
	for row := 0; row < frame.Height; row++ {
		srcOff := row * srcStride
		dstOff := row * h.desc.Stride
		if srcOff+rowBytes > len(frame.Data) || dstOff+rowBytes > len(h.storage) {
			return models.NewStatusError(models.CodeInternalError, "frame data shorter than declared geometry")
		}
		copy(h.storage[dstOff:dstOff+rowBytes], frame.Data[srcOff:srcOff+rowBytes])
	}
	h.ts = timestamp
	return nil
}

// Reset clears the timestamp only, without releasing the backing array, so the stream manager can reuse the slot's allocation when geometry
// is unchanged across queue_packet calls.
func (h *PixelHandle) Reset() {
	h.ts = 0
}

func nowMicros() int64 { return time.Now().UnixMicro() }
