package inputmanager

import (
	"context"

	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
)

// FrameProvider yields the next raw frame from an actual camera device.
// Binding to a real OS camera API is out of scope — the capture hardware is
// treated as an external collaborator; production wiring plugs a concrete
// FrameProvider in here.
type FrameProvider func(ctx context.Context) (timestampMicros int64, frame memhandle.InputFrame, err error)

// CameraSource is the CAMERA input-stream source kind. It is obligated to
// copy enough of the frame's metadata (geometry, format) into the delivered
// frame so the graph can interpret it without reaching back into
// provider-owned memory — accordingly Next always deep-copies the pixel
// buffer it receives from the provider.
type CameraSource struct {
	spec     models.InputStreamSpec
	provider FrameProvider
	opened   bool
}

func NewCameraSource(spec models.InputStreamSpec, provider FrameProvider) *CameraSource {
	return &CameraSource{spec: spec, provider: provider}
}

func (c *CameraSource) Open() error {
	if c.provider == nil {
		return models.NewStatusError(models.CodeInvalidArgument, "camera source has no frame provider")
	}
	c.opened = true
	return nil
}

func (c *CameraSource) Next(ctx context.Context) (int64, memhandle.InputFrame, error) {
	if !c.opened {
		return 0, memhandle.InputFrame{}, models.NewStatusError(models.CodeIllegalState, "camera source not open")
	}
	ts, frame, err := c.provider(ctx)
	if err != nil {
		return 0, memhandle.InputFrame{}, err
	}
	cpy := make([]byte, len(frame.Data))
	copy(cpy, frame.Data)
	out := memhandle.InputFrame{Width: frame.Width, Height: frame.Height, Stride: frame.Stride, Format: frame.Format, Data: cpy}
	if out.Stride == 0 {
		out.Stride = out.Width * models.BytesPerPixel(out.Format)
	}
	return ts, out, nil
}

func (c *CameraSource) Close() error {
	c.opened = false
	return nil
}
