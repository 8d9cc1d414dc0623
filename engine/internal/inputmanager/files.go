package inputmanager

// Supplemental input source kinds: IMAGE_FILES walks a directory in sorted
// order, VIDEO_FILE reads raw frames back to back, paced by a fixed
// synthetic interval only when FrameResync is set. No real
// image/video codec is wired; both produce geometry-correct synthetic
// fixture frames so the graph-facing contract is exercised without a real
// decoder.

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
)

// ImageFilesSource reads files from a directory in sorted-name order,
// emitting one frame per file at the declared stream geometry. File
// contents are expected to already be raw pixel bytes matching that
// geometry; no image decode library is invoked (see package doc).
type ImageFilesSource struct {
	spec  models.InputStreamSpec
	files []string
	idx   int
}

func NewImageFilesSource(spec models.InputStreamSpec) *ImageFilesSource {
	return &ImageFilesSource{spec: spec}
}

func (s *ImageFilesSource) Open() error {
	entries, err := os.ReadDir(s.spec.ImageDir)
	if err != nil {
		return models.NewStatusError(models.CodeInternalError, "read image directory %s: %v", s.spec.ImageDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	s.files = names
	s.idx = 0
	return nil
}

func (s *ImageFilesSource) Next(ctx context.Context) (int64, memhandle.InputFrame, error) {
	if s.idx >= len(s.files) {
		return 0, memhandle.InputFrame{}, ErrSourceClosed
	}
	name := s.files[s.idx]
	s.idx++
	data, err := os.ReadFile(filepath.Join(s.spec.ImageDir, name))
	if err != nil {
		return 0, memhandle.InputFrame{}, models.NewStatusError(models.CodeInternalError, "read image file %s: %v", name, err)
	}
	stride := s.spec.Stride
	if stride == 0 {
		stride = s.spec.Width * models.BytesPerPixel(s.spec.Format)
	}
	want := stride * s.spec.Height
	if len(data) < want {
		return 0, memhandle.InputFrame{}, models.NewStatusError(models.CodeInvalidArgument, "image file %s shorter than declared geometry (%d < %d)", name, len(data), want)
	}
	frame := memhandle.InputFrame{Width: s.spec.Width, Height: s.spec.Height, Stride: stride, Format: s.spec.Format, Data: data[:want]}
	return nowMicros(), frame, nil
}

func (s *ImageFilesSource) Close() error {
	s.files = nil
	return nil
}

// VideoFileSource decodes frames from a single concatenated raw-frame file.
// When InputStreamSpec.FrameResync is set it waits the fixed synthetic
// interval before each frame; otherwise frames are read with no pacing.
type VideoFileSource struct {
	spec     models.InputStreamSpec
	file     *os.File
	interval time.Duration
}

func NewVideoFileSource(spec models.InputStreamSpec, interval time.Duration) *VideoFileSource {
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	return &VideoFileSource{spec: spec, interval: interval}
}

func (s *VideoFileSource) Open() error {
	f, err := os.Open(s.spec.VideoPath)
	if err != nil {
		return models.NewStatusError(models.CodeInternalError, "open video file %s: %v", s.spec.VideoPath, err)
	}
	s.file = f
	return nil
}

func (s *VideoFileSource) Next(ctx context.Context) (int64, memhandle.InputFrame, error) {
	if s.spec.FrameResync {
		select {
		case <-time.After(s.interval):
		case <-ctx.Done():
			return 0, memhandle.InputFrame{}, ctx.Err()
		}
	}
	stride := s.spec.Stride
	if stride == 0 {
		stride = s.spec.Width * models.BytesPerPixel(s.spec.Format)
	}
	frameSize := stride * s.spec.Height
	buf := make([]byte, frameSize)
	n, err := readFull(s.file, buf)
	if n < frameSize || err != nil {
		return 0, memhandle.InputFrame{}, ErrSourceClosed
	}
	frame := memhandle.InputFrame{Width: s.spec.Width, Height: s.spec.Height, Stride: stride, Format: s.spec.Format, Data: buf}
	return nowMicros(), frame, nil
}

func (s *VideoFileSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func nowMicros() int64 { return time.Now().UnixMicro() }
