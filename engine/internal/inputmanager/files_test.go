package inputmanager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/computepipe/engine/internal/memhandle"
	"github.com/99souls/computepipe/engine/models"
)

func TestImageFilesSourceSortedOrderAndExhaustion(t *testing.T) {
	dir := t.TempDir()
	frameSize := 2 * 2 * models.BytesPerPixel(models.FormatGRAY8)
	writeFrame := func(name string, fill byte) {
		data := make([]byte, frameSize)
		for i := range data {
			data[i] = fill
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	writeFrame("b.raw", 2)
	writeFrame("a.raw", 1)

	src := NewImageFilesSource(models.InputStreamSpec{Type: models.SourceImageFiles, Format: models.FormatGRAY8, Width: 2, Height: 2, ImageDir: dir})
	require.NoError(t, src.Open())

	_, frame1, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(1), frame1.Data[0])

	_, frame2, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(2), frame2.Data[0])

	_, _, err = src.Next(context.Background())
	require.Error(t, err)
	se := models.AsStatusError(err)
	require.NotNil(t, se)
	assert.Equal(t, models.CodeSuccess, se.Code)

	require.NoError(t, src.Close())
}

func TestImageFilesSourceRejectsShortFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "short.raw"), []byte{1, 2}, 0o644))

	src := NewImageFilesSource(models.InputStreamSpec{Format: models.FormatGRAY8, Width: 4, Height: 4, ImageDir: dir})
	require.NoError(t, src.Open())
	_, _, err := src.Next(context.Background())
	require.Error(t, err)
	se := models.AsStatusError(err)
	require.NotNil(t, se)
	assert.Equal(t, models.CodeInvalidArgument, se.Code)
}

func TestVideoFileSourceDecodesConcatenatedFrames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vid.raw")
	frameSize := 2 * 2 * models.BytesPerPixel(models.FormatGRAY8)
	data := append(make([]byte, frameSize), make([]byte, frameSize)...)
	for i := 0; i < frameSize; i++ {
		data[i] = 9
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	src := NewVideoFileSource(models.InputStreamSpec{Format: models.FormatGRAY8, Width: 2, Height: 2, VideoPath: path}, 0)
	require.NoError(t, src.Open())

	_, frame1, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(9), frame1.Data[0])

	_, frame2, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0), frame2.Data[0])

	_, _, err = src.Next(context.Background())
	require.Error(t, err)
	se := models.AsStatusError(err)
	require.NotNil(t, se)
	assert.Equal(t, models.CodeSuccess, se.Code)

	require.NoError(t, src.Close())
}

func TestCameraSourceDeepCopiesFrameData(t *testing.T) {
	raw := []byte{1, 2, 3, 4}
	provider := func(ctx context.Context) (int64, memhandle.InputFrame, error) {
		return 42, memhandle.InputFrame{Width: 2, Height: 2, Format: models.FormatGRAY8, Data: raw}, nil
	}
	src := NewCameraSource(models.InputStreamSpec{Type: models.SourceCamera, Format: models.FormatGRAY8, Width: 2, Height: 2}, provider)
	require.NoError(t, src.Open())

	ts, frame, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), ts)
	assert.Equal(t, raw, frame.Data)

	raw[0] = 99
	assert.Equal(t, byte(1), frame.Data[0], "delivered frame must not alias provider memory")
	assert.Equal(t, 2, frame.Stride)

	require.NoError(t, src.Close())
}
