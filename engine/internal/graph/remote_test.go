package graph

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/computepipe/engine/models"
)

type fakeStream struct {
	mu       sync.Mutex
	resps    []*OutputStreamResponse
	idx      int
	endErr   error
	blocking chan struct{}
}

func (s *fakeStream) Recv() (*OutputStreamResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.resps) {
		if s.blocking != nil {
			s.mu.Unlock()
			<-s.blocking
			s.mu.Lock()
		}
		if s.endErr != nil {
			return nil, s.endErr
		}
		return nil, io.EOF
	}
	r := s.resps[s.idx]
	s.idx++
	return r, nil
}

type fakeGraphClient struct {
	mu      sync.Mutex
	outputs []models.OutputConfig
	streams map[int]*fakeStream
}

func (f *fakeGraphClient) GetGraphOptions(ctx context.Context) (models.GraphOptionsDescriptor, error) {
	return models.GraphOptionsDescriptor{Outputs: f.outputs}, nil
}
func (f *fakeGraphClient) SetGraphConfig(ctx context.Context, cfg models.ClientConfig) error {
	return nil
}
func (f *fakeGraphClient) StartGraphExecution(ctx context.Context, debuggingEnabled bool) error {
	return nil
}
func (f *fakeGraphClient) ObserveOutputStream(ctx context.Context, streamID int) (OutputStreamClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[streamID], nil
}
func (f *fakeGraphClient) StopGraphExecution(ctx context.Context, flush bool) error { return nil }
func (f *fakeGraphClient) ResetGraph(ctx context.Context) error                     { return nil }
func (f *fakeGraphClient) StartGraphProfiling(ctx context.Context) error            { return nil }
func (f *fakeGraphClient) StopGraphProfiling(ctx context.Context) error             { return nil }
func (f *fakeGraphClient) GetProfilingData(ctx context.Context) ([]byte, error) {
	return []byte("profile"), nil
}

func TestRemoteAdapterDispatchesSemanticPacketAndTerminatesOnce(t *testing.T) {
	client := &fakeGraphClient{
		outputs: []models.OutputConfig{{StreamID: 1, Type: models.PacketSemantic}},
		streams: map[int]*fakeStream{
			1: {resps: []*OutputStreamResponse{{TimestampMicros: 42, Semantic: []byte("hello")}}},
		},
	}
	var mu sync.Mutex
	var gotBytes []byte
	termCount := 0
	done := make(chan struct{})
	a := NewRemoteAdapter(client, nil, Callbacks{
		OnSemantic: func(streamID int, ts int64, data []byte) {
			mu.Lock()
			gotBytes = data
			mu.Unlock()
		},
		OnTermination: func(status *models.StatusError) {
			mu.Lock()
			termCount++
			mu.Unlock()
			close(done)
		},
	})

	_, err := a.GetSupportedConfigs(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background(), false))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for termination")
	}

	mu.Lock()
	assert.Equal(t, []byte("hello"), gotBytes)
	assert.Equal(t, 1, termCount)
	mu.Unlock()
}

func TestRemoteAdapterEndOfStreamAcrossMultipleStreamsFiresTerminationOnce(t *testing.T) {
	client := &fakeGraphClient{
		outputs: []models.OutputConfig{
			{StreamID: 0, Type: models.PacketSemantic},
			{StreamID: 1, Type: models.PacketSemantic},
		},
		streams: map[int]*fakeStream{
			0: {resps: nil},
			1: {resps: []*OutputStreamResponse{{TimestampMicros: 1, Semantic: []byte("x")}}},
		},
	}
	var mu sync.Mutex
	delivered := 0
	termCount := 0
	done := make(chan struct{})
	a := NewRemoteAdapter(client, nil, Callbacks{
		OnSemantic: func(int, int64, []byte) {
			mu.Lock()
			delivered++
			mu.Unlock()
		},
		OnTermination: func(*models.StatusError) {
			mu.Lock()
			termCount++
			mu.Unlock()
			close(done)
		},
	})

	_, err := a.GetSupportedConfigs(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background(), false))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for termination")
	}

	mu.Lock()
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, termCount)
	mu.Unlock()
}

func TestRemoteAdapterStopImmediateTerminatesSynchronously(t *testing.T) {
	client := &fakeGraphClient{
		outputs: []models.OutputConfig{{StreamID: 0, Type: models.PacketSemantic}},
		streams: map[int]*fakeStream{
			0: {blocking: make(chan struct{})},
		},
	}
	termCh := make(chan struct{}, 1)
	a := NewRemoteAdapter(client, nil, Callbacks{
		OnTermination: func(*models.StatusError) {
			select {
			case termCh <- struct{}{}:
			default:
			}
		},
	})
	_, err := a.GetSupportedConfigs(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background(), false))

	require.NoError(t, a.StopImmediate(context.Background()))
	assert.Equal(t, StateStopped, a.State())

	select {
	case <-termCh:
	case <-time.After(time.Second):
		t.Fatal("expected synchronous termination on stop_immediate")
	}
	close(client.streams[0].blocking)
}

func TestTranslateRPCErrorNonStatus(t *testing.T) {
	se := translateRPCError(errors.New("boom"))
	assert.Equal(t, models.CodeInternalError, se.Code)
}
