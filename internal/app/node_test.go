package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/audiodam/internal/config"
	"github.com/MrWong99/audiodam/internal/dam"
	"github.com/MrWong99/audiodam/internal/observe"
	"github.com/MrWong99/audiodam/pkg/audio"
	"github.com/MrWong99/audiodam/pkg/ring"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	config.ApplyDefaults(cfg)
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	n, err := NewNode(NodeConfig{
		Config:  cfg,
		Engine:  ring.NewMemory(ring.WithLogger(discardLogger())),
		Logger:  discardLogger(),
		Metrics: m,
	})
	require.NoError(t, err)
	return n
}

func pcmNodeConfig() *config.Config {
	return &config.Config{
		Node:         config.NodeConfig{ProcessInterval: 10 * time.Millisecond},
		Format:       config.FormatConfig{SampleRate: 16000, BitsPerSample: 16, QFactor: 15, Signed: true, Channels: 1},
		Inputs:       []config.InputConfig{{ID: 2, Channels: []uint32{1}}},
		ControlPorts: []config.ControlPortConfig{{ID: 5, Intent: 1}},
		Outputs: []config.OutputConfig{{
			ID: 1, ControlPort: 5, Map: []config.ChannelMapConfig{{In: 1, Out: 1}},
		}},
	}
}

func TestNode_DoAfterStop(t *testing.T) {
	t.Parallel()
	n := newTestNode(t, pcmNodeConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	var id string
	require.NoError(t, n.Do(context.Background(), func(inst *dam.Instance) error {
		id = inst.ID()
		return nil
	}))
	assert.NotEmpty(t, id)

	cancel()
	require.NoError(t, <-done)
	err := n.Do(context.Background(), func(*dam.Instance) error { return nil })
	assert.ErrorIs(t, err, ErrNodeStopped)
}

func TestNode_DoHonoursContext(t *testing.T) {
	t.Parallel()
	n := newTestNode(t, pcmNodeConfig())

	// No worker is running, so the job is never picked up.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := n.Do(ctx, func(*dam.Instance) error { return nil })
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "err = %v", err)
}

func TestNode_G722FrameLengthSentOnce(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Node: config.NodeConfig{ProcessInterval: 20 * time.Millisecond},
		Format: config.FormatConfig{
			Codec: config.CodecG722, Channels: 1, FrameUs: 20000, MaxFrameBytes: 160,
		},
		Inputs:       []config.InputConfig{{ID: 2, Channels: []uint32{1}}},
		ControlPorts: []config.ControlPortConfig{{ID: 5, Intent: 1}},
		Outputs: []config.OutputConfig{{
			ID: 1, ControlPort: 5, Map: []config.ChannelMapConfig{{In: 1, Out: 1}},
		}},
	}
	n := newTestNode(t, cfg)

	_, set := n.inst.Format()
	require.False(t, set, "compressed format is incomplete until the frame length arrives")
	require.NotNil(t, n.frameLen[0])
	assert.Equal(t, 160, len(n.frames[0].Bufs[0].Data))

	n.turn()
	assert.Nil(t, n.frameLen[0], "frame length must only be delivered once")
	assert.Equal(t, uint64(1), n.turns.Load())
	mf, set := n.inst.Format()
	require.True(t, set)
	assert.Equal(t, audio.FormatRawCompressed, mf.Format)
	assert.True(t, n.inst.OutputState(0).HasReader)

	n.turn()
	assert.Nil(t, n.turnIn[0], "silent input without metadata must not be handed to the turn")
}

func TestFrameBytes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		format   config.FormatConfig
		interval time.Duration
		want     int
	}{
		{"pcm 48k 16-bit 10ms", config.FormatConfig{SampleRate: 48000, BitsPerSample: 16}, 10 * time.Millisecond, 960},
		{"pcm 16k 32-bit 5ms", config.FormatConfig{SampleRate: 16000, BitsPerSample: 32}, 5 * time.Millisecond, 320},
		{"pcm 48k 24-bit 10ms", config.FormatConfig{SampleRate: 48000, BitsPerSample: 24}, 10 * time.Millisecond, 1920},
		{"g722 two frames", config.FormatConfig{Codec: config.CodecG722, FrameUs: 10000, MaxFrameBytes: 80}, 20 * time.Millisecond, 160},
		{"g722 interval shorter than frame", config.FormatConfig{Codec: config.CodecG722, FrameUs: 20000, MaxFrameBytes: 160}, 10 * time.Millisecond, 160},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, frameBytes(tc.format, tc.interval))
		})
	}
}

func TestChannelMap(t *testing.T) {
	t.Parallel()
	got := channelMap([]config.ChannelMapConfig{{In: 3, Out: 1}, {In: 1, Out: 2}})
	assert.Equal(t, []dam.ChannelMap{{InputChannel: 3, OutputChannel: 1}, {InputChannel: 1, OutputChannel: 2}}, got)
}
