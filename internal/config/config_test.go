package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/audiodam/internal/config"
)

const minimalYAML = `
format:
  sample_rate: 48000
  bits_per_sample: 16
  q_factor: 15
  signed: true
  channels: 2
inputs:
  - id: 2
    channels: [1, 2]
control_ports:
  - id: 5
outputs:
  - id: 1
    control_port: 5
    map:
      - {in: 1, out: 1}
      - {in: 2, out: 2}
`

func TestLoadFromReader_Minimal(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Node.MaxInputPorts != 1 || cfg.Node.MaxOutputPorts != 1 {
		t.Errorf("max ports: got %d/%d, want 1/1", cfg.Node.MaxInputPorts, cfg.Node.MaxOutputPorts)
	}
	if cfg.Node.ProcessInterval != 10*time.Millisecond {
		t.Errorf("process_interval: got %s, want 10ms", cfg.Node.ProcessInterval)
	}
	if cfg.Node.ChunkSize != config.DefaultChunkSize {
		t.Errorf("chunk_size: got %d, want %d", cfg.Node.ChunkSize, config.DefaultChunkSize)
	}
	if cfg.Format.Codec != config.CodecPCM {
		t.Errorf("codec: got %q, want pcm", cfg.Format.Codec)
	}
	if got := cfg.Outputs[0].DownstreamSetupMs; got != config.DefaultDownstreamSetupMs {
		t.Errorf("downstream_setup_ms: got %d, want %d", got, config.DefaultDownstreamSetupMs)
	}
	if cfg.Telemetry.ServiceName != "audiodam" {
		t.Errorf("service_name: got %q, want audiodam", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9000"
  log_level: debug
node:
  max_input_ports: 2
  max_output_ports: 4
  heap: 3
  process_interval: 20ms
  chunk_size: 8192
format:
  sample_rate: 16000
  bits_per_sample: 32
  q_factor: 27
  signed: true
  channels: 1
inputs:
  - id: 4
    index: 1
    channels: [7]
    source: mic.wav
    loop: true
control_ports:
  - id: 9
    intent: 2
outputs:
  - id: 3
    index: 2
    control_port: 9
    downstream_setup_ms: 100
    sink: /tmp/segments
    map:
      - {in: 7, out: 1}
telemetry:
  service_name: dam-test
  trace_sample_ratio: 0.5
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.ProcessInterval != 20*time.Millisecond {
		t.Errorf("process_interval: got %s", cfg.Node.ProcessInterval)
	}
	if cfg.Node.Heap != 3 {
		t.Errorf("heap: got %d, want 3", cfg.Node.Heap)
	}
	in := cfg.Inputs[0]
	if in.Index != 1 || !in.Loop || in.Source != "mic.wav" || len(in.Channels) != 1 || in.Channels[0] != 7 {
		t.Errorf("input: got %+v", in)
	}
	out := cfg.Outputs[0]
	if out.DownstreamSetupMs != 100 || out.Sink != "/tmp/segments" || out.Map[0] != (config.ChannelMapConfig{In: 7, Out: 1}) {
		t.Errorf("output: got %+v", out)
	}
	if cfg.ControlPorts[0].Intent != 2 {
		t.Errorf("intent: got %d, want 2", cfg.ControlPorts[0].Intent)
	}
	if cfg.Telemetry.TraceSampleRatio != 0.5 {
		t.Errorf("trace_sample_ratio: got %v", cfg.Telemetry.TraceSampleRatio)
	}
}

func TestLoadFromReader_G722DefaultsToOneChannel(t *testing.T) {
	t.Parallel()
	yaml := `
format:
  codec: g722
  frame_us: 20000
  max_frame_bytes: 160
inputs:
  - id: 2
    channels: [1]
control_ports:
  - id: 5
outputs:
  - id: 1
    control_port: 5
    map: [{in: 1, out: 1}]
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Format.Channels != 1 {
		t.Errorf("channels: got %d, want 1", cfg.Format.Channels)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  bogus: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audiodam.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Outputs) != 1 {
		t.Errorf("outputs: got %d, want 1", len(cfg.Outputs))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "open") {
		t.Errorf("error should mention open, got: %v", err)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

func TestLogLevel_Slog(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.Slog(); got != want {
			t.Errorf("%q.Slog() = %v, want %v", in, got, want)
		}
	}
}
