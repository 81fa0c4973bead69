// Package config provides the YAML configuration schema and loader for an
// audiodam node: the HTTP admin surface, the DAM buffer's port topology, its
// operating media format and the telemetry settings.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the node.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the matching [slog.Level]. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Codec selects the stream format the node buffers.
type Codec string

const (
	// CodecPCM is deinterleaved fixed-point PCM.
	CodecPCM Codec = "pcm"

	// CodecG722 is a single raw-compressed G.722 channel.
	CodecG722 Codec = "g722"
)

// IsValid reports whether c is a supported codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM || c == CodecG722
}

// Config is the root configuration structure for an audiodam node.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Node         NodeConfig          `yaml:"node"`
	Format       FormatConfig        `yaml:"format"`
	Inputs       []InputConfig       `yaml:"inputs"`
	Outputs      []OutputConfig      `yaml:"outputs"`
	ControlPorts []ControlPortConfig `yaml:"control_ports"`
	Telemetry    TelemetryConfig     `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the admin and control server listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// NodeConfig sizes the DAM buffer instance and its process turn.
type NodeConfig struct {
	// MaxInputPorts and MaxOutputPorts are fixed for the lifetime of the
	// instance. Both must be in 1..32.
	MaxInputPorts  int `yaml:"max_input_ports"`
	MaxOutputPorts int `yaml:"max_output_ports"`

	// Heap is the instance's own allocator id.
	Heap uint32 `yaml:"heap"`

	// ProcessInterval is the period of the data-plane process turn. It also
	// sets the frame size read from the input source. Default: 10ms.
	ProcessInterval time.Duration `yaml:"process_interval"`

	// ChunkSize is the allocation granularity of the in-memory ring engine in
	// bytes. Default: 4096.
	ChunkSize int `yaml:"chunk_size"`
}

// FormatConfig is the media format announced on every input.
type FormatConfig struct {
	Codec         Codec  `yaml:"codec"`
	SampleRate    uint32 `yaml:"sample_rate"`
	BitsPerSample uint32 `yaml:"bits_per_sample"`
	QFactor       uint32 `yaml:"q_factor"`
	Signed        bool   `yaml:"signed"`
	Channels      int    `yaml:"channels"`

	// FrameUs and MaxFrameBytes describe the encoder frame of a G.722
	// stream. They are delivered in-band with the first input frame.
	FrameUs       uint32 `yaml:"frame_us"`
	MaxFrameBytes uint32 `yaml:"max_frame_bytes"`
}

// InputConfig declares one input port.
type InputConfig struct {
	// ID is the framework port id. Input ids are even.
	ID uint32 `yaml:"id"`

	// Index is the host port index.
	Index int `yaml:"index"`

	// Channels lists the channel ids buffered from this input, in stream
	// order.
	Channels []uint32 `yaml:"channels"`

	// Source is a WAV file fed into the input. Empty leaves the input silent.
	Source string `yaml:"source"`

	// Loop restarts Source from the beginning when it ends.
	Loop bool `yaml:"loop"`
}

// ChannelMapConfig routes one buffered input channel to an output channel.
type ChannelMapConfig struct {
	In  uint32 `yaml:"in"`
	Out uint32 `yaml:"out"`
}

// OutputConfig declares one output port.
type OutputConfig struct {
	// ID is the framework port id. Output ids are odd.
	ID uint32 `yaml:"id"`

	// Index is the host port index.
	Index int `yaml:"index"`

	// Map is the input-to-output channel remap table.
	Map []ChannelMapConfig `yaml:"map"`

	// ControlPort is the id of the control port gating this output.
	ControlPort uint32 `yaml:"control_port"`

	// DownstreamSetupMs is the pre-roll capacity hint. Default: 250.
	DownstreamSetupMs uint32 `yaml:"downstream_setup_ms"`

	// Sink is a directory receiving one WAV file per gate-open segment.
	// Empty discards the output.
	Sink string `yaml:"sink"`
}

// ControlPortConfig declares one control port.
type ControlPortConfig struct {
	ID uint32 `yaml:"id"`

	// Intent is the single intent the port is opened with.
	Intent uint32 `yaml:"intent"`
}

// TelemetryConfig configures the OpenTelemetry providers.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry. Default: "audiodam".
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of control dispatch traces kept.
	// Zero keeps all.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
