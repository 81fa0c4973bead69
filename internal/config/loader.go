package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultMaxPorts          = 1
	DefaultProcessInterval   = 10 * time.Millisecond
	DefaultChunkSize         = 4096
	DefaultDownstreamSetupMs = 250

	maxPorts    = 32
	maxChannels = 32
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Node.MaxInputPorts == 0 {
		cfg.Node.MaxInputPorts = max(DefaultMaxPorts, len(cfg.Inputs))
	}
	if cfg.Node.MaxOutputPorts == 0 {
		cfg.Node.MaxOutputPorts = max(DefaultMaxPorts, len(cfg.Outputs))
	}
	if cfg.Node.ProcessInterval == 0 {
		cfg.Node.ProcessInterval = DefaultProcessInterval
	}
	if cfg.Node.ChunkSize == 0 {
		cfg.Node.ChunkSize = DefaultChunkSize
	}
	if cfg.Format.Codec == "" {
		cfg.Format.Codec = CodecPCM
	}
	if cfg.Format.Codec == CodecG722 && cfg.Format.Channels == 0 {
		cfg.Format.Channels = 1
	}
	for i := range cfg.Outputs {
		if cfg.Outputs[i].DownstreamSetupMs == 0 {
			cfg.Outputs[i].DownstreamSetupMs = DefaultDownstreamSetupMs
		}
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "audiodam"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Node
	if n := cfg.Node.MaxInputPorts; n < 1 || n > maxPorts {
		errs = append(errs, fmt.Errorf("node.max_input_ports %d is out of range [1, %d]", n, maxPorts))
	}
	if n := cfg.Node.MaxOutputPorts; n < 1 || n > maxPorts {
		errs = append(errs, fmt.Errorf("node.max_output_ports %d is out of range [1, %d]", n, maxPorts))
	}
	if cfg.Node.ProcessInterval < time.Millisecond {
		errs = append(errs, fmt.Errorf("node.process_interval %s must be at least 1ms", cfg.Node.ProcessInterval))
	}
	if cfg.Node.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("node.chunk_size %d must not be negative", cfg.Node.ChunkSize))
	}

	// Format
	errs = append(errs, validateFormat(&cfg.Format)...)

	// Inputs
	inputIDs := make(map[uint32]int, len(cfg.Inputs))
	inputIdx := make(map[int]int, len(cfg.Inputs))
	for i, in := range cfg.Inputs {
		prefix := fmt.Sprintf("inputs[%d]", i)
		if in.ID == 0 || in.ID%2 != 0 {
			errs = append(errs, fmt.Errorf("%s.id %d must be even and non-zero", prefix, in.ID))
		}
		if prev, ok := inputIDs[in.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %d is a duplicate of inputs[%d]", prefix, in.ID, prev))
		}
		inputIDs[in.ID] = i
		if in.Index < 0 || in.Index >= cfg.Node.MaxInputPorts {
			errs = append(errs, fmt.Errorf("%s.index %d is out of range [0, %d)", prefix, in.Index, cfg.Node.MaxInputPorts))
		}
		if prev, ok := inputIdx[in.Index]; ok {
			errs = append(errs, fmt.Errorf("%s.index %d is already used by inputs[%d]", prefix, in.Index, prev))
		}
		inputIdx[in.Index] = i
		if n := len(in.Channels); n == 0 || n > maxChannels {
			errs = append(errs, fmt.Errorf("%s.channels has %d entries; want 1 to %d", prefix, n, maxChannels))
		}
		if in.Loop && in.Source == "" {
			slog.Warn("input loop is set without a source", "input", in.ID)
		}
	}

	// Control ports
	ctrlIDs := make(map[uint32]int, len(cfg.ControlPorts))
	for i, cp := range cfg.ControlPorts {
		prefix := fmt.Sprintf("control_ports[%d]", i)
		if cp.ID == 0 {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		}
		if prev, ok := ctrlIDs[cp.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %d is a duplicate of control_ports[%d]", prefix, cp.ID, prev))
		}
		ctrlIDs[cp.ID] = i
	}

	// Outputs
	outputIDs := make(map[uint32]int, len(cfg.Outputs))
	outputIdx := make(map[int]int, len(cfg.Outputs))
	for i, out := range cfg.Outputs {
		prefix := fmt.Sprintf("outputs[%d]", i)
		if out.ID%2 != 1 {
			errs = append(errs, fmt.Errorf("%s.id %d must be odd", prefix, out.ID))
		}
		if prev, ok := outputIDs[out.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %d is a duplicate of outputs[%d]", prefix, out.ID, prev))
		}
		outputIDs[out.ID] = i
		if out.Index < 0 || out.Index >= cfg.Node.MaxOutputPorts {
			errs = append(errs, fmt.Errorf("%s.index %d is out of range [0, %d)", prefix, out.Index, cfg.Node.MaxOutputPorts))
		}
		if prev, ok := outputIdx[out.Index]; ok {
			errs = append(errs, fmt.Errorf("%s.index %d is already used by outputs[%d]", prefix, out.Index, prev))
		}
		outputIdx[out.Index] = i
		if n := len(out.Map); n == 0 || n > maxChannels {
			errs = append(errs, fmt.Errorf("%s.map has %d entries; want 1 to %d", prefix, n, maxChannels))
		}
		if cfg.Format.Codec == CodecG722 && len(out.Map) > 1 {
			errs = append(errs, fmt.Errorf("%s.map has %d entries; a g722 stream has one channel", prefix, len(out.Map)))
		}
		if out.ControlPort == 0 {
			errs = append(errs, fmt.Errorf("%s.control_port is required", prefix))
		} else if _, ok := ctrlIDs[out.ControlPort]; !ok {
			errs = append(errs, fmt.Errorf("%s.control_port %d is not declared in control_ports", prefix, out.ControlPort))
		}
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

func validateFormat(f *FormatConfig) []error {
	var errs []error
	if !f.Codec.IsValid() {
		return append(errs, fmt.Errorf("format.codec %q is invalid; valid values: pcm, g722", f.Codec))
	}
	if f.Codec == CodecG722 {
		if f.Channels != 1 {
			errs = append(errs, fmt.Errorf("format.channels %d is invalid; g722 carries exactly one channel", f.Channels))
		}
		if f.FrameUs == 0 || f.MaxFrameBytes == 0 {
			errs = append(errs, errors.New("format.frame_us and format.max_frame_bytes are required for g722"))
		}
		return errs
	}
	if f.SampleRate == 0 {
		errs = append(errs, errors.New("format.sample_rate is required"))
	}
	if f.BitsPerSample != 16 && f.BitsPerSample != 24 && f.BitsPerSample != 32 {
		errs = append(errs, fmt.Errorf("format.bits_per_sample %d is invalid; valid values: 16, 24, 32", f.BitsPerSample))
	}
	if f.QFactor >= f.BitsPerSample && f.BitsPerSample != 0 {
		errs = append(errs, fmt.Errorf("format.q_factor %d must be below bits_per_sample %d", f.QFactor, f.BitsPerSample))
	}
	if f.Channels < 1 || f.Channels > maxChannels {
		errs = append(errs, fmt.Errorf("format.channels %d is out of range [1, %d]", f.Channels, maxChannels))
	}
	return errs
}
