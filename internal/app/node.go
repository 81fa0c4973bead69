package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/audiodam/internal/config"
	"github.com/MrWong99/audiodam/internal/dam"
	"github.com/MrWong99/audiodam/internal/observe"
	"github.com/MrWong99/audiodam/internal/resilience"
	"github.com/MrWong99/audiodam/pkg/audio"
	"github.com/MrWong99/audiodam/pkg/ring"
)

// ErrNodeStopped is returned by [Node.Do] once the worker has exited.
var ErrNodeStopped = errors.New("app: node stopped")

// job is one unit of work submitted to the worker.
type job struct {
	fn   func(*dam.Instance) error
	errc chan error
}

// Node owns a [dam.Instance] on a single worker goroutine. Control messages,
// link events and reconfiguration are submitted with [Node.Do]; the worker
// interleaves them with the periodic process turn.
type Node struct {
	inst     *dam.Instance
	log      *slog.Logger
	links    *Links
	interval time.Duration

	jobs chan job
	done chan struct{}

	// Per host port index. Worker goroutine only.
	frames     []*audio.StreamData
	turnIn     []*audio.StreamData
	sources    []Source
	frameLen   []*audio.FrameLength
	outputs    []*audio.StreamData
	sinks      []Sink
	outFormats []audio.MediaFormat

	vote  atomic.Uint32
	turns atomic.Uint64
}

// NodeConfig holds the collaborators of a [Node].
type NodeConfig struct {
	Config         *config.Config
	Engine         ring.Engine
	Links          *Links
	Logger         *slog.Logger
	Metrics        *observe.Metrics
	VirtualSources ring.VirtualSourceResolver

	// Sources and Sinks are keyed by host port index.
	Sources map[int]Source
	Sinks   map[int]Sink
}

// NewNode creates the instance and applies the configured topology.
func NewNode(nc NodeConfig) (*Node, error) {
	cfg := nc.Config
	if nc.Logger == nil {
		nc.Logger = slog.Default()
	}
	if nc.Links == nil {
		nc.Links = NewLinks()
	}
	n := &Node{
		log:        nc.Logger,
		links:      nc.Links,
		interval:   cfg.Node.ProcessInterval,
		jobs:       make(chan job),
		done:       make(chan struct{}),
		frames:     make([]*audio.StreamData, cfg.Node.MaxInputPorts),
		turnIn:     make([]*audio.StreamData, cfg.Node.MaxInputPorts),
		sources:    make([]Source, cfg.Node.MaxInputPorts),
		frameLen:   make([]*audio.FrameLength, cfg.Node.MaxInputPorts),
		outputs:    make([]*audio.StreamData, cfg.Node.MaxOutputPorts),
		sinks:      make([]Sink, cfg.Node.MaxOutputPorts),
		outFormats: make([]audio.MediaFormat, cfg.Node.MaxOutputPorts),
	}

	inst, err := dam.New(dam.Config{
		MaxInputPorts:  cfg.Node.MaxInputPorts,
		MaxOutputPorts: cfg.Node.MaxOutputPorts,
		Heap:           ring.HeapID(cfg.Node.Heap),
		Engine:         nc.Engine,
		Events:         n,
		Logger:         nc.Logger,
		Metrics:        nc.Metrics,
		VirtualSources: nc.VirtualSources,
	})
	if err != nil {
		return nil, err
	}
	n.inst = inst
	inst.SetPolicyNotifier(n)

	for idx, s := range nc.Sources {
		if idx < 0 || idx >= len(n.sources) {
			return nil, fmt.Errorf("app: source for input index %d: %w", idx, audio.ErrBadParameter)
		}
		n.sources[idx] = s
	}
	for idx, s := range nc.Sinks {
		if idx < 0 || idx >= len(n.sinks) {
			return nil, fmt.Errorf("app: sink for output index %d: %w", idx, audio.ErrBadParameter)
		}
		n.sinks[idx] = guardSink(s, fmt.Sprintf("sink-%d", idx), nc.Logger)
	}
	if err := n.configure(cfg); err != nil {
		inst.Close()
		return nil, err
	}
	return n, nil
}

// configure opens every configured port. Inputs first so the operating
// format is known when outputs come up.
func (n *Node) configure(cfg *config.Config) error {
	mf := mediaFormat(cfg.Format)
	turnBytes := frameBytes(cfg.Format, cfg.Node.ProcessInterval)

	for _, in := range cfg.Inputs {
		err := inOrder(
			func() error { return n.inst.PortOp(dam.PortOpen, true, in.Index, in.ID) },
			func() error {
				return n.inst.SetInputChannels([]dam.InputChannels{{PortID: in.ID, ChannelIDs: in.Channels}})
			},
			func() error { return n.inst.SetInputFormat(in.Index, mf) },
			func() error { return n.inst.PortOp(dam.PortStart, true, in.Index, in.ID) },
		)
		if err != nil {
			return fmt.Errorf("app: input %d: %w", in.ID, err)
		}
		n.frames[in.Index] = audio.NewStreamData(mf.Channels, turnBytes)
		if cfg.Format.Codec == config.CodecG722 {
			n.frameLen[in.Index] = &audio.FrameLength{DurationUs: cfg.Format.FrameUs, MaxBytes: cfg.Format.MaxFrameBytes}
		}
	}

	for _, cp := range cfg.ControlPorts {
		if err := n.inst.OpenControlPort(cp.ID, []uint32{cp.Intent}); err != nil {
			return fmt.Errorf("app: control port %d: %w", cp.ID, err)
		}
	}

	for _, out := range cfg.Outputs {
		err := inOrder(
			func() error { return n.inst.PortOp(dam.PortOpen, false, out.Index, out.ID) },
			func() error {
				return n.inst.SetDownstreamSetup([]dam.DownstreamSetup{{OutputPortID: out.ID, DurationMs: out.DownstreamSetupMs}})
			},
			func() error {
				return n.inst.SetOutputChannels([]dam.OutputChannels{{PortID: out.ID, Map: channelMap(out.Map)}})
			},
			func() error {
				return n.inst.BindControlPorts([]dam.ControlBinding{{OutputPortID: out.ID, ControlPortID: out.ControlPort}})
			},
			func() error { return n.inst.PortOp(dam.PortStart, false, out.Index, out.ID) },
		)
		if err != nil {
			return fmt.Errorf("app: output %d: %w", out.ID, err)
		}
		n.outputs[out.Index] = audio.NewStreamData(len(out.Map), turnBytes)
	}

	n.log.Info("node configured",
		"id", n.inst.ID(),
		"format", mf.String(),
		"inputs", len(cfg.Inputs),
		"outputs", len(cfg.Outputs),
		"control_ports", len(cfg.ControlPorts),
	)
	return nil
}

// Do runs fn on the worker goroutine and returns its error.
func (n *Node) Do(ctx context.Context, fn func(*dam.Instance) error) error {
	j := job{fn: fn, errc: make(chan error, 1)}
	select {
	case n.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return ErrNodeStopped
	}
	return <-j.errc
}

// Run drives the worker until ctx is cancelled, then releases the instance,
// its sources and its sinks.
func (n *Node) Run(ctx context.Context) error {
	defer close(n.done)
	defer n.close()

	t := time.NewTicker(n.interval)
	defer t.Stop()

	n.log.Info("node running", "interval", n.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-n.jobs:
			j.errc <- j.fn(n.inst)
		case <-t.C:
			n.turn()
		}
	}
}

// turn runs one process turn and hands the outputs to their sinks.
func (n *Node) turn() {
	for idx, sd := range n.frames {
		n.turnIn[idx] = nil
		if sd == nil {
			continue
		}
		sd.Reset()
		if fl := n.frameLen[idx]; fl != nil {
			sd.Metadata = append(sd.Metadata, audio.Metadata{Kind: audio.MetadataEncoderFrameLength, FrameLength: *fl})
			n.frameLen[idx] = nil
			n.turnIn[idx] = sd
		}
		if src := n.sources[idx]; src != nil {
			if err := src.Fill(sd); err != nil {
				n.log.Warn("source failed", "index", idx, "err", err)
				continue
			}
			n.turnIn[idx] = sd
		}
	}
	for _, sd := range n.outputs {
		if sd != nil {
			sd.Reset()
		}
	}

	if err := n.inst.Process(n.turnIn, n.outputs); err != nil {
		n.log.Warn("process turn failed", "err", err)
	}
	n.turns.Add(1)

	for idx, sd := range n.outputs {
		if sd == nil || n.sinks[idx] == nil {
			continue
		}
		if err := n.sinks[idx].Write(sd); err != nil && !errors.Is(err, resilience.ErrOpen) {
			n.log.Warn("sink write failed", "index", idx, "err", err)
		}
	}
}

func (n *Node) close() {
	for idx, s := range n.sinks {
		if s != nil {
			if err := s.Close(); err != nil {
				n.log.Warn("closing sink failed", "index", idx, "err", err)
			}
		}
	}
	for idx, s := range n.sources {
		if s != nil {
			if err := s.Close(); err != nil {
				n.log.Warn("closing source failed", "index", idx, "err", err)
			}
		}
	}
	n.inst.Close()
	n.log.Info("node stopped", "turns", n.turns.Load())
}

// Vote returns the last published compute vote. Safe from any goroutine.
func (n *Node) Vote() uint32 { return n.vote.Load() }

// ─── dam.Events ───────────────────────────────────────────────────────────────

// OutputMediaFormat forwards the announced format to the output's sink.
func (n *Node) OutputMediaFormat(portIndex int, mf audio.MediaFormat) {
	if portIndex < 0 || portIndex >= len(n.outFormats) {
		return
	}
	n.outFormats[portIndex] = mf
	if s := n.sinks[portIndex]; s != nil {
		s.SetFormat(mf)
	}
	n.log.Debug("output media format", "index", portIndex, "format", mf.String())
}

// SendControl queues msg for the control link peer.
func (n *Node) SendControl(ctrlPortID uint32, msg []byte) error {
	return n.links.Send(ctrlPortID, msg)
}

// ComputeVote records the aggregated vote.
func (n *Node) ComputeVote(kpps uint32) {
	n.vote.Store(kpps)
	n.log.Debug("compute vote", "kpps", kpps)
}

func (n *Node) DataTriggerInSignalContainer(needsInput, needsOutput bool) {
	n.log.Debug("data trigger in signal container", "input", needsInput, "output", needsOutput)
}

// ─── dam.PolicyNotifier ───────────────────────────────────────────────────────

func (n *Node) SignalTriggerPolicy(u dam.PolicyUpdate) {
	n.log.Debug("signal trigger policy", "custom", u.Policy != nil, "groups", u.Groups)
}

func (n *Node) DataTriggerPolicy(u dam.PolicyUpdate) {
	n.log.Debug("data trigger policy", "custom", u.Policy != nil, "groups", u.Groups)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// mediaFormat converts the configured format into what inputs announce.
func mediaFormat(f config.FormatConfig) audio.MediaFormat {
	if f.Codec == config.CodecG722 {
		return audio.MediaFormat{Format: audio.FormatRawCompressed, Codec: audio.CodecG722, Channels: 1}
	}
	return audio.MediaFormat{
		Format:        audio.FormatFixedPoint,
		Codec:         audio.CodecPCM,
		SampleRate:    f.SampleRate,
		BitsPerSample: f.BitsPerSample,
		QFactor:       f.QFactor,
		Signed:        f.Signed,
		Channels:      f.Channels,
	}
}

// frameBytes is the per-channel buffer capacity for one turn.
func frameBytes(f config.FormatConfig, interval time.Duration) int {
	if f.Codec == config.CodecG722 {
		frames := max(1, int(interval.Microseconds())/int(f.FrameUs))
		return frames * int(f.MaxFrameBytes)
	}
	mf := mediaFormat(f)
	perMs := audio.BytesPerMs(mf.SampleRate, mf.BytesPerSample())
	return int(perMs) * int(interval.Milliseconds())
}

// inOrder runs steps until one fails.
func inOrder(steps ...func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func channelMap(m []config.ChannelMapConfig) []dam.ChannelMap {
	out := make([]dam.ChannelMap, len(m))
	for i, e := range m {
		out[i] = dam.ChannelMap{InputChannel: e.In, OutputChannel: e.Out}
	}
	return out
}
