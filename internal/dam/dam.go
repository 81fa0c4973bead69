// Package dam implements the DAM buffer: an audio node that keeps a
// per-channel lookback reservoir of its inputs and releases that history,
// followed by live data, to downstream consumers only while a detector peer
// holds their gate open over a side control link.
//
// An [Instance] owns three port tables (inputs, outputs and control ports),
// negotiates one operating media format, drives a gate state machine per
// output, coordinates trigger-policy updates with the surrounding scheduler
// and aggregates a compute vote. Storage is delegated to a [ring.Engine].
//
// An Instance is not safe for concurrent use. Control dispatch, parameter
// calls and [Instance.Process] must run on the same goroutine; hosts submit
// work to a single worker that owns the instance.
//
// Typical usage:
//
//	inst, err := dam.New(dam.Config{
//	    MaxInputPorts:  1,
//	    MaxOutputPorts: 2,
//	    Engine:         ring.NewMemory(),
//	    Events:         host,
//	})
//	_ = inst.PortOp(dam.PortOpen, true, 0, 2)
//	_ = inst.SetInputChannels([]dam.InputChannels{{PortID: 2, ChannelIDs: []uint32{1, 2}}})
//	_ = inst.SetInputFormat(0, mf)
//	...
//	err = inst.HandleControl(ctx, 5, msg)
//	err = inst.Process(inputs, outputs)
package dam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MrWong99/audiodam/internal/observe"
	"github.com/MrWong99/audiodam/pkg/audio"
	"github.com/MrWong99/audiodam/pkg/ring"
)

const (
	// MaxPorts is the largest port count per direction.
	MaxPorts = 32

	// DefaultDownstreamSetupMs is the pre-roll capacity an output asks the
	// engine for when no downstream setup duration was configured.
	DefaultDownstreamSetupMs = 250

	// VoteLow and VoteHigh are the compute votes in KPPS.
	VoteLow  uint32 = 0
	VoteHigh uint32 = 500000

	// batchVoteThresholdUs is the batch period above which a batching output
	// with pending bytes votes high.
	batchVoteThresholdUs = 40000
)

// Events receives the notifications an instance raises towards its host.
// Implementations are called synchronously on the instance's goroutine.
type Events interface {
	// OutputMediaFormat announces the format an output produces.
	OutputMediaFormat(portIndex int, mf audio.MediaFormat)

	// SendControl delivers an outgoing control message to the peer on the
	// given control port.
	SendControl(ctrlPortID uint32, msg []byte) error

	// ComputeVote publishes a new aggregated compute vote.
	ComputeVote(kpps uint32)

	// DataTriggerInSignalContainer tells a signal-triggered host which data
	// triggers the instance still needs.
	DataTriggerInSignalContainer(needsInput, needsOutput bool)
}

// nopEvents discards every notification.
type nopEvents struct{}

func (nopEvents) OutputMediaFormat(int, audio.MediaFormat) {}
func (nopEvents) SendControl(uint32, []byte) error { return nil }
func (nopEvents) ComputeVote(uint32) {}
func (nopEvents) DataTriggerInSignalContainer(bool, bool) {}

// Config holds the construction parameters of an [Instance].
type Config struct {
	// MaxInputPorts and MaxOutputPorts are fixed for the lifetime of the
	// instance. Both must be in 1..[MaxPorts].
	MaxInputPorts  int
	MaxOutputPorts int

	// Heap is the instance's own allocator, used unless a peer supplies a
	// valid preferred heap.
	Heap ring.HeapID

	// Engine stores the buffered audio. Required.
	Engine ring.Engine

	// Events receives host notifications. Nil discards them.
	Events Events

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// VirtualSources resolves peer-owned buffers announced over the control
	// link. Nil leaves virtual readers without a source.
	VirtualSources ring.VirtualSourceResolver
}

// Instance is one DAM buffer node.
type Instance struct {
	id      string
	log     *slog.Logger
	metrics *observe.Metrics
	events  Events
	engine  ring.Engine
	heap    ring.HeapID
	resolve ring.VirtualSourceResolver

	maxIn  int
	maxOut int

	// format is authoritative once formatKnown is set. For compressed
	// streams formatSet waits for the encoder frame length.
	format      audio.MediaFormat
	formatKnown bool
	formatSet   bool

	inputs    []inputPort
	inputIdx  map[uint32]int
	outputs   []outputPort
	outputIdx map[uint32]int
	ctrls     []controlPort
	ctrlIdx   map[uint32]int

	signal       TriggerPolicy
	data         TriggerPolicy
	notifier     PolicyNotifier
	tpEnabled    bool
	cannotRevert bool

	vote uint32
}

// New creates an instance. It raises [Events.DataTriggerInSignalContainer]
// so that a signal-triggered host keeps offering output triggers.
func New(cfg Config) (*Instance, error) {
	if cfg.Engine == nil {
		return nil, errors.New("dam: engine is required")
	}
	if cfg.MaxInputPorts < 1 || cfg.MaxInputPorts > MaxPorts {
		return nil, fmt.Errorf("dam: max input ports %d: %w", cfg.MaxInputPorts, audio.ErrBadParameter)
	}
	if cfg.MaxOutputPorts < 1 || cfg.MaxOutputPorts > MaxPorts {
		return nil, fmt.Errorf("dam: max output ports %d: %w", cfg.MaxOutputPorts, audio.ErrBadParameter)
	}
	if cfg.Events == nil {
		cfg.Events = nopEvents{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	id := uuid.NewString()
	inst := &Instance{
		id:        id,
		log:       cfg.Logger.With("dam_id", id),
		metrics:   cfg.Metrics,
		events:    cfg.Events,
		engine:    cfg.Engine,
		heap:      cfg.Heap,
		resolve:   cfg.VirtualSources,
		maxIn:     cfg.MaxInputPorts,
		maxOut:    cfg.MaxOutputPorts,
		inputs:    make([]inputPort, cfg.MaxInputPorts),
		inputIdx:  make(map[uint32]int, cfg.MaxInputPorts),
		outputs:   make([]outputPort, cfg.MaxOutputPorts),
		outputIdx: make(map[uint32]int, cfg.MaxOutputPorts),
		ctrls:     make([]controlPort, cfg.MaxOutputPorts),
		ctrlIdx:   make(map[uint32]int, cfg.MaxOutputPorts),
		signal:    newTriggerPolicy(cfg.MaxInputPorts, cfg.MaxOutputPorts),
		data:      newTriggerPolicy(cfg.MaxInputPorts, cfg.MaxOutputPorts),
	}
	for k := range inst.inputs {
		inst.inputs[k].index = -1
	}
	for k := range inst.outputs {
		inst.outputs[k].index = -1
	}

	inst.events.DataTriggerInSignalContainer(false, true)
	inst.log.Info("dam instance created", "max_inputs", cfg.MaxInputPorts, "max_outputs", cfg.MaxOutputPorts)
	return inst, nil
}

// ID returns the instance's unique id.
func (i *Instance) ID() string { return i.id }

// Vote returns the current aggregated compute vote in KPPS.
func (i *Instance) Vote() uint32 { return i.vote }

// Format returns the operating media format and whether it is fully set.
func (i *Instance) Format() (audio.MediaFormat, bool) { return i.format, i.formatSet }

// Reset completes every pending gate close immediately and re-evaluates the
// compute vote. Gates without a pending close stay open.
func (i *Instance) Reset() {
	for k := range i.outputs {
		if i.outputs[k].id != 0 && i.outputs[k].pendingClose {
			if err := i.finishPendingClose(k); err != nil {
				i.log.Warn("rebuilding reader on reset failed", "port_id", i.outputs[k].id, "err", err)
			}
		}
	}
	i.updateVote()
}

// Close releases every reader and writer. The instance must not be used
// afterwards.
func (i *Instance) Close() {
	for k := range i.outputs {
		if id := i.outputs[k].id; id != 0 {
			_ = i.PortOp(PortClose, false, i.outputs[k].index, id)
		}
	}
	for k := range i.inputs {
		if id := i.inputs[k].id; id != 0 {
			_ = i.PortOp(PortClose, true, i.inputs[k].index, id)
		}
	}
}

// statusOf maps an error to a short result name for metrics.
func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, audio.ErrBadParameter):
		return "bad_parameter"
	case errors.Is(err, audio.ErrNeedMore):
		return "need_more"
	case errors.Is(err, audio.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, audio.ErrNotReady):
		return "not_ready"
	case errors.Is(err, audio.ErrOutOfMemory):
		return "out_of_memory"
	default:
		return "error"
	}
}

// bg is the context used for metrics recorded outside control dispatch.
var bg = context.Background()
