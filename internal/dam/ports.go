package dam

import (
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/audiodam/internal/imcl"
	"github.com/MrWong99/audiodam/pkg/audio"
	"github.com/MrWong99/audiodam/pkg/ring"
)

// PortOperation is a lifecycle operation requested by the host framework.
type PortOperation int

const (
	PortOpen PortOperation = iota + 1
	PortStart
	PortStop
	PortClose
)

// String returns the lower-case name of op.
func (op PortOperation) String() string {
	switch op {
	case PortOpen:
		return "open"
	case PortStart:
		return "start"
	case PortStop:
		return "stop"
	case PortClose:
		return "close"
	default:
		return fmt.Sprintf("port_op(%d)", int(op))
	}
}

// ControlState is the lifecycle state of a control port.
type ControlState int

const (
	ControlClosed ControlState = iota
	ControlOpen
	ControlPeerConnected
	ControlPeerDisconnected
)

// String returns the lower-case name of s.
func (s ControlState) String() string {
	switch s {
	case ControlClosed:
		return "closed"
	case ControlOpen:
		return "open"
	case ControlPeerConnected:
		return "peer_connected"
	case ControlPeerDisconnected:
		return "peer_disconnected"
	default:
		return "unknown"
	}
}

// inputPort is one producer channel group. A zero id marks an empty slot.
type inputPort struct {
	id      uint32
	index   int
	open    bool
	started bool

	formatSet  bool
	channels   int      // negotiated from the media format
	channelIDs []uint32 // configured

	writer ring.Writer
}

// outputPort is one consumer channel group. A zero id marks an empty slot.
type outputPort struct {
	id      uint32
	index   int
	open    bool
	started bool

	reader     ring.Reader
	ctrlPortID uint32

	gateOpen     bool
	drainHistory bool
	pendingClose bool
	backlogUs    uint32
	// rebuildOnClose defers a virtual reader rebuild until the pending
	// close has emitted its end of stream.
	rebuildOnClose bool

	channelMap     []ChannelMap
	actualChannels []uint32 // input channel ids in read order

	resizeUs          uint32
	peerHeapValid     bool
	peerHeap          ring.HeapID
	peerDetector      bool
	downstreamSetupMs uint32
}

// controlPort is one side-channel endpoint. A zero id marks an empty slot.
type controlPort struct {
	id      uint32
	state   ControlState
	intents []uint32
	virtual *imcl.VirtualWriterInfo
}

// ─── Slot lookup ──────────────────────────────────────────────────────────────

// inputSlot returns the slot holding id. With alloc set, an unknown id takes
// the first empty slot.
func (i *Instance) inputSlot(id uint32, alloc bool) (int, bool) {
	if id == 0 || id%2 != 0 {
		return -1, false
	}
	if k, ok := i.inputIdx[id]; ok {
		return k, true
	}
	if !alloc {
		return -1, false
	}
	for k := range i.inputs {
		if i.inputs[k].id == 0 {
			i.inputs[k] = inputPort{id: id, index: -1}
			i.inputIdx[id] = k
			return k, true
		}
	}
	return -1, false
}

// outputSlot returns the slot holding id. With alloc set, an unknown id takes
// the first empty slot.
func (i *Instance) outputSlot(id uint32, alloc bool) (int, bool) {
	if id%2 != 1 {
		return -1, false
	}
	if k, ok := i.outputIdx[id]; ok {
		return k, true
	}
	if !alloc {
		return -1, false
	}
	for k := range i.outputs {
		if i.outputs[k].id == 0 {
			i.outputs[k] = outputPort{id: id, index: -1, downstreamSetupMs: DefaultDownstreamSetupMs}
			i.outputIdx[id] = k
			return k, true
		}
	}
	return -1, false
}

// ctrlSlot returns the slot holding id. With alloc set, an unknown id takes
// the first empty slot.
func (i *Instance) ctrlSlot(id uint32, alloc bool) (int, bool) {
	if id == 0 {
		return -1, false
	}
	if k, ok := i.ctrlIdx[id]; ok {
		return k, true
	}
	if !alloc {
		return -1, false
	}
	for k := range i.ctrls {
		if i.ctrls[k].id == 0 {
			i.ctrls[k] = controlPort{id: id}
			i.ctrlIdx[id] = k
			return k, true
		}
	}
	return -1, false
}

// inputByIndex returns the slot of the open input at host index idx.
func (i *Instance) inputByIndex(idx int) (int, bool) {
	for k := range i.inputs {
		if p := &i.inputs[k]; p.id != 0 && p.open && p.index == idx {
			return k, true
		}
	}
	return -1, false
}

// outputByIndex returns the slot of the open output at host index idx.
func (i *Instance) outputByIndex(idx int) (int, bool) {
	for k := range i.outputs {
		if o := &i.outputs[k]; o.id != 0 && o.open && o.index == idx {
			return k, true
		}
	}
	return -1, false
}

// mappedOutputs returns the slots of the outputs bound to control port id.
func (i *Instance) mappedOutputs(ctrlPortID uint32) []int {
	var out []int
	for k := range i.outputs {
		if o := &i.outputs[k]; o.id != 0 && o.ctrlPortID == ctrlPortID {
			out = append(out, k)
		}
	}
	return out
}

// ─── Port lifecycle ───────────────────────────────────────────────────────────

// PortOp applies a lifecycle operation to the port with the given host index
// and id. Input ids are even, output ids odd. Closing an unknown port is a
// no-op.
func (i *Instance) PortOp(op PortOperation, isInput bool, index int, id uint32) error {
	if isInput {
		return i.inputPortOp(op, index, id)
	}
	return i.outputPortOp(op, index, id)
}

func (i *Instance) inputPortOp(op PortOperation, index int, id uint32) error {
	switch op {
	case PortOpen:
		if index < 0 || index >= i.maxIn {
			return fmt.Errorf("dam: open input index %d of %d: %w", index, i.maxIn, audio.ErrBadParameter)
		}
		if k, ok := i.inputByIndex(index); ok && i.inputs[k].id != id {
			return fmt.Errorf("dam: input index %d already bound to port %d: %w", index, i.inputs[k].id, audio.ErrBadParameter)
		}
		k, ok := i.inputSlot(id, true)
		if !ok {
			return fmt.Errorf("dam: open input port %d: %w", id, audio.ErrBadParameter)
		}
		p := &i.inputs[k]
		if p.open {
			return fmt.Errorf("dam: input port %d already open: %w", id, audio.ErrBadParameter)
		}
		if p.index >= 0 && p.index != index {
			return fmt.Errorf("dam: input port %d bound to index %d, not %d: %w", id, p.index, index, audio.ErrBadParameter)
		}
		p.index = index
		p.open = true
		i.log.Debug("input port opened", "port_id", id, "index", index)
		return i.checkAndInitInput(k)

	case PortStart, PortStop:
		k, ok := i.inputSlot(id, false)
		if !ok || i.inputs[k].index != index {
			return fmt.Errorf("dam: %s input port %d at index %d: %w", op, id, index, audio.ErrBadParameter)
		}
		p := &i.inputs[k]
		p.started = op == PortStart
		if p.started {
			i.setInputAffinity(index, AffinityPresent)
		} else {
			i.setInputAffinity(index, AffinityNone)
		}
		i.evaluatePolicy()
		return nil

	case PortClose:
		k, ok := i.inputSlot(id, false)
		if !ok {
			return nil
		}
		p := &i.inputs[k]
		if p.writer != nil {
			p.writer.Close()
		}
		if p.index >= 0 && p.index < i.maxIn {
			i.setInputAffinity(p.index, AffinityNone)
		}
		i.inputs[k] = inputPort{index: -1}
		delete(i.inputIdx, id)
		i.log.Debug("input port closed", "port_id", id)
		i.evaluatePolicy()
		return nil

	default:
		return fmt.Errorf("dam: input port operation %s: %w", op, audio.ErrUnsupported)
	}
}

func (i *Instance) outputPortOp(op PortOperation, index int, id uint32) error {
	switch op {
	case PortOpen:
		if index < 0 || index >= i.maxOut {
			return fmt.Errorf("dam: open output index %d of %d: %w", index, i.maxOut, audio.ErrBadParameter)
		}
		if k, ok := i.outputByIndex(index); ok && i.outputs[k].id != id {
			return fmt.Errorf("dam: output index %d already bound to port %d: %w", index, i.outputs[k].id, audio.ErrBadParameter)
		}
		k, ok := i.outputSlot(id, true)
		if !ok {
			return fmt.Errorf("dam: open output port %d: %w", id, audio.ErrBadParameter)
		}
		o := &i.outputs[k]
		if o.open {
			return fmt.Errorf("dam: output port %d already open: %w", id, audio.ErrBadParameter)
		}
		if o.index >= 0 && o.index != index {
			return fmt.Errorf("dam: output port %d bound to index %d, not %d: %w", id, o.index, index, audio.ErrBadParameter)
		}
		o.index = index
		o.open = true
		i.log.Debug("output port opened", "port_id", id, "index", index)
		existed := o.reader != nil
		if err := i.checkAndInitOutput(k); err != nil {
			return err
		}
		if existed {
			i.raiseOutputFormat(k)
		}
		return nil

	case PortStart:
		k, ok := i.outputSlot(id, false)
		if !ok || i.outputs[k].index != index {
			return fmt.Errorf("dam: start output port %d at index %d: %w", id, index, audio.ErrBadParameter)
		}
		o := &i.outputs[k]
		o.started = true
		if o.gateOpen {
			i.setOutputAffinity(index, AffinityPresent, NonTriggerInvalid)
		} else {
			i.setOutputAffinity(index, AffinityNone, NonTriggerBlocked)
		}
		i.evaluatePolicy()
		i.updateVote()
		return nil

	case PortStop:
		k, ok := i.outputSlot(id, false)
		if !ok || i.outputs[k].index != index {
			return fmt.Errorf("dam: stop output port %d at index %d: %w", id, index, audio.ErrBadParameter)
		}
		o := &i.outputs[k]
		o.started = false
		// A pending close stays armed; the first turn after a restart
		// emits its end of stream.
		if o.pendingClose {
			i.setOutputAffinity(index, AffinityNone, NonTriggerBlocked)
			i.evaluatePolicy()
		}
		i.updateVote()
		return nil

	case PortClose:
		k, ok := i.outputSlot(id, false)
		if !ok {
			return nil
		}
		i.closeGate(k, true)
		o := &i.outputs[k]
		if o.reader != nil {
			o.reader.Close()
		}
		if o.index >= 0 && o.index < i.maxOut {
			i.setOutputAffinity(o.index, AffinityNone, NonTriggerInvalid)
		}
		i.outputs[k] = outputPort{index: -1}
		delete(i.outputIdx, id)
		i.log.Debug("output port closed", "port_id", id)
		i.evaluatePolicy()
		i.updateVote()
		return nil

	default:
		return fmt.Errorf("dam: output port operation %s: %w", op, audio.ErrUnsupported)
	}
}

// ─── Configuration ────────────────────────────────────────────────────────────

// ChannelMap routes one buffered input channel to an output channel.
type ChannelMap struct {
	InputChannel  uint32
	OutputChannel uint32
}

// InputChannels assigns the channel ids an input port buffers, in stream
// order.
type InputChannels struct {
	PortID     uint32
	ChannelIDs []uint32
}

// OutputChannels assigns the remap table of an output port.
type OutputChannels struct {
	PortID uint32
	Map    []ChannelMap
}

// ControlBinding binds an output port to a control port.
type ControlBinding struct {
	OutputPortID  uint32
	ControlPortID uint32
}

// DownstreamSetup sets an output's pre-roll capacity hint.
type DownstreamSetup struct {
	OutputPortID uint32
	DurationMs   uint32
}

// SetInputChannels applies input channel assignments in order. The first
// invalid entry stops processing. An entry for a started port that already
// buffers is skipped. Every output reader is rebuilt afterwards since its
// channels may have moved.
func (i *Instance) SetInputChannels(entries []InputChannels) error {
	var errs []error
	applied := false
	for _, e := range entries {
		if n := len(e.ChannelIDs); n == 0 || n > audio.MaxChannelsPerStream {
			errs = append(errs, fmt.Errorf("dam: input port %d with %d channels: %w", e.PortID, n, audio.ErrBadParameter))
			break
		}
		k, ok := i.inputSlot(e.PortID, true)
		if !ok {
			errs = append(errs, fmt.Errorf("dam: input port id %d: %w", e.PortID, audio.ErrBadParameter))
			break
		}
		p := &i.inputs[k]
		if p.formatSet && p.channels != len(e.ChannelIDs) {
			i.log.Info("input channel count differs from media format",
				"port_id", e.PortID, "configured", len(e.ChannelIDs), "format", p.channels)
		}
		if p.started && p.writer != nil {
			i.log.Error("input port reconfigured while started, ignoring", "port_id", e.PortID)
			continue
		}
		if p.writer != nil {
			p.writer.Close()
			p.writer = nil
		}
		p.channelIDs = slices.Clone(e.ChannelIDs)
		applied = true
		if err := i.checkAndInitInput(k); err != nil {
			errs = append(errs, err)
		}
	}
	if applied {
		for k := range i.outputs {
			if i.outputs[k].id != 0 {
				if err := i.reinitOutput(k, nil); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	i.updateVote()
	return joinErrs(errs)
}

// SetOutputChannels replaces output remap tables and rebuilds the affected
// readers. The first invalid entry stops processing.
func (i *Instance) SetOutputChannels(entries []OutputChannels) error {
	var errs []error
	for _, e := range entries {
		if n := len(e.Map); n == 0 || n > audio.MaxChannelsPerStream {
			errs = append(errs, fmt.Errorf("dam: output port %d with %d channels: %w", e.PortID, n, audio.ErrBadParameter))
			break
		}
		k, ok := i.outputSlot(e.PortID, true)
		if !ok {
			errs = append(errs, fmt.Errorf("dam: output port id %d: %w", e.PortID, audio.ErrBadParameter))
			break
		}
		if err := i.reinitOutput(k, slices.Clone(e.Map)); err != nil {
			errs = append(errs, err)
		}
	}
	i.updateVote()
	return joinErrs(errs)
}

// BindControlPorts binds outputs to control ports. Rebinding an output to a
// different control port is rejected and stops processing.
func (i *Instance) BindControlPorts(entries []ControlBinding) error {
	var errs []error
	for _, e := range entries {
		k, ok := i.outputSlot(e.OutputPortID, true)
		if !ok || e.ControlPortID == 0 {
			errs = append(errs, fmt.Errorf("dam: bind output %d to control %d: %w", e.OutputPortID, e.ControlPortID, audio.ErrBadParameter))
			break
		}
		o := &i.outputs[k]
		if o.ctrlPortID != 0 && o.ctrlPortID != e.ControlPortID {
			errs = append(errs, fmt.Errorf("dam: output %d already bound to control %d: %w", e.OutputPortID, o.ctrlPortID, audio.ErrBadParameter))
			break
		}
		o.ctrlPortID = e.ControlPortID
		if err := i.checkAndInitOutput(k); err != nil {
			errs = append(errs, err)
		}
	}
	i.updateVote()
	return joinErrs(errs)
}

// SetDownstreamSetup sets per-output pre-roll durations. A change only takes
// effect when the output's reader is next created.
func (i *Instance) SetDownstreamSetup(entries []DownstreamSetup) error {
	var errs []error
	for _, e := range entries {
		k, ok := i.outputSlot(e.OutputPortID, true)
		if !ok {
			errs = append(errs, fmt.Errorf("dam: downstream setup for output %d: %w", e.OutputPortID, audio.ErrBadParameter))
			break
		}
		o := &i.outputs[k]
		if o.reader != nil && o.downstreamSetupMs != e.DurationMs {
			i.log.Info("downstream setup changed with live reader",
				"port_id", e.OutputPortID, "old_ms", o.downstreamSetupMs, "new_ms", e.DurationMs)
		}
		o.downstreamSetupMs = e.DurationMs
	}
	i.updateVote()
	return joinErrs(errs)
}

// ─── Writer / reader creation ─────────────────────────────────────────────────

// checkAndInitInput creates the input's writer once the port is open, its
// format is set and channels are configured.
func (i *Instance) checkAndInitInput(k int) error {
	p := &i.inputs[k]
	if p.writer != nil || !p.open || !p.formatSet || len(p.channelIDs) == 0 {
		return nil
	}
	n := min(len(p.channelIDs), p.channels)
	if n < len(p.channelIDs) {
		i.log.Info("dropping input channels beyond media format",
			"port_id", p.id, "configured", len(p.channelIDs), "buffered", n)
	}
	w, err := i.engine.NewWriter(p.channelIDs[:n])
	if err != nil {
		return i.engineErr(fmt.Sprintf("writer for input %d", p.id), err)
	}
	p.writer = w
	i.log.Debug("input writer created", "port_id", p.id, "channels", n)
	return nil
}

// effectiveHeap is the peer's preferred heap if valid, else the instance's.
func (i *Instance) effectiveHeap(o *outputPort) ring.HeapID {
	if o.peerHeapValid {
		return o.peerHeap
	}
	return i.heap
}

// checkAndInitOutput creates the output's reader once a channel map and a
// non-closed control port exist, then replays the stored resize request.
func (i *Instance) checkAndInitOutput(k int) error {
	o := &i.outputs[k]
	if o.ctrlPortID == 0 {
		return nil
	}
	c, ok := i.ctrlSlot(o.ctrlPortID, false)
	if !ok || i.ctrls[c].state == ControlClosed {
		return nil
	}
	if o.channelMap == nil || o.reader != nil {
		return nil
	}
	if i.formatKnown && i.format.Format == audio.FormatRawCompressed && len(o.channelMap) > 1 {
		return fmt.Errorf("dam: output %d maps %d channels of a compressed stream: %w", o.id, len(o.channelMap), audio.ErrBadParameter)
	}

	o.actualChannels = mapInputIDs(o.channelMap)
	heap := i.effectiveHeap(o)
	cfg := ring.ReaderConfig{
		Heap:       heap,
		PreRollUs:  o.downstreamSetupMs * 1000,
		ChannelIDs: slices.Clone(o.actualChannels),
	}
	if v := i.ctrls[c].virtual; v != nil && v.Enable {
		vw, err := i.virtualWriter(v)
		if err != nil {
			return err
		}
		cfg.Virtual = vw
	}

	r, err := i.engine.NewReader(cfg)
	if err != nil {
		return i.engineErr(fmt.Sprintf("reader for output %d", o.id), err)
	}
	o.reader = r
	i.log.Debug("output reader created", "port_id", o.id, "channels", len(cfg.ChannelIDs), "virtual", cfg.Virtual != nil)

	if err := r.RequestResize(o.resizeUs, heap); err != nil {
		i.log.Warn("replaying resize failed", "port_id", o.id, "resize_us", o.resizeUs, "err", err)
	}
	i.raiseOutputFormat(k)
	return nil
}

// reinitOutput tears down the output's reader, optionally installs a new
// channel map and tries to create the reader again.
func (i *Instance) reinitOutput(k int, newMap []ChannelMap) error {
	i.closeGate(k, true)
	o := &i.outputs[k]
	if o.reader != nil {
		o.reader.Close()
		o.reader = nil
	}
	if newMap != nil {
		o.channelMap = newMap
	}
	return i.checkAndInitOutput(k)
}

// virtualWriter builds the engine descriptor of a peer-owned buffer.
func (i *Instance) virtualWriter(v *imcl.VirtualWriterInfo) (*ring.VirtualWriter, error) {
	vw := &ring.VirtualWriter{
		BaseAddress:   v.BaseAddress,
		WriterHandle:  v.WriterHandle,
		SizeUs:        v.SizeUs,
		SizeBytes:     v.SizeBytes,
		Channels:      v.Channels,
		SampleRate:    v.SampleRate,
		BitsPerSample: v.BitsPerSample,
		QFactor:       v.QFactor,
		Signed:        v.Signed,
	}
	if i.resolve != nil {
		src, err := i.resolve(v.WriterHandle, v.BaseAddress)
		if err != nil {
			return nil, fmt.Errorf("dam: resolve virtual writer %#x: %w", v.WriterHandle, err)
		}
		vw.Source = src
	}
	return vw, nil
}

// engineErr swallows NotReady as a logged no-op and wraps anything else.
func (i *Instance) engineErr(what string, err error) error {
	if errors.Is(err, audio.ErrNotReady) {
		i.log.Debug("engine not ready", "op", what, "err", err)
		return nil
	}
	return fmt.Errorf("dam: %s: %w", what, err)
}

func mapInputIDs(m []ChannelMap) []uint32 {
	ids := make([]uint32, len(m))
	for k, e := range m {
		ids[k] = e.InputChannel
	}
	return ids
}

// joinErrs returns nil for an empty list and the sole error unwrapped.
func joinErrs(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}
