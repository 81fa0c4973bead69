package dam

import (
	"fmt"
	"slices"

	"github.com/MrWong99/audiodam/internal/imcl"
	"github.com/MrWong99/audiodam/pkg/audio"
	"github.com/MrWong99/audiodam/pkg/ring"
)

// GateState is the observable state of an output's gate.
type GateState int

const (
	GateClosed GateState = iota
	GateOpen
	GateOpenDrainHistory
	GateBatchStream
	GatePendingClose
)

// String returns the lower-case name of s.
func (s GateState) String() string {
	switch s {
	case GateClosed:
		return "closed"
	case GateOpen:
		return "open"
	case GateOpenDrainHistory:
		return "open_drain_history"
	case GateBatchStream:
		return "batch_stream"
	case GatePendingClose:
		return "pending_close"
	default:
		return "unknown"
	}
}

// OutputState is a read-only view of an output port.
type OutputState struct {
	ID             uint32
	Open           bool
	Started        bool
	Gate           GateState
	HasReader      bool
	Virtual        bool
	BacklogUs      uint32
	ActualChannels []uint32
	ResizeUs       uint32
	Heap           ring.HeapID
	PeerDetector   bool
	ControlPortID  uint32
}

// OutputState returns the state of the open output at host index idx. The
// zero value is returned when no output is open there.
func (i *Instance) OutputState(idx int) OutputState {
	k, ok := i.outputByIndex(idx)
	if !ok {
		return OutputState{}
	}
	o := &i.outputs[k]
	st := OutputState{
		ID:             o.id,
		Open:           o.open,
		Started:        o.started,
		HasReader:      o.reader != nil,
		BacklogUs:      o.backlogUs,
		ActualChannels: slices.Clone(o.actualChannels),
		ResizeUs:       o.resizeUs,
		Heap:           i.effectiveHeap(o),
		PeerDetector:   o.peerDetector,
		ControlPortID:  o.ctrlPortID,
	}
	if o.reader != nil {
		st.Virtual = o.reader.Virtual()
	}
	switch {
	case o.pendingClose:
		st.Gate = GatePendingClose
	case o.gateOpen && o.drainHistory:
		st.Gate = GateOpenDrainHistory
	case o.gateOpen && o.reader != nil && o.reader.Batch().Streaming:
		st.Gate = GateBatchStream
	case o.gateOpen:
		st.Gate = GateOpen
	}
	return st
}

// InputState is a read-only view of an input port.
type InputState struct {
	ID        uint32
	Open      bool
	Started   bool
	FormatSet bool
	HasWriter bool

	// Buffered lists the channel ids the writer stores.
	Buffered []uint32
}

// InputState returns the state of the open input at host index idx.
func (i *Instance) InputState(idx int) InputState {
	k, ok := i.inputByIndex(idx)
	if !ok {
		return InputState{}
	}
	p := &i.inputs[k]
	st := InputState{
		ID:        p.id,
		Open:      p.open,
		Started:   p.started,
		FormatSet: p.formatSet,
		HasWriter: p.writer != nil,
	}
	if p.writer != nil {
		st.Buffered = slices.Clone(p.writer.ChannelIDs())
	}
	return st
}

// ─── Transitions ──────────────────────────────────────────────────────────────

// openGate moves output k to OPEN with offsetUs of history. best, when
// given, is the preferred channel order.
func (i *Instance) openGate(k int, offsetUs uint32, best []uint32) {
	o := &i.outputs[k]
	if o.gateOpen {
		i.log.Debug("gate already open", "port_id", o.id)
		return
	}
	if o.reader == nil {
		i.log.Info("gate open without reader, ignoring", "port_id", o.id)
		return
	}
	o.gateOpen = true

	unread, err := o.reader.Adjust(offsetUs, o.peerDetector)
	if err != nil {
		i.log.Warn("adjusting read cursor failed", "port_id", o.id, "offset_us", offsetUs, "err", err)
	}
	if !o.peerDetector {
		msg := imcl.AppendRecord(nil, imcl.OpUnreadDataLength, imcl.UnreadDataLength{UnreadUs: unread}.Encode())
		if err := i.events.SendControl(o.ctrlPortID, msg); err != nil {
			i.log.Warn("sending unread data length failed", "port_id", o.id, "ctrl_port_id", o.ctrlPortID, "err", err)
		}
	}
	o.backlogUs = unread
	i.metrics.GateBacklog.Record(bg, float64(unread)/1e6)

	if o.started {
		i.setOutputAffinity(o.index, AffinityPresent, NonTriggerInvalid)
	}
	i.evaluatePolicy()

	if !o.peerDetector {
		i.reorderAtOpen(k, best)
		i.updateVote()
	}
	i.metrics.RecordGateTransition(bg, i.id, "open")
	i.log.Debug("gate opened", "port_id", o.id, "offset_us", offsetUs, "backlog_us", unread)
}

// reorderAtOpen moves the best channels to the front and narrows the output
// to them.
func (i *Instance) reorderAtOpen(k int, best []uint32) {
	o := &i.outputs[k]
	if i.format.Format != audio.FormatFixedPoint || !i.formatSet {
		return
	}
	if len(best) == 0 || len(best) > audio.MaxChannelsPerStream {
		return
	}
	if err := o.reader.SortChannels(best); err != nil {
		i.log.Warn("best channel reorder failed", "port_id", o.id, "channels", best, "err", err)
		return
	}
	o.actualChannels = slices.Clone(best)
	i.raiseOutputFormat(k)
}

// requestGateClose closes output k now if it is not started, else defers
// the close to the next process turn.
func (i *Instance) requestGateClose(k int) {
	o := &i.outputs[k]
	if !o.gateOpen {
		return
	}
	if o.started {
		o.pendingClose = true
		i.log.Debug("gate close pending", "port_id", o.id)
		return
	}
	i.closeGate(k, false)
}

// finishPendingClose completes the armed close of output k and performs a
// reader rebuild deferred behind it.
func (i *Instance) finishPendingClose(k int) error {
	i.closeGate(k, false)
	o := &i.outputs[k]
	if !o.rebuildOnClose {
		return nil
	}
	o.rebuildOnClose = false
	return i.reinitOutput(k, nil)
}

// rebuildVirtual replaces the virtual reader of output k once no end of
// stream is owed on it.
func (i *Instance) rebuildVirtual(k int) error {
	o := &i.outputs[k]
	if o.reader == nil || !o.reader.Virtual() {
		return nil
	}
	if o.pendingClose {
		o.rebuildOnClose = true
		i.log.Debug("reader rebuild deferred behind pending close", "port_id", o.id)
		return nil
	}
	return i.reinitOutput(k, nil)
}

// closeGate closes output k immediately. With destroy set the reader is
// about to go away and channel order is not restored.
func (i *Instance) closeGate(k int, destroy bool) {
	o := &i.outputs[k]
	wasOpen := o.gateOpen
	o.gateOpen = false
	o.drainHistory = false
	o.pendingClose = false
	o.backlogUs = 0
	if destroy {
		o.rebuildOnClose = false
	}
	if o.reader != nil && o.reader.Batch().Streaming {
		if err := o.reader.EnableBatching(false, 0); err != nil {
			i.log.Warn("disabling batching failed", "port_id", o.id, "err", err)
		}
	}

	if o.started {
		i.setOutputAffinity(o.index, AffinityNone, NonTriggerBlocked)
	}
	i.evaluatePolicy()

	if !o.peerDetector {
		if !destroy && o.reader != nil && i.format.Format == audio.FormatFixedPoint && o.channelMap != nil {
			ids := mapInputIDs(o.channelMap)
			if !slices.Equal(ids, o.actualChannels) {
				if err := o.reader.SortChannels(ids); err != nil {
					i.log.Warn("restoring channel order failed", "port_id", o.id, "err", err)
				} else {
					o.actualChannels = ids
					i.raiseOutputFormat(k)
				}
			}
		}
		i.updateVote()
	}
	if wasOpen {
		i.metrics.RecordGateTransition(bg, i.id, "close")
		i.log.Debug("gate closed", "port_id", o.id)
	}
}

// drainHistoryGate opens output k and closes it again once the history
// present at open time has been read.
func (i *Instance) drainHistoryGate(k int, offsetUs uint32) error {
	o := &i.outputs[k]
	if o.gateOpen {
		return fmt.Errorf("dam: drain history on open gate of output %d: %w", o.id, audio.ErrNeedMore)
	}
	i.openGate(k, offsetUs, nil)
	if !o.gateOpen {
		return nil
	}
	o.drainHistory = true
	if o.backlogUs == 0 {
		i.requestGateClose(k)
	}
	return nil
}

// flowCtrlV1 applies a boolean gate command and returns the unread bytes.
func (i *Instance) flowCtrlV1(k int, p imcl.DataFlowCtrl) uint32 {
	if p.GateOpen {
		i.openGate(k, p.ReadOffsetUs, nil)
	} else {
		i.requestGateClose(k)
	}
	return i.unreadBytes(k)
}

// flowCtrlV2 applies an enumerated gate command and returns the unread
// bytes.
func (i *Instance) flowCtrlV2(k int, p imcl.DataFlowCtrlV2) (uint32, error) {
	o := &i.outputs[k]
	switch p.Ctrl {
	case imcl.GateClose:
		i.requestGateClose(k)
	case imcl.GateOpen:
		i.openGate(k, p.ReadOffsetUs, p.BestChannels)
	case imcl.GateBatchStream:
		if o.reader != nil {
			if err := o.reader.EnableBatching(true, p.ReadOffsetUs); err != nil {
				return 0, fmt.Errorf("dam: enable batching on output %d: %w", o.id, err)
			}
		}
		i.openGate(k, p.ReadOffsetUs, p.BestChannels)
	case imcl.GateDrainHistory:
		if err := i.drainHistoryGate(k, p.ReadOffsetUs); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("dam: gate command %s: %w", p.Ctrl, audio.ErrUnsupported)
	}
	return i.unreadBytes(k), nil
}

func (i *Instance) unreadBytes(k int) uint32 {
	if r := i.outputs[k].reader; r != nil {
		return r.UnreadBytes()
	}
	return 0
}
