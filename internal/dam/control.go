package dam

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/audiodam/internal/imcl"
	"github.com/MrWong99/audiodam/internal/observe"
	"github.com/MrWong99/audiodam/pkg/audio"
	"github.com/MrWong99/audiodam/pkg/ring"
)

// HandleControl dispatches one control message received on ctrlPortID.
//
// Records are applied in order, each to every output bound to the control
// port. An unknown opcode stops parsing with [audio.ErrUnsupported]; records
// applied before it stay applied. Other record failures are collected and
// parsing continues.
func (i *Instance) HandleControl(ctx context.Context, ctrlPortID uint32, msg []byte) error {
	ctx, span := observe.StartSpan(ctx, "dam.HandleControl",
		trace.WithAttributes(
			attribute.String("dam.id", i.id),
			attribute.Int64("dam.ctrl_port_id", int64(ctrlPortID)),
			attribute.Int("dam.msg_bytes", len(msg)),
		),
	)
	defer span.End()
	log := observe.Logger(ctx, i.log)

	err := i.handleControl(ctx, ctrlPortID, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Debug("control message failed", "ctrl_port_id", ctrlPortID, "err", err)
	}
	return err
}

func (i *Instance) handleControl(ctx context.Context, ctrlPortID uint32, msg []byte) error {
	outs := i.mappedOutputs(ctrlPortID)
	if len(outs) == 0 {
		return fmt.Errorf("dam: control port %d has no outputs: %w", ctrlPortID, audio.ErrBadParameter)
	}
	c, ok := i.ctrlSlot(ctrlPortID, false)
	if !ok || i.ctrls[c].state == ControlClosed {
		return fmt.Errorf("dam: control port %d is not open: %w", ctrlPortID, audio.ErrBadParameter)
	}

	var errs []error
	s := imcl.NewScanner(msg)
	for s.Next() {
		rec := s.Record()
		err := i.dispatch(c, outs, rec)
		i.metrics.RecordControlRecord(ctx, rec.Opcode.String(), statusOf(err))
		if err != nil {
			errs = append(errs, err)
		}
		if errors.Is(err, errUnknownOpcode) {
			break
		}
	}
	if err := s.Err(); err != nil {
		errs = append(errs, err)
	}
	return joinErrs(errs)
}

// errUnknownOpcode stops parsing of the remaining records.
var errUnknownOpcode = fmt.Errorf("unknown control opcode: %w", audio.ErrUnsupported)

// dispatch applies one record to the bound outputs.
func (i *Instance) dispatch(c int, outs []int, rec imcl.Record) error {
	switch rec.Opcode {
	case imcl.OpDataFlowCtrl:
		p, err := imcl.DecodeDataFlowCtrl(rec.Payload)
		if err != nil {
			return err
		}
		return i.eachOpenOutput(outs, func(k int) (uint32, error) {
			return i.flowCtrlV1(k, p), nil
		})

	case imcl.OpDataFlowCtrlV2:
		p, err := imcl.DecodeDataFlowCtrlV2(rec.Payload)
		if err != nil {
			return err
		}
		return i.eachOpenOutput(outs, func(k int) (uint32, error) {
			return i.flowCtrlV2(k, p)
		})

	case imcl.OpPeerInfo:
		p, err := imcl.DecodePeerInfo(rec.Payload)
		if err != nil {
			return err
		}
		info := PeerInfo{IsDetector: p.IsDetector, HeapValid: p.HeapValid, Heap: ring.HeapID(p.HeapID)}
		return i.eachOutput(outs, func(k int) error { return i.setPeerInfo(k, info) })

	case imcl.OpResize:
		p, err := imcl.DecodeResize(rec.Payload)
		if err != nil {
			return err
		}
		return i.eachOutput(outs, func(k int) error { return i.resize(k, p.ResizeUs) })

	case imcl.OpOutputChannelCfg:
		p, err := imcl.DecodeOutputChannelCfg(rec.Payload)
		if err != nil {
			return err
		}
		if len(p.ChannelIDs) == 0 {
			return fmt.Errorf("dam: output channel config without channels: %w", audio.ErrBadParameter)
		}
		m := make([]ChannelMap, len(p.ChannelIDs))
		for n, id := range p.ChannelIDs {
			m[n] = ChannelMap{InputChannel: id, OutputChannel: uint32(n + 1)}
		}
		return i.eachOutput(outs, func(k int) error { return i.reinitOutput(k, m) })

	case imcl.OpVirtualWriterInfo:
		p, err := imcl.DecodeVirtualWriterInfo(rec.Payload)
		if err != nil {
			return err
		}
		return i.setVirtualWriter(c, outs, p)

	default:
		return fmt.Errorf("dam: control opcode %s: %w", rec.Opcode, errUnknownOpcode)
	}
}

// eachOutput applies fn to every bound output and joins the failures.
func (i *Instance) eachOutput(outs []int, fn func(k int) error) error {
	var errs []error
	for _, k := range outs {
		if err := fn(k); err != nil {
			errs = append(errs, err)
		}
	}
	i.updateVote()
	return joinErrs(errs)
}

// eachOpenOutput applies a flow-control fn to every open bound output and
// checks that they report the same unread byte count.
func (i *Instance) eachOpenOutput(outs []int, fn func(k int) (uint32, error)) error {
	var errs []error
	var unread []uint32
	for _, k := range outs {
		if !i.outputs[k].open {
			i.log.Warn("flow control for output that is not open", "port_id", i.outputs[k].id)
			continue
		}
		n, err := fn(k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		unread = append(unread, n)
	}
	for _, n := range unread[min(1, len(unread)):] {
		if n != unread[0] {
			i.log.Warn("outputs of one control port disagree on unread bytes", "unread_bytes", unread)
			break
		}
	}
	return joinErrs(errs)
}

// setVirtualWriter enables or disables zero-copy reads against a peer-owned
// buffer. Only detector peers may do this.
func (i *Instance) setVirtualWriter(c int, outs []int, v imcl.VirtualWriterInfo) error {
	for _, k := range outs {
		if !i.outputs[k].peerDetector {
			return fmt.Errorf("dam: virtual writer from non-detector peer on output %d: %w", i.outputs[k].id, audio.ErrUnsupported)
		}
	}
	ctrl := &i.ctrls[c]
	if v.Enable {
		ctrl.virtual = &v
		i.log.Info("virtual writer enabled", "ctrl_port_id", ctrl.id, "writer_handle", v.WriterHandle, "size_us", v.SizeUs)
		return i.eachOutput(outs, func(k int) error { return i.reinitOutput(k, nil) })
	}
	ctrl.virtual = nil
	i.log.Info("virtual writer disabled", "ctrl_port_id", ctrl.id)
	return i.eachOutput(outs, func(k int) error {
		if r := i.outputs[k].reader; r != nil && r.Virtual() {
			return i.reinitOutput(k, nil)
		}
		return nil
	})
}

// ─── Control port lifecycle ───────────────────────────────────────────────────

// OpenControlPort opens control port id with its intents. Exactly one intent
// is supported.
func (i *Instance) OpenControlPort(id uint32, intents []uint32) error {
	if len(intents) != 1 {
		return fmt.Errorf("dam: control port %d with %d intents: %w", id, len(intents), audio.ErrNeedMore)
	}
	c, ok := i.ctrlSlot(id, true)
	if !ok {
		return fmt.Errorf("dam: open control port %d: %w", id, audio.ErrBadParameter)
	}
	ctrl := &i.ctrls[c]
	ctrl.state = ControlOpen
	ctrl.intents = append(ctrl.intents[:0], intents...)
	i.log.Debug("control port opened", "ctrl_port_id", id, "intent", intents[0])

	var errs []error
	for _, k := range i.mappedOutputs(id) {
		if err := i.checkAndInitOutput(k); err != nil {
			errs = append(errs, err)
		}
	}
	i.updateVote()
	return joinErrs(errs)
}

// CloseControlPort closes control port id. Open gates behind it are closed,
// peer-supplied resize and heap are dropped and virtual readers fall back to
// the engine's own buffers.
func (i *Instance) CloseControlPort(id uint32) error {
	c, ok := i.ctrlSlot(id, false)
	if !ok {
		i.log.Debug("close of unknown control port", "ctrl_port_id", id)
		return nil
	}
	if i.ctrls[c].state == ControlPeerConnected {
		i.metrics.ControlPeers.Add(bg, -1)
	}
	i.ctrls[c] = controlPort{}
	delete(i.ctrlIdx, id)

	var errs []error
	for _, k := range i.mappedOutputs(id) {
		o := &i.outputs[k]
		if !o.open {
			i.log.Debug("control port closed for output that is not open", "port_id", o.id)
			continue
		}
		i.requestGateClose(k)
		if o.reader == nil {
			continue
		}
		o.resizeUs = 0
		o.peerHeapValid = false
		if err := o.reader.RequestResize(0, i.heap); err != nil {
			errs = append(errs, fmt.Errorf("dam: shrink output %d: %w", o.id, err))
		}
		if err := i.rebuildVirtual(k); err != nil {
			errs = append(errs, err)
		}
	}
	i.updateVote()
	i.log.Debug("control port closed", "ctrl_port_id", id)
	return joinErrs(errs)
}

// ControlPeerConnected marks the peer of control port id as connected.
func (i *Instance) ControlPeerConnected(id uint32) error {
	c, ok := i.ctrlSlot(id, false)
	if !ok {
		return fmt.Errorf("dam: peer connected on unknown control port %d: %w", id, audio.ErrBadParameter)
	}
	i.ctrls[c].state = ControlPeerConnected
	i.metrics.ControlPeers.Add(bg, 1)

	var errs []error
	for _, k := range i.mappedOutputs(id) {
		if err := i.checkAndInitOutput(k); err != nil {
			errs = append(errs, err)
		}
	}
	i.updateVote()
	return joinErrs(errs)
}

// ControlPeerDisconnected marks the peer of control port id as gone. Open
// gates behind it are closed and virtual readers are rebuilt.
func (i *Instance) ControlPeerDisconnected(id uint32) error {
	c, ok := i.ctrlSlot(id, false)
	if !ok {
		return fmt.Errorf("dam: peer disconnected on unknown control port %d: %w", id, audio.ErrBadParameter)
	}
	ctrl := &i.ctrls[c]
	if ctrl.state == ControlPeerConnected {
		i.metrics.ControlPeers.Add(bg, -1)
	}
	ctrl.state = ControlPeerDisconnected
	ctrl.virtual = nil

	var errs []error
	for _, k := range i.mappedOutputs(id) {
		o := &i.outputs[k]
		if !o.open {
			continue
		}
		i.requestGateClose(k)
		if err := i.rebuildVirtual(k); err != nil {
			errs = append(errs, err)
		}
	}
	i.updateVote()
	return joinErrs(errs)
}

// ControlState returns the state of control port id.
func (i *Instance) ControlState(id uint32) ControlState {
	if c, ok := i.ctrlSlot(id, false); ok {
		return i.ctrls[c].state
	}
	return ControlClosed
}
