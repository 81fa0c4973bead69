package dam

import (
	"fmt"

	"github.com/MrWong99/audiodam/pkg/audio"
	"github.com/MrWong99/audiodam/pkg/ring"
)

// PeerInfo describes the control peer of an output.
type PeerInfo struct {
	IsDetector bool
	HeapValid  bool
	Heap       ring.HeapID
}

// RequestResize asks for us of extra history on the open output at
// portIndex. Without a reader the request is stored and replayed once the
// reader exists.
func (i *Instance) RequestResize(portIndex int, us uint32) error {
	k, ok := i.outputByIndex(portIndex)
	if !ok {
		return fmt.Errorf("dam: resize on index %d: %w", portIndex, audio.ErrBadParameter)
	}
	return i.resize(k, us)
}

// SetPeerInfo records the peer of the open output at portIndex. A detector
// peer latches the custom trigger policy for the lifetime of the instance.
func (i *Instance) SetPeerInfo(portIndex int, info PeerInfo) error {
	k, ok := i.outputByIndex(portIndex)
	if !ok {
		return fmt.Errorf("dam: peer info on index %d: %w", portIndex, audio.ErrBadParameter)
	}
	return i.setPeerInfo(k, info)
}

func (i *Instance) resize(k int, us uint32) error {
	o := &i.outputs[k]
	o.resizeUs = us
	if o.reader == nil {
		i.log.Debug("resize stored until reader exists", "port_id", o.id, "resize_us", us)
		return nil
	}
	if err := o.reader.RequestResize(us, i.effectiveHeap(o)); err != nil {
		return fmt.Errorf("dam: resize output %d to %d us: %w", o.id, us, err)
	}
	return nil
}

func (i *Instance) setPeerInfo(k int, info PeerInfo) error {
	o := &i.outputs[k]
	o.peerDetector = info.IsDetector
	if info.IsDetector && !i.cannotRevert {
		i.cannotRevert = true
		i.log.Info("detector peer attached, trigger policy latched", "port_id", o.id)
	}
	i.evaluatePolicy()

	if !info.HeapValid {
		o.peerHeapValid = false
		return nil
	}
	o.peerHeapValid = true
	o.peerHeap = info.Heap
	if o.reader == nil {
		return nil
	}
	if err := o.reader.RequestResize(o.resizeUs, o.peerHeap); err != nil {
		return fmt.Errorf("dam: move output %d to heap %d: %w", o.id, o.peerHeap, err)
	}
	return nil
}
