package imcl

import (
	"encoding/binary"
	"fmt"
)

// GateCtrl is the gate command carried by [DataFlowCtrlV2].
type GateCtrl uint32

const (
	GateClose        GateCtrl = 0
	GateOpen         GateCtrl = 1
	GateBatchStream  GateCtrl = 2
	GateDrainHistory GateCtrl = 3
)

// String returns a short name for c.
func (c GateCtrl) String() string {
	switch c {
	case GateClose:
		return "close"
	case GateOpen:
		return "open"
	case GateBatchStream:
		return "batch_stream"
	case GateDrainHistory:
		return "drain_history"
	default:
		return fmt.Sprintf("gate_ctrl(%d)", uint32(c))
	}
}

// DataFlowCtrl opens or closes a gate (first protocol revision).
type DataFlowCtrl struct {
	GateOpen     bool
	ReadOffsetUs uint32
}

// DecodeDataFlowCtrl parses an [OpDataFlowCtrl] payload.
func DecodeDataFlowCtrl(p []byte) (DataFlowCtrl, error) {
	if err := need(OpDataFlowCtrl, p, 8); err != nil {
		return DataFlowCtrl{}, err
	}
	r := payloadReader{p: p}
	return DataFlowCtrl{GateOpen: r.flag(), ReadOffsetUs: r.u32()}, nil
}

// Encode returns the wire payload.
func (d DataFlowCtrl) Encode() []byte {
	b := appendFlag(nil, d.GateOpen)
	return binary.LittleEndian.AppendUint32(b, d.ReadOffsetUs)
}

// DataFlowCtrlV2 carries an enumerated gate command with an optional
// best-channel ordering.
type DataFlowCtrlV2 struct {
	Ctrl         GateCtrl
	ReadOffsetUs uint32
	BestChannels []uint32
}

// DecodeDataFlowCtrlV2 parses an [OpDataFlowCtrlV2] payload. The best
// channel list is only a hint and may be longer than a stream can carry.
func DecodeDataFlowCtrlV2(p []byte) (DataFlowCtrlV2, error) {
	if err := need(OpDataFlowCtrlV2, p, 12); err != nil {
		return DataFlowCtrlV2{}, err
	}
	r := payloadReader{p: p}
	d := DataFlowCtrlV2{Ctrl: GateCtrl(r.u32()), ReadOffsetUs: r.u32()}
	ids, err := readChannels(OpDataFlowCtrlV2, &r, r.u32())
	if err != nil {
		return DataFlowCtrlV2{}, err
	}
	d.BestChannels = ids
	return d, nil
}

// Encode returns the wire payload.
func (d DataFlowCtrlV2) Encode() []byte {
	b := make([]byte, 0, 12+4*len(d.BestChannels))
	b = binary.LittleEndian.AppendUint32(b, uint32(d.Ctrl))
	b = binary.LittleEndian.AppendUint32(b, d.ReadOffsetUs)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(d.BestChannels)))
	for _, id := range d.BestChannels {
		b = binary.LittleEndian.AppendUint32(b, id)
	}
	return b
}

// PeerInfo announces the peer's capabilities and preferred allocator.
type PeerInfo struct {
	IsDetector bool
	HeapValid  bool
	HeapID     uint32
}

// DecodePeerInfo parses an [OpPeerInfo] payload.
func DecodePeerInfo(p []byte) (PeerInfo, error) {
	if err := need(OpPeerInfo, p, 12); err != nil {
		return PeerInfo{}, err
	}
	r := payloadReader{p: p}
	return PeerInfo{IsDetector: r.flag(), HeapValid: r.flag(), HeapID: r.u32()}, nil
}

// Encode returns the wire payload.
func (pi PeerInfo) Encode() []byte {
	b := appendFlag(nil, pi.IsDetector)
	b = appendFlag(b, pi.HeapValid)
	return binary.LittleEndian.AppendUint32(b, pi.HeapID)
}

// Resize requests additional history capacity.
type Resize struct {
	ResizeUs uint32
}

// DecodeResize parses an [OpResize] payload.
func DecodeResize(p []byte) (Resize, error) {
	if err := need(OpResize, p, 4); err != nil {
		return Resize{}, err
	}
	return Resize{ResizeUs: binary.LittleEndian.Uint32(p)}, nil
}

// Encode returns the wire payload.
func (r Resize) Encode() []byte {
	return binary.LittleEndian.AppendUint32(nil, r.ResizeUs)
}

// OutputChannelCfg narrows an output to the listed input channels.
type OutputChannelCfg struct {
	ChannelIDs []uint32
}

// DecodeOutputChannelCfg parses an [OpOutputChannelCfg] payload.
func DecodeOutputChannelCfg(p []byte) (OutputChannelCfg, error) {
	if err := need(OpOutputChannelCfg, p, 4); err != nil {
		return OutputChannelCfg{}, err
	}
	r := payloadReader{p: p}
	ids, err := channelList(OpOutputChannelCfg, &r, r.u32())
	if err != nil {
		return OutputChannelCfg{}, err
	}
	return OutputChannelCfg{ChannelIDs: ids}, nil
}

// Encode returns the wire payload.
func (c OutputChannelCfg) Encode() []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(c.ChannelIDs)))
	for _, id := range c.ChannelIDs {
		b = binary.LittleEndian.AppendUint32(b, id)
	}
	return b
}

// virtualWriterInfoSize is the packed size of [VirtualWriterInfo].
const virtualWriterInfoSize = 4 + 8 + 4 + 4 + 8 + 8 + 5*4

// VirtualWriterInfo hands a peer-owned circular buffer to the DAM buffer.
// PositionFn and WriterHandle are opaque tokens resolved by the host.
type VirtualWriterInfo struct {
	Enable        bool
	BaseAddress   uint64
	SizeUs        uint32
	SizeBytes     uint32
	PositionFn    uint64
	WriterHandle  uint64
	Channels      uint32
	SampleRate    uint32
	BitsPerSample uint32
	QFactor       uint32
	Signed        bool
}

// DecodeVirtualWriterInfo parses an [OpVirtualWriterInfo] payload.
func DecodeVirtualWriterInfo(p []byte) (VirtualWriterInfo, error) {
	if err := need(OpVirtualWriterInfo, p, virtualWriterInfoSize); err != nil {
		return VirtualWriterInfo{}, err
	}
	r := payloadReader{p: p}
	return VirtualWriterInfo{
		Enable:        r.flag(),
		BaseAddress:   r.u64(),
		SizeUs:        r.u32(),
		SizeBytes:     r.u32(),
		PositionFn:    r.u64(),
		WriterHandle:  r.u64(),
		Channels:      r.u32(),
		SampleRate:    r.u32(),
		BitsPerSample: r.u32(),
		QFactor:       r.u32(),
		Signed:        r.flag(),
	}, nil
}

// Encode returns the wire payload.
func (v VirtualWriterInfo) Encode() []byte {
	b := make([]byte, 0, virtualWriterInfoSize)
	b = appendFlag(b, v.Enable)
	b = binary.LittleEndian.AppendUint64(b, v.BaseAddress)
	b = binary.LittleEndian.AppendUint32(b, v.SizeUs)
	b = binary.LittleEndian.AppendUint32(b, v.SizeBytes)
	b = binary.LittleEndian.AppendUint64(b, v.PositionFn)
	b = binary.LittleEndian.AppendUint64(b, v.WriterHandle)
	b = binary.LittleEndian.AppendUint32(b, v.Channels)
	b = binary.LittleEndian.AppendUint32(b, v.SampleRate)
	b = binary.LittleEndian.AppendUint32(b, v.BitsPerSample)
	b = binary.LittleEndian.AppendUint32(b, v.QFactor)
	return appendFlag(b, v.Signed)
}

// UnreadDataLength reports the backlog found at gate open back to the peer.
type UnreadDataLength struct {
	UnreadUs uint32
}

// DecodeUnreadDataLength parses an [OpUnreadDataLength] payload.
func DecodeUnreadDataLength(p []byte) (UnreadDataLength, error) {
	if err := need(OpUnreadDataLength, p, 4); err != nil {
		return UnreadDataLength{}, err
	}
	return UnreadDataLength{UnreadUs: binary.LittleEndian.Uint32(p)}, nil
}

// Encode returns the wire payload.
func (u UnreadDataLength) Encode() []byte {
	return binary.LittleEndian.AppendUint32(nil, u.UnreadUs)
}
