// Package ring defines the storage engine contract behind the DAM buffer:
// per-channel circular buffers that one writer fills continuously and any
// number of readers drain from their own cursor.
//
// The contract is expressed by [Engine], [Writer] and [Reader]. [Memory] is an
// in-process implementation backed by plain byte slices; hosts that own real
// allocators provide their own.
//
// Typical usage:
//
//	eng := ring.NewMemory()
//	_ = eng.SetPCMFormat(48000, 2)
//	w, _ := eng.NewWriter([]uint32{1, 2})
//	r, _ := eng.NewReader(ring.ReaderConfig{ChannelIDs: []uint32{1, 2}, PreRollUs: 250_000})
//	_ = w.Write(in.Bufs, in.TimestampUs, in.TimestampValid)
//	unreadUs, _ := r.Adjust(2_000_000, false)
//	res, err := r.Read(out.Bufs)
package ring

import "github.com/MrWong99/audiodam/pkg/audio"

// HeapID identifies the allocator a buffer's memory comes from.
type HeapID uint32

// DefaultHeap is the instance's own allocator.
const DefaultHeap HeapID = 0

// Engine creates writers and readers over a shared set of channel buffers.
// Channel buffers are keyed by channel id.
type Engine interface {
	// NewWriter binds a writer to the given channels, creating the channel
	// buffers if needed.
	NewWriter(channelIDs []uint32) (Writer, error)

	// NewReader binds a reader to the channels in cfg. A reader in virtual
	// mode reads from cfg.Virtual instead of the engine's own buffers.
	NewReader(cfg ReaderConfig) (Reader, error)

	// SetPCMFormat switches duration/size conversions to PCM.
	SetPCMFormat(sampleRate, bytesPerSample uint32) error

	// SetRawCompressedFormat switches duration/size conversions to whole
	// encoded frames of the given geometry.
	SetRawCompressedFormat(frameUs, maxFrameBytes uint32) error
}

// ReaderConfig describes a reader to create.
type ReaderConfig struct {
	// Heap is the allocator for any growth this reader triggers.
	Heap HeapID

	// PreRollUs is the capacity the reader needs before any resize request.
	PreRollUs uint32

	// ChannelIDs lists the channels to read, in output order.
	ChannelIDs []uint32

	// Virtual, when non-nil, puts the reader in zero-copy mode against a
	// peer-owned buffer.
	Virtual *VirtualWriter
}

// Writer appends data to its channel buffers. Writes never block; the oldest
// data is overwritten when a buffer is full.
type Writer interface {
	ChannelIDs() []uint32

	// Write appends the valid bytes of each buffer to the matching channel.
	// Buffers beyond the writer's channel count are ignored.
	Write(bufs []audio.Buffer, timestampUs int64, timestampValid bool) error

	Close()
}

// ReadResult describes one successful read.
type ReadResult struct {
	FrameUs        uint32
	TimestampUs    int64
	TimestampValid bool
}

// BatchState reports a reader's batch streaming progress.
type BatchState struct {
	Streaming    bool
	PeriodUs     uint32
	PendingBytes uint32
}

// Reader drains channel buffers from its own cursor.
type Reader interface {
	// Read fills len(bufs) channels in the reader's channel order. It returns
	// an error wrapping [audio.ErrNeedMore] when no complete frame is
	// available.
	Read(bufs []audio.Buffer) (ReadResult, error)

	// Adjust moves the read cursor so that at most offsetUs of history is
	// unread. When force is set the cursor may move back over data the reader
	// has already consumed. It returns the unread duration after the move.
	Adjust(offsetUs uint32, force bool) (uint32, error)

	// RequestResize asks for capacity of us beyond the pre-roll, allocated
	// from heap. Ignored in virtual mode.
	RequestResize(us uint32, heap HeapID) error

	// SortChannels moves the given channels to the front of the read order.
	SortChannels(ids []uint32) error

	// EnableBatching toggles batch streaming with the given period.
	EnableBatching(enable bool, periodUs uint32) error

	Batch() BatchState

	// UnreadBytes is the per-channel unread byte count. It is 0 in virtual
	// mode.
	UnreadBytes() uint32

	// Virtual reports whether the reader is in virtual-writer mode.
	Virtual() bool

	Close()
}

// VirtualSource is the peer-owned circular buffer behind a virtual writer.
type VirtualSource interface {
	// WritePosition is the total number of bytes the peer has written to
	// each channel.
	WritePosition() uint64

	// ReadAt copies channel ch's bytes starting at absolute position pos
	// into p and returns the count copied.
	ReadAt(ch int, p []byte, pos uint64) int
}

// VirtualWriter describes a peer-owned buffer a reader can read directly.
type VirtualWriter struct {
	BaseAddress   uint64
	WriterHandle  uint64
	SizeUs        uint32
	SizeBytes     uint32
	Channels      uint32
	SampleRate    uint32
	BitsPerSample uint32
	QFactor       uint32
	Signed        bool

	// Source resolves the buffer contents. A nil Source reads as silence
	// that never arrives.
	Source VirtualSource
}

// VirtualSourceResolver maps a peer's writer handle and base address to the
// buffer it owns.
type VirtualSourceResolver func(writerHandle, baseAddress uint64) (VirtualSource, error)
