// Package audio defines the data-plane types shared by the DAM buffer core,
// the ring storage engine and hosts: media formats, per-channel stream
// buffers, in-band metadata markers and the framework-wide result codes.
package audio

import "fmt"

// MaxChannelsPerStream is the largest channel count a single stream may carry.
const MaxChannelsPerStream = 32

// DataFormat is the top-level kind of a media format.
type DataFormat int

const (
	FormatUnknown DataFormat = iota
	// FormatFixedPoint is deinterleaved, unpacked fixed-point PCM.
	FormatFixedPoint
	// FormatRawCompressed is an encoded bitstream carried as opaque frames.
	FormatRawCompressed
)

// String returns a lower-case name for f.
func (f DataFormat) String() string {
	switch f {
	case FormatFixedPoint:
		return "fixed_point"
	case FormatRawCompressed:
		return "raw_compressed"
	default:
		return "unknown"
	}
}

// Codec identifies the bitstream format of a stream.
type Codec uint32

const (
	CodecUnknown Codec = iota
	CodecPCM
	CodecG722
)

// String returns a lower-case name for c.
func (c Codec) String() string {
	switch c {
	case CodecPCM:
		return "pcm"
	case CodecG722:
		return "g722"
	default:
		return fmt.Sprintf("codec(%d)", uint32(c))
	}
}

// MediaFormat describes the layout of a stream as announced by a producer.
// For raw-compressed streams only Format, Codec and Channels are meaningful.
type MediaFormat struct {
	Format        DataFormat
	Codec         Codec
	SampleRate    uint32
	BitsPerSample uint32
	QFactor       uint32
	Signed        bool
	Interleaved   bool
	Channels      int

	// ChannelTypes holds one channel type (speaker position) per channel.
	ChannelTypes []uint32
}

// BytesPerSample is 2 for 16-bit samples and 4 for anything wider.
func (m MediaFormat) BytesPerSample() uint32 {
	if m.BitsPerSample == 16 {
		return 2
	}
	return 4
}

// String returns a compact description such as "pcm/48000Hz/16bit/2ch".
func (m MediaFormat) String() string {
	if m.Format == FormatRawCompressed {
		return fmt.Sprintf("%s/%dch", m.Codec, m.Channels)
	}
	return fmt.Sprintf("%s/%dHz/%dbit/%dch", m.Codec, m.SampleRate, m.BitsPerSample, m.Channels)
}

// Buffer is a single channel's data for one process turn.
type Buffer struct {
	// Data is the backing storage; len(Data) is the buffer capacity.
	Data []byte

	// Filled is the number of valid bytes at the front of Data.
	Filled int
}

// NewBuffer allocates an empty buffer with the given capacity in bytes.
func NewBuffer(capacity int) Buffer {
	return Buffer{Data: make([]byte, capacity)}
}

// Bytes returns the valid portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.Data[:b.Filled] }

// Space returns the number of bytes that can still be written.
func (b *Buffer) Space() int { return len(b.Data) - b.Filled }

// Full reports whether no more bytes can be written.
func (b *Buffer) Full() bool { return b.Filled >= len(b.Data) }

// MetadataKind identifies an in-band metadata marker.
type MetadataKind int

const (
	// MetadataEOS marks the end of a stream segment.
	MetadataEOS MetadataKind = iota + 1
	// MetadataEncoderFrameLength carries the frame geometry of a compressed
	// stream.
	MetadataEncoderFrameLength
)

// FrameLength is the geometry of one encoded frame.
type FrameLength struct {
	DurationUs uint32
	MaxBytes   uint32
}

// Metadata is a marker travelling with a stream buffer.
type Metadata struct {
	Kind MetadataKind

	// Flushing is set on EOS markers that require downstream to drain.
	Flushing bool

	// SkipVoting asks the scheduler not to re-vote clocks for this EOS.
	SkipVoting bool

	// FrameLength is valid for MetadataEncoderFrameLength.
	FrameLength FrameLength
}

// StreamData is the per-port payload exchanged on each process turn.
type StreamData struct {
	Bufs []Buffer

	// TimestampUs is the presentation time of the first sample in Bufs.
	TimestampUs    int64
	TimestampValid bool

	Metadata []Metadata
}

// NewStreamData allocates a stream with channels buffers of capacity bytes.
func NewStreamData(channels, capacity int) *StreamData {
	s := &StreamData{Bufs: make([]Buffer, channels)}
	for i := range s.Bufs {
		s.Bufs[i] = NewBuffer(capacity)
	}
	return s
}

// Reset marks every buffer empty and drops metadata.
func (s *StreamData) Reset() {
	for i := range s.Bufs {
		s.Bufs[i].Filled = 0
	}
	s.Metadata = s.Metadata[:0]
	s.TimestampValid = false
	s.TimestampUs = 0
}

// HasEOS reports whether s carries an EOS marker.
func (s *StreamData) HasEOS() bool {
	for _, md := range s.Metadata {
		if md.Kind == MetadataEOS {
			return true
		}
	}
	return false
}
