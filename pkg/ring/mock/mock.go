// Package mock provides recording implementations of the [ring.Engine],
// [ring.Writer] and [ring.Reader] interfaces for use in unit tests.
//
// The mocks record every method call so that tests can assert on call counts
// and arguments, and they expose exported fields that the test can set to
// control return values. They are not safe for concurrent use; the DAM core
// drives them from a single goroutine.
//
// Typical usage:
//
//	eng := &mock.Engine{}
//	inst, _ := dam.New(dam.Config{Engine: eng, ...})
//	// ... drive the instance ...
//	r := eng.LastReader()
//	if len(r.ResizeCalls) != 1 { t.Fatal("resize not replayed") }
package mock

import (
	"slices"

	"github.com/MrWong99/audiodam/pkg/audio"
	"github.com/MrWong99/audiodam/pkg/ring"
)

// ─── Engine ───────────────────────────────────────────────────────────────────

// Engine is a mock implementation of [ring.Engine].
type Engine struct {
	// NewWriterErr is returned by [Engine.NewWriter] when non-nil.
	NewWriterErr error

	// NewReaderErr is returned by [Engine.NewReader] when non-nil.
	NewReaderErr error

	// ReaderTemplate seeds every reader created by [Engine.NewReader]: its
	// Result fields and ReadFunc are copied into the new reader.
	ReaderTemplate Reader

	// Writers records every writer created, in order.
	Writers []*Writer

	// Readers records every reader created, in order.
	Readers []*Reader

	// PCMFormats records the arguments of each SetPCMFormat call.
	PCMFormats [][2]uint32

	// RawFormats records the arguments of each SetRawCompressedFormat call.
	RawFormats [][2]uint32
}

// NewWriter implements [ring.Engine].
func (e *Engine) NewWriter(channelIDs []uint32) (ring.Writer, error) {
	if e.NewWriterErr != nil {
		return nil, e.NewWriterErr
	}
	w := &Writer{IDs: slices.Clone(channelIDs)}
	e.Writers = append(e.Writers, w)
	return w, nil
}

// NewReader implements [ring.Engine].
func (e *Engine) NewReader(cfg ring.ReaderConfig) (ring.Reader, error) {
	if e.NewReaderErr != nil {
		return nil, e.NewReaderErr
	}
	r := &Reader{
		Config:            cfg,
		IDs:               slices.Clone(cfg.ChannelIDs),
		AdjustResult:      e.ReaderTemplate.AdjustResult,
		UnreadBytesResult: e.ReaderTemplate.UnreadBytesResult,
		ReadFunc:          e.ReaderTemplate.ReadFunc,
		SortErr:           e.ReaderTemplate.SortErr,
	}
	e.Readers = append(e.Readers, r)
	return r, nil
}

// SetPCMFormat implements [ring.Engine].
func (e *Engine) SetPCMFormat(sampleRate, bytesPerSample uint32) error {
	e.PCMFormats = append(e.PCMFormats, [2]uint32{sampleRate, bytesPerSample})
	return nil
}

// SetRawCompressedFormat implements [ring.Engine].
func (e *Engine) SetRawCompressedFormat(frameUs, maxFrameBytes uint32) error {
	e.RawFormats = append(e.RawFormats, [2]uint32{frameUs, maxFrameBytes})
	return nil
}

// LastReader returns the most recently created reader, or nil.
func (e *Engine) LastReader() *Reader {
	if len(e.Readers) == 0 {
		return nil
	}
	return e.Readers[len(e.Readers)-1]
}

// LiveWriters returns the writers that have not been closed.
func (e *Engine) LiveWriters() []*Writer {
	var out []*Writer
	for _, w := range e.Writers {
		if !w.Closed {
			out = append(out, w)
		}
	}
	return out
}

// ─── Writer ───────────────────────────────────────────────────────────────────

// Writer is a mock implementation of [ring.Writer].
type Writer struct {
	IDs []uint32

	// Writes records the per-channel byte counts of each Write call.
	Writes [][]int

	Closed bool
}

// ChannelIDs implements [ring.Writer].
func (w *Writer) ChannelIDs() []uint32 { return w.IDs }

// Write implements [ring.Writer].
func (w *Writer) Write(bufs []audio.Buffer, _ int64, _ bool) error {
	n := make([]int, 0, len(bufs))
	for i := range bufs {
		if i >= len(w.IDs) {
			break
		}
		n = append(n, bufs[i].Filled)
	}
	w.Writes = append(w.Writes, n)
	return nil
}

// Close implements [ring.Writer].
func (w *Writer) Close() { w.Closed = true }

// ─── Reader ───────────────────────────────────────────────────────────────────

// AdjustCall records one Adjust invocation.
type AdjustCall struct {
	OffsetUs uint32
	Force    bool
}

// ResizeCall records one RequestResize invocation.
type ResizeCall struct {
	Us   uint32
	Heap ring.HeapID
}

// BatchCall records one EnableBatching invocation.
type BatchCall struct {
	Enable   bool
	PeriodUs uint32
}

// Reader is a mock implementation of [ring.Reader].
type Reader struct {
	Config ring.ReaderConfig
	IDs    []uint32

	// AdjustResult is the unread duration returned by Adjust.
	AdjustResult uint32

	// UnreadBytesResult is returned by UnreadBytes.
	UnreadBytesResult uint32

	// SortErr is returned by SortChannels when non-nil.
	SortErr error

	// ReadFunc, when set, implements Read. Otherwise Read reports
	// [audio.ErrNeedMore].
	ReadFunc func(bufs []audio.Buffer) (ring.ReadResult, error)

	// State reported by Batch; EnableBatching updates Streaming and PeriodUs.
	BatchResult ring.BatchState

	AdjustCalls []AdjustCall
	ResizeCalls []ResizeCall
	SortCalls   [][]uint32
	BatchCalls  []BatchCall
	ReadCalls   int
	Closed      bool
}

// Read implements [ring.Reader].
func (r *Reader) Read(bufs []audio.Buffer) (ring.ReadResult, error) {
	r.ReadCalls++
	if r.ReadFunc != nil {
		return r.ReadFunc(bufs)
	}
	return ring.ReadResult{}, audio.ErrNeedMore
}

// Adjust implements [ring.Reader].
func (r *Reader) Adjust(offsetUs uint32, force bool) (uint32, error) {
	r.AdjustCalls = append(r.AdjustCalls, AdjustCall{OffsetUs: offsetUs, Force: force})
	return r.AdjustResult, nil
}

// RequestResize implements [ring.Reader].
func (r *Reader) RequestResize(us uint32, heap ring.HeapID) error {
	r.ResizeCalls = append(r.ResizeCalls, ResizeCall{Us: us, Heap: heap})
	return nil
}

// SortChannels implements [ring.Reader].
func (r *Reader) SortChannels(ids []uint32) error {
	r.SortCalls = append(r.SortCalls, slices.Clone(ids))
	return r.SortErr
}

// EnableBatching implements [ring.Reader].
func (r *Reader) EnableBatching(enable bool, periodUs uint32) error {
	r.BatchCalls = append(r.BatchCalls, BatchCall{Enable: enable, PeriodUs: periodUs})
	r.BatchResult.Streaming = enable
	r.BatchResult.PeriodUs = periodUs
	return nil
}

// Batch implements [ring.Reader].
func (r *Reader) Batch() ring.BatchState { return r.BatchResult }

// UnreadBytes implements [ring.Reader].
func (r *Reader) UnreadBytes() uint32 { return r.UnreadBytesResult }

// Virtual implements [ring.Reader].
func (r *Reader) Virtual() bool { return r.Config.Virtual != nil }

// Close implements [ring.Reader].
func (r *Reader) Close() { r.Closed = true }

// FillRead returns a ReadFunc that fills every buffer completely and reports
// frameUs per read.
func FillRead(frameUs uint32) func([]audio.Buffer) (ring.ReadResult, error) {
	return func(bufs []audio.Buffer) (ring.ReadResult, error) {
		for i := range bufs {
			bufs[i].Filled = len(bufs[i].Data)
		}
		return ring.ReadResult{FrameUs: frameUs}, nil
	}
}
