package ring

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/audiodam/pkg/audio"
)

const (
	// DefaultChunkSize is the allocation granularity of PCM channel buffers.
	DefaultChunkSize = 4096

	// rawFrameHeader prefixes each stored compressed frame: magic u32, len u32.
	rawFrameHeader = 8
	rawFrameMagic  = 0xDA3F7A3E
)

// Compile-time interface assertions.
var (
	_ Engine = (*Memory)(nil)
	_ Writer = (*memWriter)(nil)
	_ Reader = (*memReader)(nil)
)

// MemoryOption configures a [Memory] engine during construction.
type MemoryOption func(*Memory)

// WithChunkSize sets the allocation granularity for PCM channel buffers.
func WithChunkSize(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithLogger sets the logger used for resize and overrun diagnostics.
func WithLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) {
		if l != nil {
			m.log = l
		}
	}
}

// Memory is an in-process [Engine]. Each channel id owns one circular byte
// buffer sized to the largest demand of the readers attached to it. When a
// buffer is full the oldest bytes are overwritten and lagging readers are
// pushed forward.
//
// All exported methods are safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	chunkSize int
	log       *slog.Logger

	raw        bool
	bytesPerMs uint32
	frameUs    uint32
	frameBytes uint32

	channels map[uint32]*channel
	readers  map[*memReader]struct{}
}

// NewMemory creates an empty engine. Until a format is set every buffer holds
// a single chunk.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		chunkSize: DefaultChunkSize,
		log:       slog.Default(),
		channels:  make(map[uint32]*channel),
		readers:   make(map[*memReader]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetPCMFormat implements [Engine].
func (m *Memory) SetPCMFormat(sampleRate, bytesPerSample uint32) error {
	if sampleRate == 0 || bytesPerSample == 0 {
		return fmt.Errorf("ring: pcm format %d Hz x %d bytes: %w", sampleRate, bytesPerSample, audio.ErrBadParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = false
	m.bytesPerMs = audio.BytesPerMs(sampleRate, bytesPerSample)
	m.resizeAllLocked()
	return nil
}

// SetRawCompressedFormat implements [Engine].
func (m *Memory) SetRawCompressedFormat(frameUs, maxFrameBytes uint32) error {
	if frameUs == 0 || maxFrameBytes == 0 {
		return fmt.Errorf("ring: raw frame %d us x %d bytes: %w", frameUs, maxFrameBytes, audio.ErrBadParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = true
	m.frameUs = frameUs
	m.frameBytes = maxFrameBytes
	// Stored records are fixed size, so existing data no longer lines up.
	for _, ch := range m.channels {
		ch.data = make([]byte, m.alignLocked())
		ch.written = 0
		ch.valid = 0
	}
	for r := range m.readers {
		for i := range r.pos {
			r.pos[i] = 0
		}
	}
	m.resizeAllLocked()
	return nil
}

// NewWriter implements [Engine].
func (m *Memory) NewWriter(channelIDs []uint32) (Writer, error) {
	if len(channelIDs) == 0 {
		return nil, fmt.Errorf("ring: writer without channels: %w", audio.ErrBadParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range channelIDs {
		m.channelLocked(id)
	}
	return &memWriter{m: m, ids: slices.Clone(channelIDs)}, nil
}

// NewReader implements [Engine].
func (m *Memory) NewReader(cfg ReaderConfig) (Reader, error) {
	if len(cfg.ChannelIDs) == 0 {
		return nil, fmt.Errorf("ring: reader without channels: %w", audio.ErrBadParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &memReader{
		m:         m,
		ids:       slices.Clone(cfg.ChannelIDs),
		pos:       make([]uint64, len(cfg.ChannelIDs)),
		preRollUs: cfg.PreRollUs,
		heap:      cfg.Heap,
	}
	if cfg.Virtual != nil {
		v := *cfg.Virtual
		r.virt = &v
		if v.Source != nil {
			r.virtPos = v.Source.WritePosition()
		}
		m.readers[r] = struct{}{}
		return r, nil
	}
	for i, id := range r.ids {
		r.pos[i] = m.channelLocked(id).written
	}
	m.readers[r] = struct{}{}
	m.resizeLocked(r.ids)
	return r, nil
}

// Capacity returns the current buffer size of channel id in bytes, or 0 if
// the channel does not exist.
func (m *Memory) Capacity(id uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[id]; ok {
		return len(ch.data)
	}
	return 0
}

func (m *Memory) channelLocked(id uint32) *channel {
	ch, ok := m.channels[id]
	if !ok {
		ch = &channel{id: id, data: make([]byte, m.alignLocked())}
		m.channels[id] = ch
	}
	return ch
}

// alignLocked is the allocation granularity: one chunk for PCM, one stored
// record for compressed streams.
func (m *Memory) alignLocked() int {
	if m.raw {
		return int(m.frameBytes) + rawFrameHeader
	}
	return m.chunkSize
}

func (m *Memory) toBytesLocked(us uint32) uint32 {
	if m.raw {
		if m.frameUs == 0 {
			return 0
		}
		return (us / m.frameUs) * (m.frameBytes + rawFrameHeader)
	}
	return audio.UsToBytes(us, m.bytesPerMs)
}

func (m *Memory) toUsLocked(n uint32) uint32 {
	if m.raw {
		rec := m.frameBytes + rawFrameHeader
		return (n / rec) * m.frameUs
	}
	return audio.BytesToUs(n, m.bytesPerMs)
}

func (m *Memory) resizeAllLocked() {
	ids := make([]uint32, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.resizeLocked(ids)
}

// resizeLocked sizes each listed channel to the largest demand of its
// readers, rounded up to the allocation granularity.
func (m *Memory) resizeLocked(ids []uint32) {
	align := m.alignLocked()
	for _, id := range ids {
		ch, ok := m.channels[id]
		if !ok {
			continue
		}
		need := 0
		heap := DefaultHeap
		for r := range m.readers {
			if r.virt != nil || !slices.Contains(r.ids, id) {
				continue
			}
			if n := int(m.toBytesLocked(r.preRollUs + r.resizeUs)); n > need {
				need = n
				heap = r.heap
			}
		}
		size := max(align, (need+align-1)/align*align)
		if size == len(ch.data) {
			continue
		}
		ch.resize(size)
		ch.heap = heap
		m.log.Debug("ring: channel resized", "channel", id, "bytes", size, "heap", heap)
	}
}

// channel is one circular byte buffer. written counts every byte ever
// appended, so positions are absolute and never wrap. valid counts the
// newest bytes actually held, which a grow does not extend.
type channel struct {
	id      uint32
	data    []byte
	written uint64
	valid   uint64
	heap    HeapID

	// timestamp at the end of the most recent write
	timestampUs int64
	tsValid     bool
}

func (c *channel) stored() uint64 { return c.valid }

func (c *channel) write(p []byte) {
	size := uint64(len(c.data))
	if size == 0 {
		c.written += uint64(len(p))
		return
	}
	if uint64(len(p)) > size {
		c.written += uint64(len(p)) - size
		p = p[uint64(len(p))-size:]
	}
	c.valid = min(c.valid+uint64(len(p)), size)
	for len(p) > 0 {
		n := copy(c.data[c.written%size:], p)
		p = p[n:]
		c.written += uint64(n)
	}
}

func (c *channel) readAt(p []byte, pos uint64) {
	size := uint64(len(c.data))
	if size == 0 {
		return
	}
	for len(p) > 0 {
		n := copy(p, c.data[pos%size:])
		p = p[n:]
		pos += uint64(n)
	}
}

// resize reallocates the buffer keeping the newest bytes at their absolute
// positions.
func (c *channel) resize(size int) {
	keep := min(c.stored(), uint64(size))
	tmp := make([]byte, keep)
	c.readAt(tmp, c.written-keep)
	c.data = make([]byte, size)
	c.valid = keep
	pos := c.written - keep
	for len(tmp) > 0 {
		n := copy(c.data[pos%uint64(size):], tmp)
		tmp = tmp[n:]
		pos += uint64(n)
	}
}

type memWriter struct {
	m      *Memory
	ids    []uint32
	closed bool
}

func (w *memWriter) ChannelIDs() []uint32 { return w.ids }

func (w *memWriter) Write(bufs []audio.Buffer, timestampUs int64, timestampValid bool) error {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.closed {
		return fmt.Errorf("ring: write on closed writer: %w", audio.ErrNotReady)
	}
	for i, id := range w.ids {
		if i >= len(bufs) {
			break
		}
		data := bufs[i].Bytes()
		if len(data) == 0 {
			continue
		}
		ch := m.channelLocked(id)
		var durUs uint32
		if m.raw {
			if uint32(len(data)) > m.frameBytes {
				return fmt.Errorf("ring: compressed frame of %d bytes exceeds %d: %w", len(data), m.frameBytes, audio.ErrBadParameter)
			}
			rec := make([]byte, m.frameBytes+rawFrameHeader)
			binary.LittleEndian.PutUint32(rec[0:], rawFrameMagic)
			binary.LittleEndian.PutUint32(rec[4:], uint32(len(data)))
			copy(rec[rawFrameHeader:], data)
			ch.write(rec)
			durUs = m.frameUs
		} else {
			ch.write(data)
			durUs = m.toUsLocked(uint32(len(data)))
		}
		ch.timestampUs = timestampUs + int64(durUs)
		ch.tsValid = timestampValid
	}
	return nil
}

func (w *memWriter) Close() {
	w.m.mu.Lock()
	w.closed = true
	w.m.mu.Unlock()
}

type memReader struct {
	m         *Memory
	ids       []uint32
	pos       []uint64
	preRollUs uint32
	resizeUs  uint32
	heap      HeapID
	batch     BatchState
	closed    bool

	virt    *VirtualWriter
	virtPos uint64
}

// unreadLocked returns channel i's unread byte count, pushing the cursor
// forward first if the writer lapped it.
func (r *memReader) unreadLocked(i int) uint32 {
	ch, ok := r.m.channels[r.ids[i]]
	if !ok {
		return 0
	}
	if r.pos[i] > ch.written {
		r.pos[i] = ch.written
	}
	if lag := ch.written - r.pos[i]; lag > ch.stored() {
		r.m.log.Debug("ring: reader overrun", "channel", ch.id, "lost_bytes", lag-ch.stored())
		r.pos[i] = ch.written - ch.stored()
	}
	return uint32(ch.written - r.pos[i])
}

func (r *memReader) minUnreadLocked(n int) uint32 {
	least := ^uint32(0)
	for i := range n {
		least = min(least, r.unreadLocked(i))
	}
	return least
}

func (r *memReader) Read(bufs []audio.Buffer) (ReadResult, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.closed {
		return ReadResult{}, fmt.Errorf("ring: read on closed reader: %w", audio.ErrNotReady)
	}
	n := min(len(bufs), len(r.ids))
	if n == 0 {
		return ReadResult{}, fmt.Errorf("ring: read of zero channels: %w", audio.ErrBadParameter)
	}
	if r.virt != nil {
		return r.readVirtualLocked(bufs[:n])
	}

	unread := r.minUnreadLocked(n)
	var res ReadResult
	if m.raw {
		if err := r.readRawLocked(bufs[:n], unread); err != nil {
			return ReadResult{}, err
		}
		res.FrameUs = m.frameUs
	} else {
		want := uint32(bufs[0].Space())
		if r.batch.Streaming {
			if r.batch.PendingBytes == 0 {
				period := m.toBytesLocked(r.batch.PeriodUs)
				if period == 0 || unread < period {
					return ReadResult{}, audio.ErrNeedMore
				}
				r.batch.PendingBytes = period
			}
			want = min(want, r.batch.PendingBytes)
		}
		if want == 0 || unread < want {
			return ReadResult{}, audio.ErrNeedMore
		}
		for i := range n {
			b := &bufs[i]
			ch := m.channels[r.ids[i]]
			take := min(want, uint32(b.Space()))
			ch.readAt(b.Data[b.Filled:b.Filled+int(take)], r.pos[i])
			r.pos[i] += uint64(take)
			b.Filled += int(take)
		}
		if r.batch.Streaming {
			r.batch.PendingBytes -= want
		}
		res.FrameUs = m.toUsLocked(want)
	}

	ch0 := m.channels[r.ids[0]]
	res.TimestampValid = ch0.tsValid
	res.TimestampUs = ch0.timestampUs - int64(m.toUsLocked(r.unreadLocked(0))+res.FrameUs)
	return res, nil
}

func (r *memReader) readRawLocked(bufs []audio.Buffer, unread uint32) error {
	m := r.m
	rec := m.frameBytes + rawFrameHeader
	if unread < rec {
		return audio.ErrNeedMore
	}
	scratch := make([]byte, rec)
	for i := range bufs {
		ch := m.channels[r.ids[i]]
		ch.readAt(scratch, r.pos[i])
		if binary.LittleEndian.Uint32(scratch[0:]) != rawFrameMagic {
			return fmt.Errorf("ring: corrupt compressed frame on channel %d: %w", ch.id, audio.ErrBadParameter)
		}
		flen := int(binary.LittleEndian.Uint32(scratch[4:]))
		b := &bufs[i]
		if flen > b.Space() {
			return fmt.Errorf("ring: compressed frame of %d bytes does not fit %d: %w", flen, b.Space(), audio.ErrNeedMore)
		}
		copy(b.Data[b.Filled:], scratch[rawFrameHeader:rawFrameHeader+flen])
		b.Filled += flen
		r.pos[i] += uint64(rec)
	}
	return nil
}

func (r *memReader) readVirtualLocked(bufs []audio.Buffer) (ReadResult, error) {
	v := r.virt
	if v.Source == nil {
		return ReadResult{}, audio.ErrNeedMore
	}
	wp := v.Source.WritePosition()
	if r.virtPos > wp {
		r.virtPos = wp
	}
	unread := wp - r.virtPos
	if limit := uint64(v.SizeBytes); unread > limit {
		r.m.log.Debug("ring: virtual buffer overrun", "writer_handle", v.WriterHandle, "lost_bytes", unread-limit)
		r.virtPos = wp - limit
		unread = limit
	}
	if unread == 0 {
		return ReadResult{}, audio.ErrNeedMore
	}
	take := min(unread, uint64(bufs[0].Space()))
	if take == 0 {
		return ReadResult{}, audio.ErrNeedMore
	}
	for i := range bufs {
		b := &bufs[i]
		t := min(take, uint64(b.Space()))
		v.Source.ReadAt(i, b.Data[b.Filled:b.Filled+int(t)], r.virtPos)
		b.Filled += int(t)
	}
	r.virtPos += take
	return ReadResult{FrameUs: audio.BytesToUs(uint32(take), virtualBytesPerMs(v))}, nil
}

func virtualBytesPerMs(v *VirtualWriter) uint32 {
	bps := uint32(4)
	if v.BitsPerSample == 16 {
		bps = 2
	}
	return audio.BytesPerMs(v.SampleRate, bps)
}

func (r *memReader) Adjust(offsetUs uint32, force bool) (uint32, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.closed {
		return 0, fmt.Errorf("ring: adjust on closed reader: %w", audio.ErrNotReady)
	}
	if v := r.virt; v != nil {
		bpms := virtualBytesPerMs(v)
		if v.Source == nil {
			return 0, nil
		}
		wp := v.Source.WritePosition()
		actual := min(uint64(audio.UsToBytes(offsetUs, bpms)), wp, uint64(v.SizeBytes))
		r.virtPos = wp - actual
		return audio.BytesToUs(uint32(actual), bpms), nil
	}

	limit := ^uint32(0)
	for i, id := range r.ids {
		ch, ok := m.channels[id]
		if !ok {
			continue
		}
		if force {
			limit = min(limit, uint32(ch.stored()))
		} else {
			limit = min(limit, r.unreadLocked(i))
		}
	}
	actual := min(m.toBytesLocked(offsetUs), limit)
	if m.raw {
		rec := m.frameBytes + rawFrameHeader
		actual = actual / rec * rec
	}
	for i, id := range r.ids {
		if ch, ok := m.channels[id]; ok {
			r.pos[i] = ch.written - uint64(actual)
		}
	}
	return m.toUsLocked(actual), nil
}

func (r *memReader) RequestResize(us uint32, heap HeapID) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.virt != nil {
		return nil
	}
	r.resizeUs = us
	r.heap = heap
	m.resizeLocked(r.ids)
	return nil
}

func (r *memReader) SortChannels(ids []uint32) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	order := make([]int, 0, len(r.ids))
	for _, id := range ids {
		i := slices.Index(r.ids, id)
		if i < 0 {
			return fmt.Errorf("ring: sort by unknown channel %d: %w", id, audio.ErrBadParameter)
		}
		if !slices.Contains(order, i) {
			order = append(order, i)
		}
	}
	for i := range r.ids {
		if !slices.Contains(order, i) {
			order = append(order, i)
		}
	}
	newIDs := make([]uint32, len(r.ids))
	newPos := make([]uint64, len(r.pos))
	for j, i := range order {
		newIDs[j] = r.ids[i]
		newPos[j] = r.pos[i]
	}
	r.ids, r.pos = newIDs, newPos
	return nil
}

func (r *memReader) EnableBatching(enable bool, periodUs uint32) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if !enable {
		periodUs = 0
	}
	r.batch = BatchState{Streaming: enable, PeriodUs: periodUs}
	return nil
}

func (r *memReader) Batch() BatchState {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.batch
}

func (r *memReader) UnreadBytes() uint32 {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.virt != nil || len(r.ids) == 0 {
		return 0
	}
	return r.unreadLocked(0)
}

func (r *memReader) Virtual() bool { return r.virt != nil }

func (r *memReader) Close() {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	delete(m.readers, r)
	if r.virt == nil {
		m.resizeLocked(r.ids)
	}
}
