// Package imcl implements the wire format of the inter-module control link
// between the DAM buffer and its detector peers.
//
// A control message is a flat concatenation of records:
//
//	record := opcode u32 | payload_len u32 | payload [payload_len]byte
//
// All integers are little-endian and booleans are encoded as u32 0/1.
// [Scanner] walks the records of a message; the Decode* functions parse the
// payload of a single record and the Encode methods produce it.
package imcl

import (
	"encoding/binary"
	"fmt"

	"github.com/MrWong99/audiodam/pkg/audio"
)

// Opcode identifies the payload of a control record.
type Opcode uint32

const (
	OpResize            Opcode = 0x0800105C
	OpUnreadDataLength  Opcode = 0x0800105D
	OpDataFlowCtrl      Opcode = 0x0800105E
	OpOutputChannelCfg  Opcode = 0x08001067
	OpPeerInfo          Opcode = 0x08001395
	OpDataFlowCtrlV2    Opcode = 0x0800151A
	OpVirtualWriterInfo Opcode = 0x08001A73
)

// String returns a short name for o.
func (o Opcode) String() string {
	switch o {
	case OpResize:
		return "resize"
	case OpUnreadDataLength:
		return "unread_data_length"
	case OpDataFlowCtrl:
		return "data_flow_ctrl"
	case OpOutputChannelCfg:
		return "output_ch_cfg"
	case OpPeerInfo:
		return "peer_info"
	case OpDataFlowCtrlV2:
		return "data_flow_ctrl_v2"
	case OpVirtualWriterInfo:
		return "virtual_writer_info"
	default:
		return fmt.Sprintf("0x%08X", uint32(o))
	}
}

// HeaderSize is the size of a record header in bytes.
const HeaderSize = 8

// Record is one decoded control record. Payload aliases the message buffer.
type Record struct {
	Opcode  Opcode
	Payload []byte
}

// Scanner iterates the records of one control message.
//
//	s := imcl.NewScanner(msg)
//	for s.Next() {
//	    rec := s.Record()
//	    ...
//	}
//	if err := s.Err(); err != nil { ... }
type Scanner struct {
	buf []byte
	off int
	rec Record
	err error
}

// NewScanner returns a scanner over msg.
func NewScanner(msg []byte) *Scanner {
	return &Scanner{buf: msg}
}

// Next advances to the next record. It returns false at the end of the
// message or on a framing error, which [Scanner.Err] then reports.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	remaining := len(s.buf) - s.off
	if remaining == 0 {
		return false
	}
	if remaining < HeaderSize {
		s.err = fmt.Errorf("imcl: %d trailing bytes at offset %d: %w", remaining, s.off, audio.ErrNeedMore)
		return false
	}
	op := Opcode(binary.LittleEndian.Uint32(s.buf[s.off:]))
	n := binary.LittleEndian.Uint32(s.buf[s.off+4:])
	if uint64(n) > uint64(remaining-HeaderSize) {
		s.err = fmt.Errorf("imcl: %s payload of %d bytes exceeds remaining %d: %w",
			op, n, remaining-HeaderSize, audio.ErrBadParameter)
		return false
	}
	start := s.off + HeaderSize
	s.rec = Record{Opcode: op, Payload: s.buf[start : start+int(n)]}
	s.off = start + int(n)
	return true
}

// Record returns the record read by the last successful [Scanner.Next].
func (s *Scanner) Record() Record { return s.rec }

// Offset returns the byte offset just past the current record.
func (s *Scanner) Offset() int { return s.off }

// Err returns the framing error that stopped the scan, if any.
func (s *Scanner) Err() error { return s.err }

// AppendRecord appends a framed record to dst and returns the extended slice.
func AppendRecord(dst []byte, op Opcode, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(op))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// payloadReader consumes fixed-width fields from a payload.
type payloadReader struct {
	p   []byte
	off int
}

func (r *payloadReader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.p[r.off:])
	r.off += 4
	return v
}

func (r *payloadReader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.p[r.off:])
	r.off += 8
	return v
}

func (r *payloadReader) flag() bool { return r.u32() != 0 }

func need(op Opcode, p []byte, n int) error {
	if len(p) < n {
		return fmt.Errorf("imcl: %s payload of %d bytes, need %d: %w", op, len(p), n, audio.ErrNeedMore)
	}
	return nil
}

func appendFlag(dst []byte, v bool) []byte {
	if v {
		return binary.LittleEndian.AppendUint32(dst, 1)
	}
	return binary.LittleEndian.AppendUint32(dst, 0)
}

func channelList(op Opcode, r *payloadReader, n uint32) ([]uint32, error) {
	if n > audio.MaxChannelsPerStream {
		return nil, fmt.Errorf("imcl: %s lists %d channels, max %d: %w", op, n, audio.MaxChannelsPerStream, audio.ErrBadParameter)
	}
	return readChannels(op, r, n)
}

// readChannels reads n channel ids without bounding n.
func readChannels(op Opcode, r *payloadReader, n uint32) ([]uint32, error) {
	if err := need(op, r.p, r.off+int(n)*4); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = r.u32()
	}
	return ids, nil
}
