package dam

import (
	"io"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/audiodam/internal/imcl"
	"github.com/MrWong99/audiodam/internal/observe"
	"github.com/MrWong99/audiodam/pkg/audio"
	"github.com/MrWong99/audiodam/pkg/ring"
	"github.com/MrWong99/audiodam/pkg/ring/mock"
)

// ─── Recording collaborators ──────────────────────────────────────────────────

type sentMsg struct {
	ctrlPortID uint32
	msg        []byte
}

type formatEvent struct {
	index int
	mf    audio.MediaFormat
}

type recordingEvents struct {
	formats     []formatEvent
	sent        []sentMsg
	votes       []uint32
	dataTrigger [][2]bool
	sendErr     error
}

func (e *recordingEvents) OutputMediaFormat(idx int, mf audio.MediaFormat) {
	e.formats = append(e.formats, formatEvent{index: idx, mf: mf})
}

func (e *recordingEvents) SendControl(ctrlPortID uint32, msg []byte) error {
	e.sent = append(e.sent, sentMsg{ctrlPortID: ctrlPortID, msg: msg})
	return e.sendErr
}

func (e *recordingEvents) ComputeVote(kpps uint32) { e.votes = append(e.votes, kpps) }

func (e *recordingEvents) DataTriggerInSignalContainer(in, out bool) {
	e.dataTrigger = append(e.dataTrigger, [2]bool{in, out})
}

// unreadReports decodes every UNREAD_DATA_LENGTH message sent.
func (e *recordingEvents) unreadReports(t *testing.T) []uint32 {
	t.Helper()
	var out []uint32
	for _, m := range e.sent {
		s := imcl.NewScanner(m.msg)
		for s.Next() {
			if s.Record().Opcode != imcl.OpUnreadDataLength {
				continue
			}
			u, err := imcl.DecodeUnreadDataLength(s.Record().Payload)
			if err != nil {
				t.Fatalf("decode unread data length: %v", err)
			}
			out = append(out, u.UnreadUs)
		}
	}
	return out
}

type recordingNotifier struct {
	signal []PolicyUpdate
	data   []PolicyUpdate
}

func (n *recordingNotifier) SignalTriggerPolicy(u PolicyUpdate) { n.signal = append(n.signal, u) }
func (n *recordingNotifier) DataTriggerPolicy(u PolicyUpdate) { n.data = append(n.data, u) }

func (n *recordingNotifier) pushes() int { return len(n.signal) }

// ─── Fixture ──────────────────────────────────────────────────────────────────

const (
	inID   = 2
	outID  = 1
	out2ID = 3
	ctrlID = 5
)

var pcm48k = audio.MediaFormat{
	Format:        audio.FormatFixedPoint,
	Codec:         audio.CodecPCM,
	SampleRate:    48000,
	BitsPerSample: 16,
	QFactor:       15,
	Signed:        true,
	Channels:      2,
}

type fixture struct {
	inst     *Instance
	eng      *mock.Engine
	events   *recordingEvents
	notifier *recordingNotifier
}

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newFixture(t *testing.T, eng ring.Engine, maxOut int) *fixture {
	t.Helper()
	ev := &recordingEvents{}
	n := &recordingNotifier{}
	inst, err := New(Config{
		MaxInputPorts:  1,
		MaxOutputPorts: maxOut,
		Heap:           1,
		Engine:         eng,
		Events:         ev,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:        newTestMetrics(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	inst.SetPolicyNotifier(n)
	f := &fixture{inst: inst, events: ev, notifier: n}
	if m, ok := eng.(*mock.Engine); ok {
		f.eng = m
	}
	return f
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// openInput opens and starts input 2 with channels {1,2} in PCM 48k/16.
func (f *fixture) openInput(t *testing.T) {
	t.Helper()
	mustOK(t, f.inst.PortOp(PortOpen, true, 0, inID))
	mustOK(t, f.inst.SetInputChannels([]InputChannels{{PortID: inID, ChannelIDs: []uint32{1, 2}}}))
	mustOK(t, f.inst.SetInputFormat(0, pcm48k))
	mustOK(t, f.inst.PortOp(PortStart, true, 0, inID))
}

// openOutput opens output id at index, maps {1→1, 2→2} and binds it to
// control port 5.
func (f *fixture) openOutput(t *testing.T, index int, id uint32) {
	t.Helper()
	mustOK(t, f.inst.PortOp(PortOpen, false, index, id))
	mustOK(t, f.inst.SetOutputChannels([]OutputChannels{{PortID: id, Map: []ChannelMap{{1, 1}, {2, 2}}}}))
	mustOK(t, f.inst.BindControlPorts([]ControlBinding{{OutputPortID: id, ControlPortID: ctrlID}}))
}

// ready builds the full topology: input, output 1 at index 0 and an open
// control port 5.
func (f *fixture) ready(t *testing.T, start bool) {
	t.Helper()
	f.openInput(t)
	f.openOutput(t, 0, outID)
	mustOK(t, f.inst.OpenControlPort(ctrlID, []uint32{1}))
	if start {
		mustOK(t, f.inst.PortOp(PortStart, false, 0, outID))
	}
}

func (f *fixture) control(t *testing.T, records ...[]byte) error {
	t.Helper()
	var msg []byte
	for _, r := range records {
		msg = append(msg, r...)
	}
	return f.inst.HandleControl(t.Context(), ctrlID, msg)
}

func flowV2(ctrl imcl.GateCtrl, offsetUs uint32, best ...uint32) []byte {
	return imcl.AppendRecord(nil, imcl.OpDataFlowCtrlV2,
		imcl.DataFlowCtrlV2{Ctrl: ctrl, ReadOffsetUs: offsetUs, BestChannels: best}.Encode())
}

func flowV1(open bool, offsetUs uint32) []byte {
	return imcl.AppendRecord(nil, imcl.OpDataFlowCtrl, imcl.DataFlowCtrl{GateOpen: open, ReadOffsetUs: offsetUs}.Encode())
}

func peerInfo(detector, heapValid bool, heap uint32) []byte {
	return imcl.AppendRecord(nil, imcl.OpPeerInfo, imcl.PeerInfo{IsDetector: detector, HeapValid: heapValid, HeapID: heap}.Encode())
}

func resizeRec(us uint32) []byte {
	return imcl.AppendRecord(nil, imcl.OpResize, imcl.Resize{ResizeUs: us}.Encode())
}

func outputStream(channels, capacity int) []*audio.StreamData {
	return []*audio.StreamData{audio.NewStreamData(channels, capacity)}
}
