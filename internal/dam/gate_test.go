package dam

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/audiodam/internal/imcl"
	"github.com/MrWong99/audiodam/pkg/audio"
	"github.com/MrWong99/audiodam/pkg/ring/mock"
)

func engineWith(adjust uint32) *mock.Engine {
	return &mock.Engine{ReaderTemplate: mock.Reader{AdjustResult: adjust}}
}

func countEOS(sd *audio.StreamData) int {
	n := 0
	for _, md := range sd.Metadata {
		if md.Kind == audio.MetadataEOS {
			n++
		}
	}
	return n
}

func TestGateOpen_ReportsBacklogAndVotesHigh(t *testing.T) {
	f := newFixture(t, engineWith(30_000), 1)
	f.ready(t, true)

	mustOK(t, f.control(t, flowV2(imcl.GateOpen, 100_000)))

	r := f.eng.LastReader()
	if want := []mock.AdjustCall{{OffsetUs: 100_000}}; !slices.Equal(r.AdjustCalls, want) {
		t.Errorf("adjust calls = %v, want %v", r.AdjustCalls, want)
	}
	if got := f.events.unreadReports(t); !slices.Equal(got, []uint32{30_000}) {
		t.Errorf("unread reports = %v, want [30000]", got)
	}
	if f.events.sent[0].ctrlPortID != ctrlID {
		t.Errorf("report sent on control port %d, want %d", f.events.sent[0].ctrlPortID, ctrlID)
	}
	st := f.inst.OutputState(0)
	if st.Gate != GateOpen || st.BacklogUs != 30_000 {
		t.Errorf("state = %s backlog %d, want open backlog 30000", st.Gate, st.BacklogUs)
	}
	if !slices.Equal(f.events.votes, []uint32{VoteHigh}) {
		t.Errorf("votes = %v, want [%d]", f.events.votes, VoteHigh)
	}
	if f.notifier.pushes() != 1 || !f.inst.PolicyEnabled() {
		t.Errorf("policy pushes = %d enabled %v, want 1 true", f.notifier.pushes(), f.inst.PolicyEnabled())
	}
	if p := f.inst.SignalPolicy(); p.Outputs[0] != AffinityPresent || p.NonTrigger[0] != NonTriggerInvalid {
		t.Errorf("signal policy output 0 = %v/%v, want present/invalid", p.Outputs[0], p.NonTrigger[0])
	}
	if len(r.SortCalls) != 0 {
		t.Errorf("channel order changed without best channels: %v", r.SortCalls)
	}
}

func TestGateOpen_AlreadyOpenIsNoop(t *testing.T) {
	f := newFixture(t, engineWith(30_000), 1)
	f.ready(t, true)
	mustOK(t, f.control(t, flowV2(imcl.GateOpen, 100_000)))
	mustOK(t, f.control(t, flowV2(imcl.GateOpen, 50_000)))

	if n := len(f.eng.LastReader().AdjustCalls); n != 1 {
		t.Errorf("adjust calls = %d, want 1", n)
	}
	if n := len(f.events.unreadReports(t)); n != 1 {
		t.Errorf("unread reports = %d, want 1", n)
	}
	if f.notifier.pushes() != 1 {
		t.Errorf("policy pushes = %d, want 1", f.notifier.pushes())
	}
}

func TestGateOpen_WithoutReaderIgnored(t *testing.T) {
	f := newFixture(t, &mock.Engine{}, 1)
	f.openInput(t)
	f.openOutput(t, 0, outID)

	mustOK(t, f.control(t, flowV2(imcl.GateOpen, 10_000)))
	if st := f.inst.OutputState(0); st.Gate != GateClosed || st.HasReader {
		t.Errorf("state = %+v, want closed without reader", st)
	}
	if len(f.events.sent) != 0 {
		t.Error("unread length sent without reader")
	}
}

func TestGateClose_NotStartedClosesImmediately(t *testing.T) {
	f := newFixture(t, engineWith(10_000), 1)
	f.ready(t, false)
	mustOK(t, f.control(t, flowV2(imcl.GateOpen, 10_000)))
	mustOK(t, f.control(t, flowV2(imcl.GateClose, 0)))

	if st := f.inst.OutputState(0); st.Gate != GateClosed || st.BacklogUs != 0 {
		t.Errorf("state = %s backlog %d, want closed", st.Gate, st.BacklogUs)
	}
	if f.notifier.pushes() != 2 || f.inst.PolicyEnabled() {
		t.Errorf("pushes = %d enabled %v, want 2 false", f.notifier.pushes(), f.inst.PolicyEnabled())
	}
	if u := f.notifier.signal[1]; u.Policy != nil || u.Mode != PolicyOptional {
		t.Errorf("disable push = %+v, want optional with default policy", u)
	}
	if len(f.events.votes) != 0 {
		t.Errorf("votes = %v, want none for a stopped output", f.events.votes)
	}
}

func TestGateClose_StartedEmitsOneEOS(t *testing.T) {
	f := newFixture(t, engineWith(0), 1)
	f.ready(t, true)
	mustOK(t, f.control(t, flowV2(imcl.GateOpen, 0)))
	mustOK(t, f.control(t, flowV2(imcl.GateClose, 0)))

	if st := f.inst.OutputState(0).Gate; st != GatePendingClose {
		t.Fatalf("gate = %s, want pending_close", st)
	}

	out := outputStream(2, 960)
	mustOK(t, f.inst.Process(nil, out))
	if n := countEOS(out[0]); n != 1 {
		t.Fatalf("EOS markers = %d, want 1", n)
	}
	md := out[0].Metadata[0]
	if !md.Flushing || md.SkipVoting {
		t.Errorf("EOS = %+v, want flushing without skip voting", md)
	}
	if f.eng.LastReader().ReadCalls != 0 {
		t.Error("data read on the closing turn")
	}
	if st := f.inst.OutputState(0).Gate; st != GateClosed {
		t.Errorf("gate = %s, want closed", st)
	}

	out = outputStream(2, 960)
	mustOK(t, f.inst.Process(nil, out))
	if n := countEOS(out[0]); n != 0 {
		t.Errorf("EOS markers on next turn = %d, want 0", n)
	}
}

func TestGateClose_FullBufferDefersEOS(t *testing.T) {
	f := newFixture(t, engineWith(0), 1)
	f.ready(t, true)
	mustOK(t, f.control(t, flowV2(imcl.GateOpen, 0)))
	mustOK(t, f.control(t, flowV2(imcl.GateClose, 0)))

	out := outputStream(2, 960)
	out[0].Bufs[0].Filled = 960
	mustOK(t, f.inst.Process(nil, out))
	if countEOS(out[0]) != 0 || f.inst.OutputState(0).Gate != GatePendingClose {
		t.Fatal("close completed into a full buffer")
	}
}

func TestDrainHistory_ClosesAfterBacklog(t *testing.T) {
	eng := engineWith(20_000)
	eng.ReaderTemplate.ReadFunc = mock.FillRead(10_000)
	f := newFixture(t, eng, 1)
	f.ready(t, true)

	mustOK(t, f.control(t, flowV2(imcl.GateDrainHistory, 20_000)))
	if st := f.inst.OutputState(0).Gate; st != GateOpenDrainHistory {
		t.Fatalf("gate = %s, want open_drain_history", st)
	}
	if f.inst.Vote() != VoteHigh {
		t.Fatalf("vote = %d, want high while draining", f.inst.Vote())
	}

	turns := []struct {
		backlog uint32
		gate    GateState
		eos     int
		vote    uint32
	}{
		{backlog: 10_000, gate: GateOpenDrainHistory, vote: VoteHigh},
		{backlog: 0, gate: GatePendingClose, vote: VoteLow},
		{backlog: 0, gate: GateClosed, eos: 1, vote: VoteLow},
	}
	for n, want := range turns {
		out := outputStream(2, 960)
		mustOK(t, f.inst.Process(nil, out))
		st := f.inst.OutputState(0)
		if st.BacklogUs != want.backlog || st.Gate != want.gate || countEOS(out[0]) != want.eos || f.inst.Vote() != want.vote {
			t.Fatalf("turn %d: backlog %d gate %s eos %d vote %d, want %+v",
				n+1, st.BacklogUs, st.Gate, countEOS(out[0]), f.inst.Vote(), want)
		}
	}
	if !slices.Equal(f.events.votes, []uint32{VoteHigh, VoteLow}) {
		t.Errorf("votes = %v, want [high low]", f.events.votes)
	}
}

func TestDrainHistory_EmptyBacklog(t *testing.T) {
	t.Run("started", func(t *testing.T) {
		f := newFixture(t, engineWith(0), 1)
		f.ready(t, true)
		mustOK(t, f.control(t, flowV2(imcl.GateDrainHistory, 20_000)))
		if st := f.inst.OutputState(0).Gate; st != GatePendingClose {
			t.Fatalf("gate = %s, want pending_close", st)
		}
	})
	t.Run("stopped", func(t *testing.T) {
		f := newFixture(t, engineWith(0), 1)
		f.ready(t, false)
		mustOK(t, f.control(t, flowV2(imcl.GateDrainHistory, 20_000)))
		if st := f.inst.OutputState(0).Gate; st != GateClosed {
			t.Fatalf("gate = %s, want closed", st)
		}
	})
}

func TestDrainHistory_OnOpenGate(t *testing.T) {
	f := newFixture(t, engineWith(10_000), 1)
	f.ready(t, true)
	mustOK(t, f.control(t, flowV2(imcl.GateOpen, 10_000)))

	err := f.control(t, flowV2(imcl.GateDrainHistory, 10_000))
	if !errors.Is(err, audio.ErrNeedMore) {
		t.Fatalf("err = %v, want ErrNeedMore", err)
	}
	if st := f.inst.OutputState(0).Gate; st != GateOpen {
		t.Errorf("gate = %s, want open", st)
	}
}

func TestBestChannels_ReorderAndRestore(t *testing.T) {
	f := newFixture(t, engineWith(0), 1)
	f.ready(t, false)
	formats := len(f.events.formats)

	mustOK(t, f.control(t, flowV2(imcl.GateOpen, 0, 2)))
	r := f.eng.LastReader()
	if len(r.SortCalls) != 1 || !slices.Equal(r.SortCalls[0], []uint32{2}) {
		t.Fatalf("sort calls = %v, want [[2]]", r.SortCalls)
	}
	if got := f.inst.OutputState(0).ActualChannels; !slices.Equal(got, []uint32{2}) {
		t.Errorf("actual channels = %v, want [2]", got)
	}
	if len(f.events.formats) != formats+1 {
		t.Fatalf("format events = %d, want %d", len(f.events.formats), formats+1)
	}
	mf := f.events.formats[len(f.events.formats)-1].mf
	if mf.Channels != 1 || !slices.Equal(mf.ChannelTypes, []uint32{2}) {
		t.Errorf("reordered format = %d ch %v, want 1 ch [2]", mf.Channels, mf.ChannelTypes)
	}

	mustOK(t, f.control(t, flowV2(imcl.GateClose, 0)))
	if len(r.SortCalls) != 2 || !slices.Equal(r.SortCalls[1], []uint32{1, 2}) {
		t.Fatalf("sort calls = %v, want restore to [1 2]", r.SortCalls)
	}
	if got := f.inst.OutputState(0).ActualChannels; !slices.Equal(got, []uint32{1, 2}) {
		t.Errorf("actual channels = %v, want [1 2]", got)
	}
	if mf := f.events.formats[len(f.events.formats)-1].mf; mf.Channels != 2 {
		t.Errorf("restored format channels = %d, want 2", mf.Channels)
	}
}

func TestBestChannels_SortFailureKeepsOrder(t *testing.T) {
	eng := engineWith(0)
	eng.ReaderTemplate.SortErr = audio.ErrBadParameter
	f := newFixture(t, eng, 1)
	f.ready(t, false)
	formats := len(f.events.formats)

	mustOK(t, f.control(t, flowV2(imcl.GateOpen, 0, 9)))
	if got := f.inst.OutputState(0).ActualChannels; !slices.Equal(got, []uint32{1, 2}) {
		t.Errorf("actual channels = %v, want [1 2]", got)
	}
	if len(f.events.formats) != formats {
		t.Error("format raised for a failed reorder")
	}
	if st := f.inst.OutputState(0).Gate; st != GateOpen {
		t.Errorf("gate = %s, want open", st)
	}
}

func TestBestChannels_OverlongListOpensWithoutReorder(t *testing.T) {
	f := newFixture(t, engineWith(0), 1)
	f.ready(t, false)

	best := make([]uint32, audio.MaxChannelsPerStream+1)
	for n := range best {
		best[n] = uint32(n%2 + 1)
	}
	mustOK(t, f.control(t, flowV2(imcl.GateOpen, 0, best...)))
	if st := f.inst.OutputState(0).Gate; st != GateOpen {
		t.Errorf("gate = %s, want open", st)
	}
	if r := f.eng.LastReader(); len(r.SortCalls) != 0 {
		t.Errorf("sort calls = %v, want none", r.SortCalls)
	}
	if got := f.inst.OutputState(0).ActualChannels; !slices.Equal(got, []uint32{1, 2}) {
		t.Errorf("actual channels = %v, want [1 2]", got)
	}
}

func TestBatchStream_Vote(t *testing.T) {
	tests := []struct {
		name     string
		periodUs uint32
		want     uint32
	}{
		{name: "long period", periodUs: 60_000, want: VoteHigh},
		{name: "short period", periodUs: 20_000, want: VoteLow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng := engineWith(30_000)
			eng.ReaderTemplate.ReadFunc = mock.FillRead(10_000)
			f := newFixture(t, eng, 1)
			f.ready(t, true)

			mustOK(t, f.control(t, flowV2(imcl.GateBatchStream, tc.periodUs)))
			r := f.eng.LastReader()
			if want := []mock.BatchCall{{Enable: true, PeriodUs: tc.periodUs}}; !slices.Equal(r.BatchCalls, want) {
				t.Fatalf("batch calls = %v, want %v", r.BatchCalls, want)
			}
			if st := f.inst.OutputState(0).Gate; st != GateBatchStream {
				t.Fatalf("gate = %s, want batch_stream", st)
			}
			if f.inst.Vote() != VoteLow {
				t.Fatalf("vote = %d before a batch is pending, want low", f.inst.Vote())
			}

			r.BatchResult.PendingBytes = 960
			mustOK(t, f.inst.Process(nil, outputStream(2, 960)))
			if f.inst.Vote() != tc.want {
				t.Errorf("vote = %d, want %d", f.inst.Vote(), tc.want)
			}

			mustOK(t, f.control(t, flowV2(imcl.GateClose, 0)))
			mustOK(t, f.inst.Process(nil, outputStream(2, 960)))
			if last := r.BatchCalls[len(r.BatchCalls)-1]; last.Enable {
				t.Error("batching still enabled after close")
			}
			if f.inst.Vote() != VoteLow {
				t.Errorf("vote after close = %d, want low", f.inst.Vote())
			}
		})
	}
}

func TestDetectorPeer_ForcedAdjustWithoutReport(t *testing.T) {
	f := newFixture(t, engineWith(50_000), 1)
	f.ready(t, true)

	mustOK(t, f.control(t, peerInfo(true, false, 0), flowV2(imcl.GateOpen, 50_000, 2)))
	r := f.eng.LastReader()
	if want := []mock.AdjustCall{{OffsetUs: 50_000, Force: true}}; !slices.Equal(r.AdjustCalls, want) {
		t.Errorf("adjust calls = %v, want %v", r.AdjustCalls, want)
	}
	if len(f.events.sent) != 0 {
		t.Error("unread length sent to a detector peer")
	}
	if len(r.SortCalls) != 0 {
		t.Error("detector gate open reordered channels")
	}

	mustOK(t, f.control(t, flowV2(imcl.GateClose, 0)))
	out := outputStream(2, 960)
	mustOK(t, f.inst.Process(nil, out))
	if countEOS(out[0]) != 1 || !out[0].Metadata[0].SkipVoting {
		t.Errorf("metadata = %+v, want one EOS with skip voting", out[0].Metadata)
	}
}

func TestFlowCtrlV1(t *testing.T) {
	f := newFixture(t, engineWith(10_000), 1)
	f.ready(t, false)

	mustOK(t, f.control(t, flowV1(true, 10_000)))
	if st := f.inst.OutputState(0).Gate; st != GateOpen {
		t.Fatalf("gate = %s, want open", st)
	}
	mustOK(t, f.control(t, flowV1(false, 0)))
	if st := f.inst.OutputState(0).Gate; st != GateClosed {
		t.Fatalf("gate = %s, want closed", st)
	}
}

func TestFlowCtrlV2_UnknownCommand(t *testing.T) {
	f := newFixture(t, engineWith(10_000), 1)
	f.ready(t, true)

	err := f.control(t, flowV2(imcl.GateCtrl(9), 0))
	if !errors.Is(err, audio.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if st := f.inst.OutputState(0).Gate; st != GateClosed {
		t.Errorf("gate = %s, want closed", st)
	}
}

func TestGateState_String(t *testing.T) {
	for s, want := range map[GateState]string{
		GateClosed:           "closed",
		GateOpenDrainHistory: "open_drain_history",
		GatePendingClose:     "pending_close",
		GateState(42):        "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
