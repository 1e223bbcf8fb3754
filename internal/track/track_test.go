package track

import (
	"testing"

	"github.com/cbegin/mmlfm-go/internal/channel"
	"github.com/cbegin/mmlfm-go/internal/mml"
	"github.com/cbegin/mmlfm-go/internal/reftable"
	"github.com/cbegin/mmlfm-go/internal/wavebank"
)

func newTestTrack(t *testing.T, events []mml.Event, endTick, loopTick, loopIndex int) (*reftable.RefTables, *channel.Channel, *Track) {
	t.Helper()
	rt, err := reftable.New(reftable.DefaultFMClock, reftable.DefaultPSGClock, 44100)
	if err != nil {
		t.Fatal(err)
	}
	wb := wavebank.New(rt)
	ch := channel.New(rt, wb)
	tr := New(rt, ch, wb, events, endTick, loopTick, loopIndex)
	return rt, ch, tr
}

func TestNotEventStartsChannel(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 100},
	}
	_, ch, tr := newTestTrack(t, events, 100, -1, -1)
	tr.AdvanceTick(0)
	if ch.Idle() {
		t.Error("channel should be active right after a note event fires")
	}
	if !tr.noteActive {
		t.Error("expected noteActive to be true after playNote")
	}
}

func TestHostQuantizeSchedulesEarlyNoteOff(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 100},
	}
	_, _, tr := newTestTrack(t, events, 100, -1, -1)
	tr.SetQuantize(4, 0) // half gate for a host-driven stream
	tr.AdvanceTick(0)
	if !tr.hasScheduledOff {
		t.Fatal("quantize ratio < 8 should schedule an automatic note-off")
	}
	if tr.noteOffAtTick != 50 {
		t.Errorf("noteOffAtTick = %d, want 50 (half of duration 100)", tr.noteOffAtTick)
	}
}

func TestNoteSchedulesOffAtGateEnd(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 100},
	}
	_, _, tr := newTestTrack(t, events, 100, -1, -1)
	tr.AdvanceTick(0)
	if !tr.hasScheduledOff || tr.noteOffAtTick != 100 {
		t.Errorf("note should key off when its gate elapses: scheduled=%v at=%d",
			tr.hasScheduledOff, tr.noteOffAtTick)
	}
}

func TestQuantizeEventDoesNotRegate(t *testing.T) {
	// The compiler already folds q into each note's Duration; the event
	// must not shorten the gate a second time.
	events := []mml.Event{
		{Type: mml.EventQuantize, Tick: 0, Value: 4},
		{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 50},
	}
	_, _, tr := newTestTrack(t, events, 100, -1, -1)
	tr.AdvanceTick(0)
	if tr.noteOffAtTick != 50 {
		t.Errorf("noteOffAtTick = %d, want the compiler-gated 50", tr.noteOffAtTick)
	}
}

func TestAutomaticNoteOffFiresAtScheduledTick(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 50},
	}
	_, _, tr := newTestTrack(t, events, 100, -1, -1)
	tr.AdvanceTick(0)
	for tick := 1; tick <= 49; tick++ {
		tr.AdvanceTick(tick)
		if !tr.noteActive {
			t.Fatalf("note should still be active at tick %d", tick)
		}
	}
	tr.AdvanceTick(50)
	if tr.noteActive {
		t.Error("note should have been released by the scheduled note-off at tick 50")
	}
}

func TestSlurredNextNoteSuppressesKeyOff(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 50},
		{Type: mml.EventNote, Tick: 50, Note: 62, Duration: 50, Slur: mml.SlurNormal},
	}
	_, _, tr := newTestTrack(t, events, 100, -1, -1)
	tr.AdvanceTick(0)
	if tr.hasScheduledOff {
		t.Error("a note followed by a slurred note must not schedule its own key-off")
	}
}

func TestTrackFinishesWithoutLoop(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 5},
	}
	_, ch, tr := newTestTrack(t, events, 5, -1, -1)
	tr.AdvanceTick(0)
	tr.AdvanceTick(6)
	if !tr.finished {
		t.Error("track should mark finished once past its last event with no loop point")
	}
	// Finished() also requires the channel to have gone idle.
	ch.Operator(0).EG.ForceOff()
	if !tr.Finished() {
		t.Error("expected Finished() once the channel's envelope has also bottomed out")
	}
}

func TestTrackLoopsInsteadOfFinishing(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 5},
		{Type: mml.EventNote, Tick: 10, Note: 64, Duration: 5},
	}
	_, _, tr := newTestTrack(t, events, 15, 10, 1)
	for tick := 0; tick <= 20; tick++ {
		tr.AdvanceTick(tick)
	}
	if tr.finished {
		t.Error("a track with a valid loop point should never set finished")
	}
}

func TestResetRewindsTrackState(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 5},
	}
	_, _, tr := newTestTrack(t, events, 5, -1, -1)
	tr.AdvanceTick(0)
	tr.AdvanceTick(10)
	if !tr.finished {
		t.Fatal("expected track to finish before testing Reset")
	}
	tr.Reset()
	if tr.pos != 0 || tr.tick != 0 || tr.finished || tr.noteActive || tr.hasScheduledOff {
		t.Errorf("Reset left unexpected state: pos=%d tick=%d finished=%v noteActive=%v scheduledOff=%v",
			tr.pos, tr.tick, tr.finished, tr.noteActive, tr.hasScheduledOff)
	}
	tr.AdvanceTick(0)
	if !tr.noteActive {
		t.Error("expected track to replay its first event after Reset")
	}
}

func TestTransposeShiftsKeyCode(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventTranspose, Tick: 0, Value: 12},
		{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 10},
	}
	_, _, tr := newTestTrack(t, events, 10, -1, -1)
	tr.AdvanceTick(0)
	if tr.lastNote != 72 {
		t.Errorf("lastNote = %d, want 72 (60 transposed by +12)", tr.lastNote)
	}
}

func TestPanEventAppliesToChannel(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventPan, Tick: 0, Value: 10},
	}
	_, ch, tr := newTestTrack(t, events, 0, -1, -1)
	tr.AdvanceTick(0)
	_ = ch
	if tr.pan != 10 {
		t.Errorf("pan = %d, want 10", tr.pan)
	}
}

func TestSilenceGateDetectsQuietAfterLoudSignal(t *testing.T) {
	events := []mml.Event{}
	_, _, tr := newTestTrack(t, events, 0, -1, -1)
	for i := 0; i < 30; i++ {
		if tr.SilenceGatePush(10000) {
			t.Fatalf("gate should not report silence while fed a loud signal (iter %d)", i)
		}
	}
	var gotSilence bool
	for i := 0; i < 30; i++ {
		if tr.SilenceGatePush(0) {
			gotSilence = true
		}
	}
	if !gotSilence {
		t.Error("gate should report silence once the loud window has fully drained to zero")
	}
}

// TestDefaultVoiceMatchesS2: a fresh track plays 1
// operator, sine, AR=63, DR=0, SL=0, RR=28, TL=0 before any @-command.
func TestDefaultVoiceMatchesS2(t *testing.T) {
	_, _, tr := newTestTrack(t, nil, 0, -1, -1)
	v := tr.voice
	if v.opCount != 1 {
		t.Errorf("opCount = %d, want 1", v.opCount)
	}
	op := v.ops[0]
	if op.attackRate != 63 || op.decayRate != 0 || op.sustainRate != 0 || op.releaseRate != 28 {
		t.Errorf("default ADSR = %+v, want AR=63 DR=0 SR=0 RR=28", op)
	}
	if op.sustainLevel != 0 || op.totalLevel != 0 {
		t.Errorf("default SL/TL = %d/%d, want 0/0", op.sustainLevel, op.totalLevel)
	}
	if op.waveIndex != wavebank.PGSine {
		t.Errorf("default wave = %d, want PGSine", op.waveIndex)
	}
}

// TestControlEventsConfigureS3Voice: algorithm 0, 2
// operators, no feedback, op0 MUL=1 TL=0, op1 MUL=2 TL=24, driven
// entirely through MML @-commands rather than a fixed voice.
func TestControlEventsConfigureS3Voice(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventControl, Tick: 0, Command: "@op", Value: 2},
		{Type: mml.EventControl, Tick: 0, Command: "@al", Value: 0},
		{Type: mml.EventControl, Tick: 0, Command: "@fb", Value: 0},
		{Type: mml.EventControl, Tick: 0, Command: "@ml", Value: 0, Text: ",1"},
		{Type: mml.EventControl, Tick: 0, Command: "@ml", Value: 1, Text: ",2"},
		{Type: mml.EventControl, Tick: 0, Command: "@tl", Value: 1, Text: ",24"},
	}
	_, ch, tr := newTestTrack(t, events, 0, -1, -1)
	tr.AdvanceTick(0)

	if tr.voice.opCount != 2 || tr.voice.algorithm != 0 || tr.voice.feedbackShift != 0 {
		t.Fatalf("voice = %+v, want opCount=2 algorithm=0 feedbackShift=0", tr.voice)
	}
	if tr.voice.ops[0].multiple != 1 || tr.voice.ops[1].multiple != 2 {
		t.Errorf("op multiples = %d/%d, want 1/2", tr.voice.ops[0].multiple, tr.voice.ops[1].multiple)
	}
	if tr.voice.ops[1].totalLevel == 0 {
		t.Error("op1 total level should be nonzero after @tl1,24")
	}
	// The channel itself must reflect the same configuration, not just
	// the track-local voiceConfig bookkeeping.
	ch.NoteOn(60, 1<<18, true)
	ch.Step() // must not panic with 2 configured operators
}

// TestAmpOverlayAttenuatesOutput: the amp overlay kind
// must actually reach the channel, not be computed and discarded
// (`_ = amp // a full implementation would scale total level here`).
func TestAmpOverlayAttenuatesOutput(t *testing.T) {
	run := func(withOverlay bool) int32 {
		events := []mml.Event{
			{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 1000},
		}
		if withOverlay {
			events = append([]mml.Event{
				{Type: mml.EventTableEnv, Tick: 0, Channel: int(OverlayAmp), Value: 0, Values: []int{200}},
			}, events...)
		}
		_, ch, tr := newTestTrack(t, events, 1000, -1, -1)
		tr.AdvanceTick(0)
		var last int32
		for i := 0; i < 50; i++ {
			tr.Sample()
			l, _ := ch.Step()
			last = l
		}
		return last
	}
	plain := run(false)
	attenuated := run(true)
	if plain == 0 {
		t.Skip("baseline sample settled to exact zero; cannot compare magnitudes")
	}
	abs := func(v int32) int32 {
		if v < 0 {
			return -v
		}
		return v
	}
	if abs(attenuated) >= abs(plain) {
		t.Errorf("amp overlay 200/255 should shrink the sample: plain=%d attenuated=%d", plain, attenuated)
	}
}

// TestPriorityAndDisposablePropagateToChannel: a host
// marks a track disposable with a priority, and that state must live on
// the Track (not only be poked directly on the Channel by a test).
func TestPriorityAndDisposablePropagateToChannel(t *testing.T) {
	_, ch, tr := newTestTrack(t, nil, 0, -1, -1)
	tr.SetDisposable(true)
	tr.SetPriority(7)
	if !tr.Disposable() || tr.Priority() != 7 {
		t.Errorf("Track disposable/priority = %v/%d, want true/7", tr.Disposable(), tr.Priority())
	}
	if !ch.Disposable() || ch.Priority() != 7 {
		t.Errorf("Channel disposable/priority = %v/%d, want true/7 (Track must propagate)", ch.Disposable(), ch.Priority())
	}
}

func TestTriggerControlFiresCallback(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventControl, Tick: 0, Command: "%t", Value: 3, Values: []int{3, 1, 2}},
	}
	_, _, tr := newTestTrack(t, events, 10, -1, -1)
	var got TriggerEvent
	fired := 0
	tr.SetTriggerHandler(func(te TriggerEvent) {
		got = te
		fired++
	})
	tr.AdvanceTick(0)
	if fired != 1 {
		t.Fatalf("trigger fired %d times, want 1", fired)
	}
	if got.TriggerID != 3 || got.NoteOnType != 1 || got.NoteOffType != 2 {
		t.Errorf("trigger = %+v, want {3 1 2}", got)
	}
}

func TestTempoEventCallsHandler(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventTempo, Tick: 0, Value: 180},
	}
	_, _, tr := newTestTrack(t, events, 10, -1, -1)
	var bpm float64
	tr.SetTempoHandler(func(v float64) { bpm = v })
	tr.AdvanceTick(0)
	if bpm != 180 {
		t.Errorf("tempo handler got %g, want 180", bpm)
	}
}

func TestMasterTransposeShiftsNotes(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 100},
	}
	_, _, a := newTestTrack(t, events, 100, -1, -1)
	_, _, b := newTestTrack(t, events, 100, -1, -1)
	b.SetMasterTranspose(12)
	a.AdvanceTick(0)
	b.AdvanceTick(0)
	if b.lastNote != a.lastNote+12 {
		t.Errorf("master transpose +12: notes %d vs %d", a.lastNote, b.lastNote)
	}
}

func TestEffectSendControlSetsChannelGain(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventControl, Tick: 0, Command: "@es", Value: 2, Text: ",64"},
	}
	_, ch, tr := newTestTrack(t, events, 10, -1, -1)
	tr.AdvanceTick(0)
	want := int32(64) << uint(reftable.FixedBits-7)
	if got := ch.Send(2); got != want {
		t.Errorf("send 2 gain = %d, want %d", got, want)
	}
	if got := ch.Send(0); got != int32(1)<<reftable.FixedBits {
		t.Errorf("master send gain changed: %d", got)
	}
}

func TestProgramChangeAppliesVoiceBankPatch(t *testing.T) {
	events := []mml.Event{
		{Type: mml.EventProgram, Tick: 0, Value: 7},
	}
	_, _, tr := newTestTrack(t, events, 10, -1, -1)
	def := "OPM@7{ 2 3 " +
		"31 0 0 15 0 0 0 1 0 0 0 " +
		"31 0 0 15 0 0 0 2 0 0 0 " +
		"31 0 0 15 0 0 0 4 0 0 0 " +
		"31 0 0 15 0 0 0 8 0 0 0 }"
	tr.SetVoiceBank(ParseVoiceBank(map[string]string{"OPM@7": def}))
	tr.AdvanceTick(0)
	if tr.voice.opCount != 4 || tr.voice.algorithm != 2 || tr.voice.feedbackShift != 3 {
		t.Errorf("voice after program change = %d ops, al %d, fb %d; want 4/2/3",
			tr.voice.opCount, tr.voice.algorithm, tr.voice.feedbackShift)
	}
	if tr.voice.ops[3].multiple != 8 {
		t.Errorf("op3 MUL = %d, want 8", tr.voice.ops[3].multiple)
	}
}

// renderTrack plays the given events and returns n output samples from
// the bound channel's left output.
func renderTrack(t *testing.T, events []mml.Event, n int) []int32 {
	t.Helper()
	_, ch, tr := newTestTrack(t, events, 1<<30, -1, -1)
	tr.AdvanceTick(0)
	out := make([]int32, n)
	for i := range out {
		tr.Sample()
		l, _ := ch.Step()
		out[i] = l
	}
	return out
}

func samplesDiffer(a, b []int32) bool {
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

func TestLFOAmplitudeModulationReachesOutput(t *testing.T) {
	note := mml.Event{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 1 << 20}
	plain := renderTrack(t, []mml.Event{note}, 400)
	modulated := renderTrack(t, []mml.Event{
		{Type: mml.EventControl, Tick: 0, Command: "@lfo", Value: 3, Text: ",200"},
		{Type: mml.EventControl, Tick: 0, Command: "ma", Value: 127},
		note,
	}, 400)
	if !samplesDiffer(plain, modulated) {
		t.Error("ma at full depth should change the rendered amplitude")
	}
}

func TestLFOPitchModulationReachesOutput(t *testing.T) {
	note := mml.Event{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 1 << 20}
	plain := renderTrack(t, []mml.Event{note}, 400)
	modulated := renderTrack(t, []mml.Event{
		{Type: mml.EventControl, Tick: 0, Command: "@lfo", Value: 3, Text: ",200"},
		{Type: mml.EventControl, Tick: 0, Command: "mp", Value: 64},
		note,
	}, 400)
	if !samplesDiffer(plain, modulated) {
		t.Error("mp should bend the rendered pitch")
	}
}

func TestFilterCommandEngagesSVF(t *testing.T) {
	note := mml.Event{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 1 << 20}
	open := renderTrack(t, []mml.Event{note}, 400)
	filtered := renderTrack(t, []mml.Event{
		{Type: mml.EventControl, Tick: 0, Command: "@f", Value: 24},
		note,
	}, 400)
	if !samplesDiffer(open, filtered) {
		t.Error("@f with a low cutoff should change the rendered signal")
	}
	// A fully open cutoff with no resonance bypasses the filter again.
	reopened := renderTrack(t, []mml.Event{
		{Type: mml.EventControl, Tick: 0, Command: "@f", Value: 24},
		{Type: mml.EventControl, Tick: 0, Command: "@f", Value: 128},
		note,
	}, 400)
	if samplesDiffer(open, reopened) {
		t.Error("@f128 with no resonance should bypass the filter entirely")
	}
}
