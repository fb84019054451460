package narrative

import (
	"errors"
	"testing"
	"time"

	"github.com/kiliankoe/onionshell/internal/countdown"
	"github.com/kiliankoe/onionshell/internal/sched"
	"github.com/kiliankoe/onionshell/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)

type recordingView struct {
	messages []state.ChatEntry
	typing   bool
	input    bool
	draft    string
	offered  map[int]string
	disabled []int
	notices  []string
}

func newRecordingView() *recordingView {
	return &recordingView{messages: []state.ChatEntry{}, offered: map[int]string{}}
}

func (v *recordingView) SetTyping(typing bool)                { v.typing = typing }
func (v *recordingView) SetInputEnabled(enabled bool)         { v.input = enabled }
func (v *recordingView) AppendMessage(e state.ChatEntry)      { v.messages = append(v.messages, e) }
func (v *recordingView) ShowDraft(text string)                { v.draft = text }
func (v *recordingView) OfferFile(stepIndex int, name string) { v.offered[stepIndex] = name }
func (v *recordingView) DisableFile(stepIndex int)            { v.disabled = append(v.disabled, stepIndex) }
func (v *recordingView) Notice(msg string)                    { v.notices = append(v.notices, msg) }

type stubActions struct {
	calls []Action
	fail  error
}

func (a *stubActions) record(x Action) error {
	if a.fail != nil {
		return a.fail
	}
	a.calls = append(a.calls, x)
	return nil
}

func (a *stubActions) InstallTor() error        { return a.record(ActionInstallTor) }
func (a *stubActions) ShowLinksDownload() error { return a.record(ActionShowLinks) }
func (a *stubActions) InstallDOSMarket() error  { return a.record(ActionInstallDOSMarket) }

type flagCondition struct{ ok bool }

func (c *flagCondition) Check(Condition) bool { return c.ok }

// spyCountdown counts trigger checks on top of the real engine.
type spyCountdown struct {
	*countdown.Engine
	checks int
	starts int
}

func (s *spyCountdown) MaybeTriggerFromMessage(raw string) bool {
	s.checks++
	return s.Engine.MaybeTriggerFromMessage(raw)
}

func (s *spyCountdown) Start(minutes float64) (time.Time, error) {
	s.starts++
	return s.Engine.Start(minutes)
}

type harness struct {
	clock   *sched.Fake
	gs      *state.GameState
	cd      *spyCountdown
	actions *stubActions
	cond    *flagCondition
	view    *recordingView
	seq     *Sequencer
	saves   int
}

func newHarness(script []Step) *harness {
	h := &harness{
		clock:   sched.NewFake(t0),
		actions: &stubActions{},
		cond:    &flagCondition{},
		view:    newRecordingView(),
	}
	gs := state.Defaults()
	h.gs = &gs
	h.cd = &spyCountdown{Engine: countdown.New(h.clock, h.gs, nil)}
	h.seq = New(h.clock, h.gs, script, Options{
		Countdown:  h.cd,
		Actions:    h.actions,
		Conditions: h.cond,
		View:       h.view,
		Save:       func() { h.saves++ },
	})
	return h
}

// playUntil drives the default script the way a player would until the
// transcript holds n entries.
func (h *harness) playUntil(t *testing.T, n int) {
	t.Helper()
	for i := 0; len(h.gs.ChatHistory) < n && i < 1000; i++ {
		switch h.seq.Phase() {
		case PhaseDelaying:
			h.clock.Advance(100 * time.Millisecond)
		case PhaseAwaitingReply:
			require.NoError(t, h.seq.TypeKey())
		case PhaseAwaitingFile:
			require.NoError(t, h.seq.ClickFile(h.gs.ChatStep))
		case PhaseAwaitingCondition:
			h.cond.ok = true
			h.clock.Advance(DefaultPollInterval)
		default:
			t.Fatalf("stuck in phase %s with %d entries", h.seq.Phase(), len(h.gs.ChatHistory))
		}
	}
	require.Len(t, h.gs.ChatHistory, n)
}

func TestScenarioFirstSixSteps(t *testing.T) {
	script := DefaultScript()
	h := newHarness(script)
	h.seq.Advance()

	h.playUntil(t, 5)
	for i := 0; i < 5; i++ {
		want := state.ChatEntry{Type: state.EntryReceived}
		switch st := script[i].(type) {
		case Received:
			want.Text = st.Text
		case Player:
			want.Text, want.Type = st.Text, state.EntrySent
		default:
			t.Fatalf("step %d: expected a transcript step, got %s", i, st.Kind())
		}
		assert.Equal(t, want, h.gs.ChatHistory[i], "entry %d", i)
	}
	assert.False(t, h.gs.CountdownActive, "no countdown before step 5")

	h.playUntil(t, 6)
	assert.Equal(t, script[5].(Received).Text, h.gs.ChatHistory[5].Text)
	require.True(t, h.gs.CountdownActive)
	require.NotNil(t, h.gs.CountdownDeadline)
	assert.InDelta(t, h.clock.Now().UnixMilli()+3600000, *h.gs.CountdownDeadline, 1000)
	assert.Equal(t, h.view.messages, h.gs.ChatHistory)
}

func TestReceivedDelayShowsTyping(t *testing.T) {
	h := newHarness([]Step{
		Received{Text: "one", Delay: time.Second},
		Player{Text: "ok"},
	})
	h.seq.Advance()
	assert.Equal(t, PhaseDelaying, h.seq.Phase())
	assert.True(t, h.view.typing)
	assert.False(t, h.view.input)
	assert.Empty(t, h.gs.ChatHistory)

	h.clock.Advance(999 * time.Millisecond)
	assert.Empty(t, h.gs.ChatHistory)

	h.clock.Advance(time.Millisecond)
	assert.False(t, h.view.typing)
	assert.True(t, h.view.input)
	assert.Equal(t, 1, h.gs.ChatStep)
	assert.Equal(t, PhaseAwaitingReply, h.seq.Phase())
}

func TestZeroDelayStepsRunSynchronously(t *testing.T) {
	h := newHarness([]Step{
		Received{Text: "a"},
		Received{Text: "b"},
		Received{Text: "c"},
	})
	h.seq.Advance()
	assert.Len(t, h.gs.ChatHistory, 3)
	assert.Equal(t, PhaseFinished, h.seq.Phase())
	assert.False(t, h.view.input)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestPlayerReplyIgnoresWhatIsTyped(t *testing.T) {
	h := newHarness([]Step{Player{Text: "héllo"}, Received{Text: "done"}})
	h.seq.Advance()

	require.NoError(t, h.seq.TypeKey())
	require.NoError(t, h.seq.TypeKey())
	assert.Equal(t, "hé", h.view.draft)
	assert.Empty(t, h.gs.ChatHistory)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.seq.TypeKey())
	}
	assert.Equal(t, []state.ChatEntry{
		{Text: "héllo", Type: state.EntrySent},
		{Text: "done", Type: state.EntryReceived},
	}, h.gs.ChatHistory)
	assert.ErrorIs(t, h.seq.TypeKey(), ErrNotAwaitingReply)
}

func TestSubmitReplyCompletesEarly(t *testing.T) {
	h := newHarness([]Step{Player{Text: "who is this?"}})
	assert.ErrorIs(t, h.seq.SubmitReply(), ErrNotAwaitingReply)

	h.seq.Advance()
	require.NoError(t, h.seq.TypeKey())
	require.NoError(t, h.seq.SubmitReply())
	assert.Equal(t, []state.ChatEntry{{Text: "who is this?", Type: state.EntrySent}}, h.gs.ChatHistory)
	assert.Equal(t, "", h.view.draft)
	assert.Equal(t, PhaseFinished, h.seq.Phase())
}

func TestFileStep(t *testing.T) {
	h := newHarness([]Step{
		File{FileName: "tor.tar.xz", Action: ActionInstallTor},
		File{FileName: "market.zip", Action: ActionInstallDOSMarket},
	})
	h.seq.Advance()
	assert.Equal(t, map[int]string{0: "tor.tar.xz"}, h.view.offered)

	assert.ErrorIs(t, h.seq.ClickFile(1), ErrWrongStep)
	require.NoError(t, h.seq.ClickFile(0))
	assert.Equal(t, []int{0}, h.view.disabled)
	assert.Equal(t, state.ChatEntry{Text: "Downloaded: tor.tar.xz", Type: state.EntrySent}, h.gs.ChatHistory[0])
	assert.Equal(t, "market.zip", h.view.offered[1])

	assert.ErrorIs(t, h.seq.ClickFile(0), ErrWrongStep)

	h.actions.fail = errors.New("disk full")
	assert.Error(t, h.seq.ClickFile(1))
	assert.Equal(t, []string{"could not start download"}, h.view.notices)
	assert.Equal(t, 1, h.gs.ChatStep, "failed action keeps the step armed")
	assert.Equal(t, PhaseAwaitingFile, h.seq.Phase())

	h.actions.fail = nil
	require.NoError(t, h.seq.ClickFile(1))
	assert.Equal(t, []Action{ActionInstallTor, ActionInstallDOSMarket}, h.actions.calls)
	assert.Equal(t, PhaseFinished, h.seq.Phase())
}

// Scenario C: a waitFor step only moves once the condition holds.
func TestWaitForPollsCondition(t *testing.T) {
	h := newHarness([]Step{
		WaitFor{Condition: ConditionTorRunning},
		Received{Text: "you're in."},
	})
	h.seq.Advance()
	assert.Equal(t, PhaseAwaitingCondition, h.seq.Phase())

	h.clock.Advance(time.Hour)
	assert.Equal(t, 0, h.gs.ChatStep)
	assert.Empty(t, h.gs.ChatHistory)

	h.cond.ok = true
	h.clock.Advance(DefaultPollInterval)
	assert.Equal(t, 2, h.gs.ChatStep)
	assert.Equal(t, "you're in.", h.gs.ChatHistory[0].Text)
	assert.Equal(t, 0, h.clock.Pending(), "poll stops after the condition holds")
}

func TestWaitForAlreadySatisfiedDoesNotPoll(t *testing.T) {
	h := newHarness([]Step{WaitFor{Condition: ConditionTorRunning}, Received{Text: "go"}})
	h.cond.ok = true
	h.seq.Advance()
	assert.Equal(t, 2, h.gs.ChatStep)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestReplayHasNoSideEffects(t *testing.T) {
	script := DefaultScript()
	live := newHarness(script)
	live.seq.Advance()
	live.playUntil(t, 9)

	for n := 0; n <= len(live.gs.ChatHistory); n++ {
		gs := state.Defaults()
		gs.ChatHistory = append([]state.ChatEntry(nil), live.gs.ChatHistory[:n]...)
		h := newHarness(script)
		*h.gs = gs

		v := newRecordingView()
		h.seq.Replay(v)
		assert.Equal(t, live.gs.ChatHistory[:n], v.messages)
		assert.Zero(t, h.cd.checks)
		assert.Zero(t, h.cd.starts)
		assert.Zero(t, h.saves)
		assert.False(t, h.gs.CountdownActive)
		assert.Equal(t, 0, h.clock.Pending())
	}
}

func TestReconcileStartsMissedCountdown(t *testing.T) {
	h := newHarness(DefaultScript())
	h.gs.ChatStep = CountdownStep(h.seq.Script()) + 1

	assert.True(t, h.seq.Reconcile())
	assert.True(t, h.gs.CountdownActive)
	assert.Equal(t, t0.Add(time.Hour).UnixMilli(), *h.gs.CountdownDeadline)

	assert.False(t, h.seq.Reconcile(), "second call is a no-op")
	assert.Equal(t, 1, h.cd.starts)
}

func TestReconcileLeavesConsistentStateAlone(t *testing.T) {
	cases := map[string]func(gs *state.GameState){
		"before trigger step": func(gs *state.GameState) { gs.ChatStep = 4 },
		"at trigger step":     func(gs *state.GameState) { gs.ChatStep = 5 },
		"already triggered": func(gs *state.GameState) {
			gs.ChatStep = 8
			gs.CountdownTriggered = true
		},
		"deadline present": func(gs *state.GameState) {
			gs.ChatStep = 8
			d := t0.Add(time.Minute).UnixMilli()
			gs.CountdownDeadline = &d
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(DefaultScript())
			mutate(h.gs)
			assert.False(t, h.seq.Reconcile())
			assert.Zero(t, h.cd.starts)
		})
	}
}

func TestOpenReplaysAndRearms(t *testing.T) {
	h := newHarness(DefaultScript())
	h.seq.Advance()
	h.playUntil(t, 1)
	require.Equal(t, PhaseAwaitingReply, h.seq.Phase())
	require.NoError(t, h.seq.TypeKey())

	v := newRecordingView()
	h.seq.Open(v)
	assert.Equal(t, h.gs.ChatHistory, v.messages)
	assert.Equal(t, "w", v.draft)
	assert.True(t, v.input)
	assert.Equal(t, PhaseAwaitingReply, h.seq.Phase())
}

func TestOpenAfterReloadRearmsSameStep(t *testing.T) {
	h := newHarness(DefaultScript())
	h.gs.ChatStep = 7
	h.gs.CountdownTriggered = true

	h.seq.Open(newRecordingView())
	assert.Equal(t, PhaseAwaitingFile, h.seq.Phase())
	assert.Equal(t, "tor-browser-linux64.tar.xz", h.view.offered[7], "live view gets the offer")
}

func TestHaltCancelsPendingWork(t *testing.T) {
	h := newHarness([]Step{Received{Text: "late", Delay: time.Second}})
	h.seq.Advance()
	h.seq.Halt()
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.gs.ChatHistory)
	assert.Equal(t, PhaseHalted, h.seq.Phase())

	h.seq.Advance()
	assert.Equal(t, PhaseHalted, h.seq.Phase())

	h.seq.Reset()
	h.seq.Advance()
	h.clock.Advance(time.Second)
	assert.Len(t, h.gs.ChatHistory, 1)
}

func TestTriggerPhraseInScriptStartsCountdown(t *testing.T) {
	h := newHarness([]Step{Received{Text: "Escuchá: tenés una hora."}})
	h.seq.Advance()
	assert.True(t, h.gs.CountdownActive)
	assert.Equal(t, 1, h.cd.checks)
}
