package countdown

import (
	"testing"
	"time"

	"github.com/kiliankoe/onionshell/internal/sched"
	"github.com/kiliankoe/onionshell/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)

type recordingSurface struct {
	frames    []Update
	connected bool
}

func newRecordingSurface() *recordingSurface { return &recordingSurface{connected: true} }

func (r *recordingSurface) Render(u Update)  { r.frames = append(r.frames, u) }
func (r *recordingSurface) Connected() bool  { return r.connected }
func (r *recordingSurface) lastFrame() Update { return r.frames[len(r.frames)-1] }

type gameOverCall struct {
	reason string
	keep   bool
}

type fixture struct {
	clock    *sched.Fake
	gs       *state.GameState
	engine   *Engine
	saves    int
	gameOver []gameOverCall
	expiries int
}

func newFixture() *fixture {
	f := &fixture{clock: sched.NewFake(t0)}
	gs := state.Defaults()
	f.gs = &gs
	f.engine = New(f.clock, f.gs, func() { f.saves++ })
	f.engine.SetGameOver(func(reason string, keep bool) {
		f.gameOver = append(f.gameOver, gameOverCall{reason, keep})
	})
	f.engine.OnExpire(func() { f.expiries++ })
	return f
}

func TestStartSetsDeadlineAndPersists(t *testing.T) {
	for _, minutes := range []float64{0.5, 1, 7.25, 60, 240} {
		f := newFixture()
		deadline, err := f.engine.Start(minutes)
		require.NoError(t, err)

		want := t0.UnixMilli() + int64(minutes*60000)
		assert.Equal(t, want, deadline.UnixMilli())
		assert.True(t, f.gs.CountdownActive)
		assert.True(t, f.gs.CountdownTriggered)
		require.NotNil(t, f.gs.CountdownDeadline)
		assert.Equal(t, want, *f.gs.CountdownDeadline)
		assert.Equal(t, 1, f.saves)
	}
}

func TestStartRejectsNonPositive(t *testing.T) {
	f := newFixture()
	for _, m := range []float64{0, -1} {
		_, err := f.engine.Start(m)
		assert.ErrorIs(t, err, ErrInvalidDuration)
	}
	assert.False(t, f.gs.CountdownActive)
	assert.Equal(t, 0, f.saves)
}

func TestStartWhileActiveResetsDeadline(t *testing.T) {
	f := newFixture()
	_, err := f.engine.Start(10)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	deadline, err := f.engine.Start(10)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(12*time.Minute).UnixMilli(), deadline.UnixMilli())
	assert.Equal(t, 1, f.clock.Pending(), "only one tick should be scheduled")
}

func TestStopClearsFieldsAndBlanksSurfaces(t *testing.T) {
	f := newFixture()
	s := newRecordingSurface()
	f.engine.AttachDisplay(s, AttachOptions{})
	_, _ = f.engine.Start(30)

	f.engine.Stop(false)
	assert.False(t, f.gs.CountdownActive)
	assert.Nil(t, f.gs.CountdownDeadline)
	assert.False(t, f.gs.CountdownTriggered)
	assert.True(t, s.lastFrame().Blank)
	assert.Equal(t, 0, f.clock.Pending())

	frames := len(s.frames)
	f.clock.Advance(5 * time.Second)
	assert.Len(t, s.frames, frames, "no ticks after stop")
}

func TestStopKeepDisplayLeavesLastFrame(t *testing.T) {
	f := newFixture()
	s := newRecordingSurface()
	f.engine.AttachDisplay(s, AttachOptions{})
	_, _ = f.engine.Start(30)
	f.clock.Advance(3 * time.Second)

	f.engine.Stop(true)
	assert.False(t, s.lastFrame().Blank)
	assert.Equal(t, "29:57", s.lastFrame().Text())

	late := newRecordingSurface()
	f.engine.AttachDisplay(late, AttachOptions{})
	assert.Equal(t, "29:57", late.lastFrame().Text())
}

func TestResumeAfterReloadUsesAbsoluteDeadline(t *testing.T) {
	f := newFixture()
	deadline, err := f.engine.Start(60)
	require.NoError(t, err)

	// Simulated reload: same persisted state, new engine, 20 minutes later.
	persisted := f.gs.Clone()
	clock := sched.NewFake(t0.Add(20 * time.Minute))
	reloaded := New(clock, &persisted, nil)
	s := newRecordingSurface()
	reloaded.AttachDisplay(s, AttachOptions{})
	reloaded.Resume()

	remaining, ok := reloaded.Remaining()
	require.True(t, ok)
	assert.InDelta(t, float64(deadline.Sub(clock.Now())), float64(remaining), float64(time.Second))
	assert.Equal(t, "40:00", s.lastFrame().Text())

	clock.Advance(time.Second)
	assert.Equal(t, "39:59", s.lastFrame().Text())
}

func TestResumeWithoutCountdownNormalizes(t *testing.T) {
	f := newFixture()
	f.gs.CountdownTriggered = true
	f.engine.Resume()
	assert.False(t, f.gs.CountdownActive)
	assert.False(t, f.gs.CountdownTriggered)
	assert.Equal(t, 0, f.clock.Pending())
}

func TestResumePastDeadlineExpiresImmediately(t *testing.T) {
	f := newFixture()
	past := t0.Add(-time.Minute).UnixMilli()
	f.gs.CountdownActive = true
	f.gs.CountdownDeadline = &past

	f.engine.Resume()
	assert.Equal(t, []gameOverCall{{ReasonExpired, true}}, f.gameOver)
	assert.Equal(t, 1, f.expiries)
}

// Scenario B: one hour countdown, checked just before and just after expiry.
func TestExpiryScenario(t *testing.T) {
	f := newFixture()
	s := newRecordingSurface()
	var states []VisualState
	f.engine.AttachDisplay(s, AttachOptions{OnStateChange: func(v VisualState) { states = append(states, v) }})

	_, err := f.engine.Start(60)
	require.NoError(t, err)

	f.clock.Set(t0.Add(time.Hour - time.Millisecond))
	remaining, ok := f.engine.Remaining()
	require.True(t, ok)
	assert.Greater(t, remaining, time.Duration(0))
	assert.True(t, f.gs.CountdownActive)
	assert.Empty(t, f.gameOver)

	f.clock.Set(t0.Add(time.Hour + time.Millisecond))
	require.Len(t, f.gameOver, 1)
	assert.Equal(t, gameOverCall{ReasonExpired, true}, f.gameOver[0])
	assert.Equal(t, 1, f.expiries)
	assert.Equal(t, "00:00", s.lastFrame().Text())
	assert.True(t, s.lastFrame().Expired)
	assert.False(t, f.gs.CountdownActive)

	// More time passing must not fire expiry again.
	f.clock.Advance(10 * time.Second)
	assert.Len(t, f.gameOver, 1)
	assert.Equal(t, 1, f.expiries)
	assert.Equal(t, "00:00", s.lastFrame().Text())

	assert.Equal(t, []VisualState{VisualBlank, VisualRunning, VisualCritical, VisualExpired}, states)
}

func TestExpiryFiresOnceWhenManyTicksAreLate(t *testing.T) {
	f := newFixture()
	_, _ = f.engine.Start(1)
	// A single jump far past the deadline delivers many overdue ticks.
	f.clock.Advance(10 * time.Minute)
	assert.Len(t, f.gameOver, 1)
	assert.Equal(t, 1, f.expiries)
}

func TestAllSurfacesSeeSameFrame(t *testing.T) {
	f := newFixture()
	a, b := newRecordingSurface(), newRecordingSurface()
	f.engine.AttachDisplay(a, AttachOptions{})
	f.engine.AttachDisplay(b, AttachOptions{})
	_, _ = f.engine.Start(5)

	f.clock.Advance(2500 * time.Millisecond)
	assert.Equal(t, a.frames[1:], b.frames[1:])
	assert.Equal(t, "04:58", a.lastFrame().Text())
	assert.True(t, a.lastFrame().Critical())
}

func TestDisconnectedSurfaceIsPrunedWithoutError(t *testing.T) {
	f := newFixture()
	gone := newRecordingSurface()
	gone.connected = false
	stay := newRecordingSurface()

	f.engine.AttachDisplay(gone, AttachOptions{})
	f.engine.AttachDisplay(stay, AttachOptions{})
	assert.Equal(t, 2, f.engine.Surfaces())

	assert.NotPanics(t, func() {
		_, _ = f.engine.Start(10)
	})
	assert.Equal(t, 1, f.engine.Surfaces())
	assert.Len(t, gone.frames, 1, "only the initial frame")
	assert.Len(t, stay.frames, 2)
}

func TestReleasedSubscriptionStopsReceiving(t *testing.T) {
	f := newFixture()
	s := newRecordingSurface()
	sub := f.engine.AttachDisplay(s, AttachOptions{})
	assert.NotEmpty(t, sub.ID)

	sub.Release()
	sub.Release()
	_, _ = f.engine.Start(10)
	f.clock.Advance(3 * time.Second)
	assert.Len(t, s.frames, 1)
	assert.Equal(t, 0, f.engine.Surfaces())
}

func TestPanickingSurfaceIsDropped(t *testing.T) {
	f := newFixture()
	calls := 0
	f.engine.AttachDisplay(SurfaceFunc(func(u Update) {
		calls++
		if !u.Blank {
			panic("render failed")
		}
	}), AttachOptions{})
	ok := newRecordingSurface()
	f.engine.AttachDisplay(ok, AttachOptions{})

	_, _ = f.engine.Start(10)
	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, f.engine.Surfaces())
	assert.Len(t, ok.frames, 4)
}

func TestMaybeTriggerFromMessage(t *testing.T) {
	f := newFixture()
	assert.False(t, f.engine.MaybeTriggerFromMessage("Nothing to see here."))
	assert.False(t, f.gs.CountdownActive)

	assert.True(t, f.engine.MaybeTriggerFromMessage("<b>Listen.</b> You have ONE   hour."))
	require.True(t, f.gs.CountdownActive)
	assert.Equal(t, t0.Add(time.Hour).UnixMilli(), *f.gs.CountdownDeadline)

	// Already active: a second phrase is a no-op.
	f.clock.Advance(time.Minute)
	assert.False(t, f.engine.MaybeTriggerFromMessage("you have one hour"))
	assert.Equal(t, t0.Add(time.Hour).UnixMilli(), *f.gs.CountdownDeadline)

	// A stopped countdown can be triggered again.
	f.engine.Stop(false)
	assert.True(t, f.engine.MaybeTriggerFromMessage("Tenés una hora."))
	assert.Equal(t, t0.Add(time.Minute+time.Hour).UnixMilli(), *f.gs.CountdownDeadline)
}

func TestStartHookRuns(t *testing.T) {
	f := newFixture()
	var got time.Time
	f.engine.OnStart(func(d time.Time) { got = d })
	deadline, _ := f.engine.Start(2)
	assert.Equal(t, deadline, got)
}
