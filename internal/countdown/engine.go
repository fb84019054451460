// Package countdown runs the mission clock: a deadline persisted in the game
// state, a one second tick while it runs, and a fan-out of frames to every
// attached surface. Expiry ends the game.
package countdown

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kiliankoe/onionshell/internal/sched"
	"github.com/kiliankoe/onionshell/internal/state"
	"github.com/rs/zerolog/log"
)

const (
	TickInterval = time.Second

	// ReasonExpired is the game-over reason passed when the clock runs out.
	ReasonExpired = "mission_expired"
)

var ErrInvalidDuration = errors.New("countdown minutes must be positive")

// GameOverFunc shows the game-over screen. keepCountdownVisible asks it to
// leave the last countdown frame on screen instead of blanking it.
type GameOverFunc func(reason string, keepCountdownVisible bool)

// Engine owns the countdown fields of the game state. It must only be used
// from the game loop.
type Engine struct {
	clock sched.Clock
	gs    *state.GameState
	save  func()

	gameOver GameOverFunc
	onExpire func()
	onStart  func(deadline time.Time)

	subs    []*Subscription
	tick    sched.Timer
	last    Update
	expired bool
}

// New creates an engine over gs. save is called whenever the countdown fields
// change; it may be nil.
func New(clock sched.Clock, gs *state.GameState, save func()) *Engine {
	if save == nil {
		save = func() {}
	}
	return &Engine{clock: clock, gs: gs, save: save, last: Update{Blank: true}}
}

func (e *Engine) SetGameOver(f GameOverFunc) { e.gameOver = f }

// OnExpire registers the callback run once when the clock reaches zero,
// before the game-over transition.
func (e *Engine) OnExpire(f func()) { e.onExpire = f }

// OnStart registers a callback run after every successful Start.
func (e *Engine) OnStart(f func(deadline time.Time)) { e.onStart = f }

func (e *Engine) Active() bool { return e.gs.CountdownActive }

// Deadline returns the persisted deadline, if any.
func (e *Engine) Deadline() (time.Time, bool) {
	if e.gs.CountdownDeadline == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*e.gs.CountdownDeadline), true
}

// Remaining returns the time left on an active countdown.
func (e *Engine) Remaining() (time.Duration, bool) {
	if !e.gs.CountdownActive {
		return 0, false
	}
	deadline, ok := e.Deadline()
	if !ok {
		return 0, false
	}
	return deadline.Sub(e.clock.Now()), true
}

// Start begins a countdown of the given length and returns its deadline. If a
// countdown is already running its deadline is replaced.
func (e *Engine) Start(minutes float64) (time.Time, error) {
	if math.IsNaN(minutes) || math.IsInf(minutes, 0) || minutes <= 0 {
		return time.Time{}, ErrInvalidDuration
	}
	now := e.clock.Now()
	deadlineMs := now.UnixMilli() + int64(math.Round(minutes*60000))

	e.gs.CountdownActive = true
	e.gs.CountdownDeadline = &deadlineMs
	e.gs.CountdownTriggered = true
	e.expired = false
	e.restartTick()
	e.save()

	deadline := time.UnixMilli(deadlineMs)
	log.Info().Float64("minutes", minutes).Time("deadline", deadline).Msg("countdown started")
	e.broadcast(e.frame(now))
	if e.onStart != nil {
		e.onStart(deadline)
	}
	return deadline, nil
}

// Stop ends the countdown and clears its persisted fields. With keepDisplay
// the surfaces keep showing the last frame.
func (e *Engine) Stop(keepDisplay bool) {
	e.stopTick()
	wasActive := e.gs.CountdownActive
	e.gs.CountdownActive = false
	e.gs.CountdownDeadline = nil
	e.gs.CountdownTriggered = false
	e.save()
	if wasActive {
		log.Info().Bool("keepDisplay", keepDisplay).Msg("countdown stopped")
	}
	if !keepDisplay {
		e.broadcast(Update{Blank: true})
	}
}

// Resume picks up a persisted countdown after a restart. Time that passed
// while the process was down counts, since the deadline is absolute.
func (e *Engine) Resume() {
	if !e.gs.CountdownActive || e.gs.CountdownDeadline == nil {
		e.Stop(false)
		return
	}
	e.expired = false
	e.restartTick()
	remaining, _ := e.Remaining()
	log.Info().Dur("remaining", remaining).Msg("countdown resumed")
	e.onTick()
}

// MaybeTriggerFromMessage starts a TriggerMinutes countdown when a freshly
// shown narrative line contains a trigger phrase and no countdown is running.
// A countdown that already ended can be triggered again.
func (e *Engine) MaybeTriggerFromMessage(raw string) bool {
	if !MatchesTrigger(raw) || e.gs.CountdownActive {
		return false
	}
	if _, err := e.Start(TriggerMinutes); err != nil {
		return false
	}
	return true
}

// AttachDisplay subscribes a surface. It immediately receives the current
// frame and then every broadcast until released or disconnected.
func (e *Engine) AttachDisplay(surface Surface, opts AttachOptions) *Subscription {
	sub := &Subscription{ID: uuid.NewString(), engine: e, surface: surface, opts: opts}
	e.subs = append(e.subs, sub)
	e.deliver(sub, e.Current())
	if sub.released {
		e.remove(sub)
	}
	return sub
}

// Current is the frame a newly attached surface should show.
func (e *Engine) Current() Update {
	if e.gs.CountdownActive {
		return e.frame(e.clock.Now())
	}
	return e.last
}

// Surfaces returns the number of attached surfaces.
func (e *Engine) Surfaces() int { return len(e.subs) }

func (e *Engine) frame(now time.Time) Update {
	deadline, ok := e.Deadline()
	if !ok {
		return Update{Blank: true}
	}
	remaining := deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Update{Remaining: remaining}
}

func (e *Engine) onTick() {
	if !e.gs.CountdownActive || e.expired {
		return
	}
	deadline, ok := e.Deadline()
	if !ok {
		e.Stop(false)
		return
	}
	remaining := deadline.Sub(e.clock.Now())
	if remaining > 0 {
		e.broadcast(Update{Remaining: remaining})
		return
	}

	e.expired = true
	e.broadcast(Update{Remaining: 0, Expired: true})
	e.Stop(true)
	log.Info().Msg("countdown expired")
	if e.onExpire != nil {
		e.onExpire()
	}
	if e.gameOver != nil {
		e.gameOver(ReasonExpired, true)
	}
}

func (e *Engine) restartTick() {
	e.stopTick()
	e.tick = e.clock.Every(TickInterval, e.onTick)
}

func (e *Engine) stopTick() {
	if e.tick != nil {
		e.tick.Stop()
		e.tick = nil
	}
}

func (e *Engine) broadcast(u Update) {
	e.last = u
	// Surfaces may attach or release from inside Render, so iterate a copy
	// and filter the real list afterwards.
	snapshot := append([]*Subscription(nil), e.subs...)
	for _, sub := range snapshot {
		if !sub.alive() {
			if !sub.released {
				log.Debug().Str("subscription", sub.ID).Msg("dropping disconnected countdown surface")
			}
			sub.released = true
			continue
		}
		e.deliver(sub, u)
	}
	live := make([]*Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		if !sub.released {
			live = append(live, sub)
		}
	}
	e.subs = live
}

// deliver renders u on one surface. A surface that panics is marked released
// and dropped by the next filter.
func (e *Engine) deliver(sub *Subscription, u Update) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("subscription", sub.ID).Interface("panic", r).Msg("countdown surface failed to render, dropping it")
			sub.released = true
		}
	}()
	sub.surface.Render(u)
	if v := u.Visual(); v != sub.visual {
		sub.visual = v
		if sub.opts.OnStateChange != nil {
			sub.opts.OnStateChange(v)
		}
	}
}

func (e *Engine) remove(sub *Subscription) {
	for i, s := range e.subs {
		if s == sub {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}
