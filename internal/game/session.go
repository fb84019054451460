// Package game holds the top-level controller that owns the game state and
// connects the countdown engine and the narrative sequencer to the desktop.
package game

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiliankoe/onionshell/internal/countdown"
	"github.com/kiliankoe/onionshell/internal/narrative"
	"github.com/kiliankoe/onionshell/internal/sched"
	"github.com/kiliankoe/onionshell/internal/state"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInstalled = errors.New("tor is not installed")
	ErrNoNetwork    = errors.New("not connected to a network")
	ErrEmptySSID    = errors.New("network name is empty")
	ErrGameOver     = errors.New("game is over")
)

type Options struct {
	Clock  sched.Clock
	Store  *state.Store
	Script []narrative.Step
	// PollInterval is how often waitFor steps re-check their condition.
	PollInterval time.Duration
	Desktop      Desktop
	// Chat receives live narrative output for every open chat window.
	Chat narrative.View
	// ExportFile, when set, receives a transcript of every finished run.
	ExportFile string
}

// Session is the single running game. Every exported method runs on the
// session's loop, so callers may use it from any goroutine.
type Session struct {
	loop  *sched.Loop
	store *state.Store

	gs     state.GameState
	threat int

	countdown *countdown.Engine
	seq       *narrative.Sequencer
	desktop   Desktop

	exportFile string
	runID      string
	startedAt  time.Time
	over       string
	overAt     time.Time
}

// NewSession builds a session around doc. Nothing runs until Start.
func NewSession(doc state.Document, opts Options) *Session {
	s := &Session{
		loop:       sched.NewLoop(opts.Clock),
		store:      opts.Store,
		gs:         doc.GameState,
		threat:     state.ClampThreat(doc.ThreatLevel),
		desktop:    opts.Desktop,
		exportFile: opts.ExportFile,
		runID:      uuid.NewString(),
	}
	if s.desktop == nil {
		s.desktop = nopDesktop{}
	}
	script := opts.Script
	if len(script) == 0 {
		script = narrative.DefaultScript()
	}
	s.startedAt = s.loop.Now()

	s.countdown = countdown.New(s.loop, &s.gs, s.save)
	s.countdown.SetGameOver(s.gameOver)
	s.countdown.OnExpire(func() {
		log.Warn().Str("run", s.runID).Msg("mission clock ran out")
	})
	s.countdown.OnStart(func(time.Time) {
		s.desktop.OpenApp(AppTimer)
	})

	s.seq = narrative.New(s.loop, &s.gs, script, narrative.Options{
		Countdown:    s.countdown,
		Actions:      sessionActions{s},
		Conditions:   sessionConditions{s},
		View:         opts.Chat,
		PollInterval: opts.PollInterval,
		Save:         s.save,
	})
	return s
}

// Start resumes a saved countdown. A deadline that passed while the server
// was down ends the game right away.
func (s *Session) Start() {
	s.loop.Do(func() {
		log.Info().
			Str("run", s.runID).
			Int("chatStep", s.gs.ChatStep).
			Bool("countdown", s.gs.CountdownActive).
			Msg("session started")
		s.countdown.Resume()
	})
}

func (s *Session) RunID() string {
	var id string
	s.loop.Do(func() { id = s.runID })
	return id
}

// Snapshot returns the current document.
func (s *Session) Snapshot() state.Document {
	var doc state.Document
	s.loop.Do(func() { doc = s.document() })
	return doc
}

// Persisted returns what should be written to storage: the current document,
// or a fresh one once the game is over.
func (s *Session) Persisted() state.Document {
	var doc state.Document
	s.loop.Do(func() { doc = s.persisted() })
	return doc
}

func (s *Session) Status() Status {
	var st Status
	s.loop.Do(func() {
		frame := s.countdown.Current()
		st = Status{
			RunID:       s.runID,
			State:       s.gs.Clone(),
			ThreatLevel: s.threat,
			GameOver:    s.over,
			ChatPhase:   s.seq.Phase().String(),
			Countdown:   frame.Text(),
			Critical:    frame.Critical(),
		}
	})
	return st
}

// AttachCountdown subscribes a surface to the mission clock.
func (s *Session) AttachCountdown(surface countdown.Surface, opts countdown.AttachOptions) *countdown.Subscription {
	var sub *countdown.Subscription
	s.loop.Do(func() { sub = s.countdown.AttachDisplay(surface, opts) })
	return sub
}

func (s *Session) ReleaseCountdown(sub *countdown.Subscription) {
	if sub == nil {
		return
	}
	s.loop.Do(sub.Release)
}

// OpenChat replays the transcript into v and continues the story.
func (s *Session) OpenChat(v narrative.View) {
	s.loop.Do(func() {
		if s.over != "" {
			s.seq.Replay(v)
			v.SetInputEnabled(false)
			return
		}
		s.seq.Open(v)
	})
}

func (s *Session) TypeKey() error {
	return s.run(s.seq.TypeKey)
}

func (s *Session) SubmitReply() error {
	return s.run(s.seq.SubmitReply)
}

func (s *Session) ClickFile(stepIndex int) error {
	return s.run(func() error { return s.seq.ClickFile(stepIndex) })
}

func (s *Session) ConnectNetwork(ssid string) error {
	ssid = strings.TrimSpace(ssid)
	if ssid == "" {
		return ErrEmptySSID
	}
	return s.run(func() error {
		s.gs.CurrentNetwork = &state.Network{SSID: ssid}
		s.save()
		log.Info().Str("ssid", ssid).Msg("network connected")
		return nil
	})
}

// DisconnectNetwork drops the network and Tor with it.
func (s *Session) DisconnectNetwork() error {
	return s.run(func() error {
		s.gs.CurrentNetwork = nil
		s.gs.TorRunning = false
		s.save()
		log.Info().Msg("network disconnected")
		return nil
	})
}

func (s *Session) StartTor() error {
	return s.run(func() error {
		if !s.gs.TorInstalled {
			return ErrNotInstalled
		}
		if !s.gs.Connected() {
			return ErrNoNetwork
		}
		s.gs.TorRunning = true
		s.save()
		log.Info().Msg("tor started")
		return nil
	})
}

func (s *Session) StopTor() error {
	return s.run(func() error {
		s.gs.TorRunning = false
		s.save()
		return nil
	})
}

func (s *Session) AddKeys(n int) error {
	return s.run(func() error {
		s.gs.KeysFound += n
		s.save()
		return nil
	})
}

func (s *Session) AddAlerts(n int) error {
	return s.run(func() error {
		s.gs.Alerts += n
		s.save()
		return nil
	})
}

func (s *Session) AddDOSCoin(n int) error {
	return s.run(func() error {
		s.gs.DOSCoin += n
		s.save()
		return nil
	})
}

// AdjustThreat moves the threat level and returns the new value. Reaching the
// maximum means the player was traced.
func (s *Session) AdjustThreat(delta int) (int, error) {
	var level int
	err := s.run(func() error {
		s.threat = state.ClampThreat(s.threat + delta)
		level = s.threat
		s.save()
		if s.threat >= state.MaxThreat {
			s.gameOver(ReasonTraced, false)
		}
		return nil
	})
	return level, err
}

// GameOver returns the reason the run ended, or "".
func (s *Session) GameOver() string {
	var reason string
	s.loop.Do(func() { reason = s.over })
	return reason
}

// Restart starts a fresh run after a game over.
func (s *Session) Restart() {
	s.loop.Do(func() {
		log.Info().Str("run", s.runID).Str("reason", s.over).Msg("restarting game")
		s.reset()
		s.save()
	})
}

// DevReset wipes progress at any point and removes the stored save, so a
// reload before the next autosave starts from a first run.
func (s *Session) DevReset() {
	s.loop.Do(func() {
		log.Warn().Str("run", s.runID).Msg("developer reset")
		s.reset()
		if s.store != nil {
			s.store.Clear(context.Background())
		}
	})
}

// run executes f on the loop unless the game is over.
func (s *Session) run(f func() error) error {
	var err error
	s.loop.Do(func() {
		if s.over != "" {
			err = ErrGameOver
			return
		}
		err = f()
	})
	return err
}

func (s *Session) document() state.Document {
	return state.Document{GameState: s.gs.Clone(), ThreatLevel: s.threat}
}

func (s *Session) persisted() state.Document {
	if s.over != "" {
		return state.Document{GameState: state.Reset()}
	}
	return s.document()
}

func (s *Session) save() {
	if s.store == nil {
		return
	}
	s.store.Save(context.Background(), s.persisted())
}

func (s *Session) gameOver(reason string, keepCountdownVisible bool) {
	if s.over != "" {
		return
	}
	s.over = reason
	s.overAt = s.loop.Now()
	log.Info().Str("run", s.runID).Str("reason", reason).Msg("game over")

	if !keepCountdownVisible {
		s.countdown.Stop(false)
	}
	s.seq.Halt()
	s.desktop.ShowGameOver(reason, keepCountdownVisible)
	s.save()

	if s.exportFile != "" {
		if err := ExportTranscript(s.exportFile, s.report()); err != nil {
			log.Warn().Err(err).Str("file", s.exportFile).Msg("failed to export transcript")
		}
	}
}

func (s *Session) report() Report {
	return Report{
		RunID:       s.runID,
		Outcome:     s.over,
		StartedAt:   s.startedAt,
		EndedAt:     s.overAt,
		State:       s.gs.Clone(),
		ThreatLevel: s.threat,
	}
}

func (s *Session) reset() {
	s.countdown.Stop(false)
	s.seq.Reset()
	s.gs = state.Reset()
	s.threat = state.MinThreat
	s.over = ""
	s.overAt = time.Time{}
	s.runID = uuid.NewString()
	s.startedAt = s.loop.Now()
}

// sessionActions and sessionConditions are called by the sequencer, which
// already runs on the loop.
type sessionActions struct{ s *Session }

func (a sessionActions) InstallTor() error {
	if a.s.gs.TorInstalled {
		a.s.desktop.Notice("Tor Browser is already installed")
	}
	a.s.gs.TorInstalled = true
	a.s.save()
	a.s.desktop.OpenApp(AppTor)
	return nil
}

func (a sessionActions) ShowLinksDownload() error {
	a.s.gs.LinksInstalled = true
	a.s.save()
	a.s.desktop.OpenApp(AppLinks)
	return nil
}

func (a sessionActions) InstallDOSMarket() error {
	a.s.gs.DOSMarketInstalled = true
	a.s.save()
	a.s.desktop.OpenApp(AppDOSMarket)
	return nil
}

type sessionConditions struct{ s *Session }

func (c sessionConditions) Check(cond narrative.Condition) bool {
	switch cond {
	case narrative.ConditionTorRunning:
		return c.s.gs.TorRunning && c.s.gs.Connected()
	}
	return false
}
