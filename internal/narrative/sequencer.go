package narrative

import (
	"errors"
	"fmt"
	"time"

	"github.com/kiliankoe/onionshell/internal/sched"
	"github.com/kiliankoe/onionshell/internal/state"
	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is how often a WaitFor step re-checks its condition.
const DefaultPollInterval = 800 * time.Millisecond

var (
	ErrNotAwaitingReply = errors.New("no reply is expected right now")
	ErrWrongStep        = errors.New("that file is not the current step")
	ErrUnknownAction    = errors.New("unknown file action")
)

// Phase is what the sequencer is currently waiting on.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDelaying
	PhaseAwaitingReply
	PhaseAwaitingFile
	PhaseAwaitingCondition
	PhaseFinished
	PhaseHalted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDelaying:
		return "delaying"
	case PhaseAwaitingReply:
		return "awaiting_reply"
	case PhaseAwaitingFile:
		return "awaiting_file"
	case PhaseAwaitingCondition:
		return "awaiting_condition"
	case PhaseFinished:
		return "finished"
	case PhaseHalted:
		return "halted"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Countdown is the part of the countdown engine the sequencer drives.
type Countdown interface {
	Active() bool
	Start(minutes float64) (time.Time, error)
	MaybeTriggerFromMessage(raw string) bool
}

// Actions performs the effects of File steps.
type Actions interface {
	InstallTor() error
	ShowLinksDownload() error
	InstallDOSMarket() error
}

// Conditions answers WaitFor predicates.
type Conditions interface {
	Check(c Condition) bool
}

// View renders the chat window.
type View interface {
	SetTyping(typing bool)
	SetInputEnabled(enabled bool)
	AppendMessage(entry state.ChatEntry)
	ShowDraft(text string)
	OfferFile(stepIndex int, fileName string)
	DisableFile(stepIndex int)
	Notice(msg string)
}

// NopView discards everything.
type NopView struct{}

func (NopView) SetTyping(bool)                {}
func (NopView) SetInputEnabled(bool)          {}
func (NopView) AppendMessage(state.ChatEntry) {}
func (NopView) ShowDraft(string)              {}
func (NopView) OfferFile(int, string)         {}
func (NopView) DisableFile(int)               {}
func (NopView) Notice(string)                 {}

type Options struct {
	Countdown    Countdown
	Actions      Actions
	Conditions   Conditions
	View         View
	PollInterval time.Duration
	// Save persists the game state after the cursor or transcript changes.
	Save func()
}

// Sequencer walks the script using gs.ChatStep as its cursor. Like the
// countdown engine it must only be used from the game loop.
type Sequencer struct {
	clock  sched.Clock
	gs     *state.GameState
	script []Step

	countdown  Countdown
	actions    Actions
	conditions Conditions
	view       View
	poll       time.Duration
	save       func()

	phase   Phase
	typed   int
	pending sched.Timer
}

func New(clock sched.Clock, gs *state.GameState, script []Step, opts Options) *Sequencer {
	s := &Sequencer{
		clock:      clock,
		gs:         gs,
		script:     script,
		countdown:  opts.Countdown,
		actions:    opts.Actions,
		conditions: opts.Conditions,
		view:       opts.View,
		poll:       opts.PollInterval,
		save:       opts.Save,
	}
	if s.view == nil {
		s.view = NopView{}
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	if s.save == nil {
		s.save = func() {}
	}
	return s
}

func (s *Sequencer) Phase() Phase { return s.phase }

func (s *Sequencer) Script() []Step { return s.script }

// Current returns the step under the cursor, or nil at the end of the script.
func (s *Sequencer) Current() Step {
	if s.gs.ChatStep < 0 || s.gs.ChatStep >= len(s.script) {
		return nil
	}
	return s.script[s.gs.ChatStep]
}

// Advance runs the script from the cursor until a step needs the player or
// the script ends. It does nothing while a step is already armed.
func (s *Sequencer) Advance() {
	if s.phase != PhaseIdle {
		return
	}
	s.run()
}

func (s *Sequencer) run() {
	for s.phase == PhaseIdle {
		idx := s.gs.ChatStep
		if idx >= len(s.script) {
			s.finish()
			return
		}
		switch st := s.script[idx].(type) {
		case Received:
			if st.Delay > 0 {
				s.delay(st)
				return
			}
			s.receive(st)
		case Player:
			s.phase = PhaseAwaitingReply
			s.typed = 0
			s.view.ShowDraft("")
			s.view.SetInputEnabled(true)
			log.Debug().Int("step", idx).Msg("awaiting player reply")
		case File:
			s.phase = PhaseAwaitingFile
			s.view.OfferFile(idx, st.FileName)
			log.Debug().Int("step", idx).Str("file", st.FileName).Msg("offering file")
		case WaitFor:
			if s.conditions != nil && s.conditions.Check(st.Condition) {
				s.step()
				continue
			}
			s.wait(st)
		default:
			log.Warn().Int("step", idx).Msgf("skipping unsupported step %T", st)
			s.step()
		}
	}
}

func (s *Sequencer) delay(st Received) {
	s.phase = PhaseDelaying
	s.view.SetInputEnabled(false)
	s.view.SetTyping(true)
	s.pending = s.clock.AfterFunc(st.Delay, func() {
		s.pending = nil
		if s.phase != PhaseDelaying {
			return
		}
		s.view.SetTyping(false)
		s.phase = PhaseIdle
		s.receive(st)
		s.run()
	})
}

// receive shows a narrative line and moves past it.
func (s *Sequencer) receive(st Received) {
	entry := state.ChatEntry{Text: st.Text, Type: state.EntryReceived}
	s.gs.ChatHistory = append(s.gs.ChatHistory, entry)
	s.gs.ChatStep++
	s.save()
	s.view.AppendMessage(entry)

	if s.countdown == nil {
		return
	}
	s.countdown.MaybeTriggerFromMessage(st.Text)
	if st.CountdownMinutes > 0 && !s.countdown.Active() {
		if _, err := s.countdown.Start(st.CountdownMinutes); err != nil {
			log.Warn().Err(err).Msg("failed to start countdown from script")
		}
	}
}

func (s *Sequencer) wait(st WaitFor) {
	s.phase = PhaseAwaitingCondition
	log.Debug().Str("condition", string(st.Condition)).Msg("waiting for condition")
	s.pending = s.clock.Every(s.poll, func() {
		if s.phase != PhaseAwaitingCondition {
			return
		}
		if s.conditions == nil || !s.conditions.Check(st.Condition) {
			return
		}
		s.cancelPending()
		log.Info().Str("condition", string(st.Condition)).Msg("condition met")
		s.phase = PhaseIdle
		s.step()
		s.run()
	})
}

func (s *Sequencer) step() {
	s.gs.ChatStep++
	s.save()
}

func (s *Sequencer) finish() {
	if s.phase == PhaseFinished {
		return
	}
	s.phase = PhaseFinished
	s.view.SetTyping(false)
	s.view.SetInputEnabled(false)
	log.Info().Int("steps", len(s.script)).Msg("script finished")
}

// TypeKey handles a keystroke in the reply box. Whatever was typed, the next
// character of the scripted reply appears; the full reply completes the step.
func (s *Sequencer) TypeKey() error {
	reply, ok := s.Current().(Player)
	if s.phase != PhaseAwaitingReply || !ok {
		return ErrNotAwaitingReply
	}
	text := []rune(reply.Text)
	if s.typed < len(text) {
		s.typed++
	}
	s.view.ShowDraft(string(text[:s.typed]))
	if s.typed == len(text) {
		s.completeReply(reply)
	}
	return nil
}

// SubmitReply handles Enter in the reply box and sends the scripted reply.
func (s *Sequencer) SubmitReply() error {
	reply, ok := s.Current().(Player)
	if s.phase != PhaseAwaitingReply || !ok {
		return ErrNotAwaitingReply
	}
	s.completeReply(reply)
	return nil
}

func (s *Sequencer) completeReply(reply Player) {
	entry := state.ChatEntry{Text: reply.Text, Type: state.EntrySent}
	s.gs.ChatHistory = append(s.gs.ChatHistory, entry)
	s.typed = 0
	s.view.ShowDraft("")
	s.view.SetInputEnabled(false)
	s.view.AppendMessage(entry)
	s.phase = PhaseIdle
	s.step()
	s.run()
}

// ClickFile handles a click on the file offered by step stepIndex.
func (s *Sequencer) ClickFile(stepIndex int) error {
	file, ok := s.Current().(File)
	if s.phase != PhaseAwaitingFile || !ok || stepIndex != s.gs.ChatStep {
		return ErrWrongStep
	}
	if err := s.runAction(file.Action); err != nil {
		log.Warn().Err(err).Str("file", file.FileName).Msg("file action failed")
		s.view.Notice("could not start download")
		return fmt.Errorf("run %s: %w", file.Action, err)
	}

	entry := state.ChatEntry{Text: "Downloaded: " + file.FileName, Type: state.EntrySent}
	s.gs.ChatHistory = append(s.gs.ChatHistory, entry)
	s.view.DisableFile(stepIndex)
	s.view.AppendMessage(entry)
	log.Info().Str("file", file.FileName).Str("action", string(file.Action)).Msg("file delivered")
	s.phase = PhaseIdle
	s.step()
	s.run()
	return nil
}

func (s *Sequencer) runAction(a Action) error {
	if s.actions == nil {
		return ErrUnknownAction
	}
	switch a {
	case ActionInstallTor:
		return s.actions.InstallTor()
	case ActionShowLinks:
		return s.actions.ShowLinksDownload()
	case ActionInstallDOSMarket:
		return s.actions.InstallDOSMarket()
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, a)
}

// Replay renders the transcript to v. It has no side effects: no delays, no
// countdown checks and no writes.
func (s *Sequencer) Replay(v View) {
	for _, entry := range s.gs.ChatHistory {
		v.AppendMessage(entry)
	}
}

// Reconcile starts the mission clock when the cursor is already past the step
// that should have started it but the state shows no countdown ever ran.
func (s *Sequencer) Reconcile() bool {
	if s.phase == PhaseHalted || s.countdown == nil {
		return false
	}
	idx := CountdownStep(s.script)
	if idx < 0 || s.gs.ChatStep <= idx {
		return false
	}
	if s.gs.CountdownActive || s.gs.CountdownDeadline != nil || s.gs.CountdownTriggered {
		return false
	}
	minutes := s.script[idx].(Received).CountdownMinutes
	if _, err := s.countdown.Start(minutes); err != nil {
		log.Warn().Err(err).Msg("failed to reconcile countdown")
		return false
	}
	log.Info().Int("chatStep", s.gs.ChatStep).Msg("started countdown missed by saved progress")
	return true
}

// Open is called when a chat window opens: the transcript is replayed to v,
// the countdown reconciled, and the step under the cursor presented again or
// started.
func (s *Sequencer) Open(v View) {
	s.Replay(v)
	s.Reconcile()

	switch s.phase {
	case PhaseIdle:
		s.Advance()
		return
	case PhaseDelaying:
		v.SetInputEnabled(false)
		v.SetTyping(true)
	case PhaseAwaitingReply:
		if reply, ok := s.Current().(Player); ok {
			v.ShowDraft(string([]rune(reply.Text)[:s.typed]))
		}
		v.SetInputEnabled(true)
	case PhaseAwaitingFile:
		if file, ok := s.Current().(File); ok {
			v.OfferFile(s.gs.ChatStep, file.FileName)
		}
	case PhaseAwaitingCondition:
		v.SetInputEnabled(false)
	case PhaseFinished, PhaseHalted:
		v.SetTyping(false)
		v.SetInputEnabled(false)
	}
}

// Halt stops the script for good: pending delays and polls are cancelled and
// input is disabled until Reset.
func (s *Sequencer) Halt() {
	s.cancelPending()
	s.phase = PhaseHalted
	s.typed = 0
	s.view.SetTyping(false)
	s.view.SetInputEnabled(false)
}

// Reset returns the sequencer to idle. The caller resets the game state.
func (s *Sequencer) Reset() {
	s.cancelPending()
	s.phase = PhaseIdle
	s.typed = 0
}

func (s *Sequencer) cancelPending() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}
