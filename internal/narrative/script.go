package narrative

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidScript = errors.New("invalid narrative script")

// DefaultScript returns the built-in story. Each call returns a fresh slice.
func DefaultScript() []Step {
	return []Step{
		Received{Text: "hey. you there?", Delay: 1500 * time.Millisecond},
		Player{Text: "who is this?"},
		Received{Text: "doesn't matter. somebody used your machine to move coin through a market on the dark web. your address is all over the logs.", Delay: 2500 * time.Millisecond},
		Player{Text: "that's impossible, i didn't do anything"},
		Received{Text: "i believe you. the people running the trace won't.", Delay: 2 * time.Second},
		Received{
			Text:             "their trace finishes in sixty minutes. after that they know where you sleep.",
			Delay:            2500 * time.Millisecond,
			CountdownMinutes: 60,
		},
		Received{Text: "first you need a clean way in. install this.", Delay: 2 * time.Second},
		File{FileName: "tor-browser-linux64.tar.xz", Action: ActionInstallTor},
		Received{Text: "get on a network and start tor. i'll wait.", Delay: 1500 * time.Millisecond},
		WaitFor{Condition: ConditionTorRunning},
		Received{Text: "good. you're in. these are the addresses you'll need.", Delay: 2 * time.Second},
		File{FileName: "links.txt.onion", Action: ActionShowLinks},
		Received{Text: "the wallet that framed you sits on DOSMarket. get in, find the keys, get out.", Delay: 2500 * time.Millisecond},
		File{FileName: "dosmarket-client.zip", Action: ActionInstallDOSMarket},
		Received{Text: "clock's running. don't let them trace you.", Delay: 1500 * time.Millisecond},
	}
}

// CountdownStep returns the index of the first step that starts the mission
// clock, or -1.
func CountdownStep(script []Step) int {
	for i, st := range script {
		if r, ok := st.(Received); ok && r.CountdownMinutes > 0 {
			return i
		}
	}
	return -1
}

// Validate checks every step of a script.
func Validate(script []Step) error {
	if len(script) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidScript)
	}
	for i, st := range script {
		if err := validateStep(st); err != nil {
			return fmt.Errorf("%w: step %d (%s): %v", ErrInvalidScript, i, kindOf(st), err)
		}
	}
	return nil
}

func validateStep(st Step) error {
	switch s := st.(type) {
	case Received:
		if strings.TrimSpace(s.Text) == "" {
			return errors.New("empty text")
		}
		if s.Delay < 0 {
			return errors.New("negative delay")
		}
		if s.CountdownMinutes < 0 {
			return errors.New("negative countdown minutes")
		}
	case Player:
		if strings.TrimSpace(s.Text) == "" {
			return errors.New("empty text")
		}
	case File:
		if strings.TrimSpace(s.FileName) == "" {
			return errors.New("empty file name")
		}
		if !s.Action.Valid() {
			return fmt.Errorf("unknown action %q", s.Action)
		}
	case WaitFor:
		if !s.Condition.Valid() {
			return fmt.Errorf("unknown condition %q", s.Condition)
		}
	case nil:
		return errors.New("missing step")
	default:
		return fmt.Errorf("unsupported step %T", st)
	}
	return nil
}

func kindOf(st Step) string {
	if st == nil {
		return "nil"
	}
	return st.Kind()
}
