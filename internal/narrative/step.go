// Package narrative drives the scripted chat: an ordered list of steps consumed
// one at a time by a cursor stored in the game state.
package narrative

import "time"

// Step is one entry of a script. It is implemented only by Received, Player,
// File and WaitFor; the sequencer switches on the concrete type.
type Step interface {
	isStep()
	Kind() string
}

// Received is an incoming narrative line, shown after Delay of "typing".
// A positive CountdownMinutes starts the mission clock when the line is shown.
type Received struct {
	Text             string
	Delay            time.Duration
	CountdownMinutes float64
}

// Player is a reply the player has to type. The text is fixed.
type Player struct {
	Text string
}

// File is a deliverable the player has to click before the story continues.
type File struct {
	FileName string
	Action   Action
}

// WaitFor blocks the script until Condition holds.
type WaitFor struct {
	Condition Condition
}

func (Received) isStep() {}
func (Player) isStep()   {}
func (File) isStep()     {}
func (WaitFor) isStep()  {}

func (Received) Kind() string { return "received" }
func (Player) Kind() string   { return "player" }
func (File) Kind() string     { return "file" }
func (WaitFor) Kind() string  { return "waitFor" }

// Action names an external effect triggered by a File step.
type Action string

const (
	ActionInstallTor       Action = "install_tor"
	ActionShowLinks        Action = "show_links"
	ActionInstallDOSMarket Action = "install_dosmarket"
)

func (a Action) Valid() bool {
	switch a {
	case ActionInstallTor, ActionShowLinks, ActionInstallDOSMarket:
		return true
	}
	return false
}

// Condition names an external predicate polled by a WaitFor step.
type Condition string

// ConditionTorRunning holds while Tor is running over a connected network.
const ConditionTorRunning Condition = "tor_running"

func (c Condition) Valid() bool {
	return c == ConditionTorRunning
}
