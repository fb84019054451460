package game

import (
	"github.com/kiliankoe/onionshell/internal/countdown"
	"github.com/kiliankoe/onionshell/internal/state"
)

// App is a desktop application the browser can open.
type App string

const (
	AppChat      App = "chat"
	AppTimer     App = "timer"
	AppTor       App = "tor"
	AppLinks     App = "links"
	AppDOSMarket App = "dosmarket"
)

// Game-over reasons.
const (
	ReasonExpired = countdown.ReasonExpired
	ReasonTraced  = "traced"
)

// Desktop is the window manager side of the browser.
type Desktop interface {
	OpenApp(app App)
	ShowGameOver(reason string, keepCountdownVisible bool)
	Notice(msg string)
}

type nopDesktop struct{}

func (nopDesktop) OpenApp(App)               {}
func (nopDesktop) ShowGameOver(string, bool) {}
func (nopDesktop) Notice(string)             {}

// Status is what a freshly connected desktop needs to draw itself.
type Status struct {
	RunID       string          `json:"runId"`
	State       state.GameState `json:"gameState"`
	ThreatLevel int             `json:"threatLevel"`
	GameOver    string          `json:"gameOver,omitempty"`
	ChatPhase   string          `json:"chatPhase"`
	Countdown   string          `json:"countdown"`
	Critical    bool            `json:"critical"`
}
