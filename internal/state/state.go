// Package state holds the canonical game record, its defaulting rules and the
// store that loads and saves it through a persistence gateway.
package state

type EntryType string

const (
	EntryReceived EntryType = "received"
	EntrySent     EntryType = "sent"
)

type ChatEntry struct {
	Text string    `json:"text"`
	Type EntryType `json:"type"`
}

type Network struct {
	SSID string `json:"ssid"`
}

// GameState is the single mutable record of a playthrough. It is owned by the
// game session and handed by pointer to the engines that mutate it.
type GameState struct {
	ChatStep    int         `json:"chatStep"`
	ChatHistory []ChatEntry `json:"chatHistory"`

	CountdownActive    bool   `json:"countdownActive"`
	CountdownDeadline  *int64 `json:"countdownDeadline"` // epoch milliseconds
	CountdownTriggered bool   `json:"countdownTriggered"`

	TorInstalled       bool `json:"torInstalled"`
	LinksInstalled     bool `json:"linksInstalled"`
	DOSMarketInstalled bool `json:"dosMarketInstalled"`

	TorRunning     bool     `json:"torRunning"`
	CurrentNetwork *Network `json:"currentNetwork"`

	KeysFound int `json:"keysFound"`
	Alerts    int `json:"alerts"`
	DOSCoin   int `json:"dosCoin"`
	VPNTier   int `json:"vpnTier"`
}

const (
	MinThreat = 0
	MaxThreat = 100
)

// Document is the persisted unit: the game state plus the threat level, which
// the desktop tracks separately from the state record.
type Document struct {
	GameState   GameState `json:"gameState"`
	ThreatLevel int       `json:"threatLevel"`
}

// Defaults returns the state of a fresh playthrough.
func Defaults() GameState {
	return GameState{
		ChatHistory: []ChatEntry{},
		VPNTier:     -1,
	}
}

// Reset produces a fresh default state.
func Reset() GameState { return Defaults() }

// Clone returns a deep copy, safe to serialize off the loop.
func (g GameState) Clone() GameState {
	out := g
	out.ChatHistory = append([]ChatEntry{}, g.ChatHistory...)
	if g.CountdownDeadline != nil {
		d := *g.CountdownDeadline
		out.CountdownDeadline = &d
	}
	if g.CurrentNetwork != nil {
		n := *g.CurrentNetwork
		out.CurrentNetwork = &n
	}
	return out
}

// Connected reports whether the player is on a network.
func (g *GameState) Connected() bool {
	return g.CurrentNetwork != nil
}

// ClampThreat keeps a threat level within bounds.
func ClampThreat(v int) int {
	if v < MinThreat {
		return MinThreat
	}
	if v > MaxThreat {
		return MaxThreat
	}
	return v
}
