package state

import (
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Normalize turns any raw save document into a valid Document. Every field is
// read and defaulted on its own, so an old save, a partial save or plain
// garbage all come back usable. It never fails.
func Normalize(raw []byte) Document {
	doc := Document{GameState: Defaults()}
	if !gjson.ValidBytes(raw) {
		return doc
	}
	root := gjson.ParseBytes(raw)
	gs := root.Get("gameState")
	if !gs.IsObject() {
		// Very old saves stored the state at the top level.
		if root.IsObject() && root.Get("chatStep").Exists() {
			gs = root
		} else {
			gs = gjson.Result{}
		}
	}

	s := &doc.GameState
	if n, ok := intField(gs.Get("chatStep")); ok && n > 0 {
		s.ChatStep = n
	}
	s.ChatHistory = chatHistory(gs.Get("chatHistory"))

	s.CountdownActive = boolField(gs.Get("countdownActive"))
	s.CountdownDeadline = deadlineField(gs.Get("countdownDeadline"))
	s.CountdownTriggered = boolField(gs.Get("countdownTriggered"))
	if s.CountdownActive && s.CountdownDeadline == nil {
		s.CountdownActive = false
	}

	s.TorInstalled = boolField(gs.Get("torInstalled"))
	s.LinksInstalled = boolField(gs.Get("linksInstalled"))
	s.DOSMarketInstalled = boolField(gs.Get("dosMarketInstalled"))
	s.TorRunning = boolField(gs.Get("torRunning"))

	if net := gs.Get("currentNetwork"); net.IsObject() {
		if ssid := net.Get("ssid"); ssid.Type == gjson.String {
			s.CurrentNetwork = &Network{SSID: ssid.Str}
		}
	}

	s.KeysFound, _ = intField(gs.Get("keysFound"))
	s.Alerts, _ = intField(gs.Get("alerts"))
	s.DOSCoin, _ = intField(gs.Get("dosCoin"))
	if tier, ok := intField(gs.Get("vpnTier")); ok {
		s.VPNTier = tier
	}

	if threat, ok := intField(root.Get("threatLevel")); ok {
		doc.ThreatLevel = ClampThreat(threat)
	}
	return doc
}

func boolField(r gjson.Result) bool {
	return r.Type == gjson.True
}

// intField accepts only JSON numbers that fit an int; fractions are
// truncated.
func intField(r gjson.Result) (int, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	f := r.Float()
	if math.IsNaN(f) || f >= float64(math.MaxInt) || f < float64(math.MinInt) {
		return 0, false
	}
	return int(f), true
}

// deadlineField accepts a number or a numeric string; anything else is "no
// deadline".
func deadlineField(r gjson.Result) *int64 {
	var f float64
	switch r.Type {
	case gjson.Number:
		f = r.Float()
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return nil
		}
		f = v
	default:
		return nil
	}
	if math.IsNaN(f) || f <= 0 || f >= float64(math.MaxInt64) {
		return nil
	}
	ms := int64(f)
	return &ms
}

func chatHistory(r gjson.Result) []ChatEntry {
	out := []ChatEntry{}
	if !r.IsArray() {
		return out
	}
	for _, item := range r.Array() {
		text := item.Get("text")
		if text.Type != gjson.String {
			continue
		}
		switch EntryType(item.Get("type").String()) {
		case EntryReceived:
			out = append(out, ChatEntry{Text: text.Str, Type: EntryReceived})
		case EntrySent:
			out = append(out, ChatEntry{Text: text.Str, Type: EntrySent})
		}
	}
	return out
}
