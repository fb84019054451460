package game

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kiliankoe/onionshell/internal/state"
)

// Report is everything written to the transcript file when a run ends.
type Report struct {
	RunID       string
	Outcome     string
	StartedAt   time.Time
	EndedAt     time.Time
	State       state.GameState
	ThreatLevel int
}

// ExportTranscript appends a finished run to filename.
func ExportTranscript(filename string, r Report) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	fileExists := false
	if info, err := os.Stat(filename); err == nil && info.Size() > 0 {
		fileExists = true
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var sb strings.Builder
	if fileExists {
		sb.WriteString("\n\n") // spacing between runs
	}
	sb.WriteString(fmt.Sprintf("onionshell run %s\n", r.RunID))
	sb.WriteString(fmt.Sprintf("Started: %s\n", r.StartedAt.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("Ended:   %s (lasted %s)\n",
		r.EndedAt.Format("2006-01-02 15:04:05"),
		strings.TrimSpace(humanize.RelTime(r.StartedAt, r.EndedAt, "", ""))))
	sb.WriteString(fmt.Sprintf("Outcome: %s\n", outcomeLabel(r.Outcome)))
	sb.WriteString(strings.Repeat("=", 50) + "\n\n")

	gs := r.State
	sb.WriteString(fmt.Sprintf("Keys found: %d\n", gs.KeysFound))
	sb.WriteString(fmt.Sprintf("Alerts: %d\n", gs.Alerts))
	sb.WriteString(fmt.Sprintf("DOSCoin: %s\n", humanize.Comma(int64(gs.DOSCoin))))
	sb.WriteString(fmt.Sprintf("Threat level: %d/%d\n", r.ThreatLevel, state.MaxThreat))
	sb.WriteString(fmt.Sprintf("Story step: %d\n\n", gs.ChatStep))

	sb.WriteString("Transcript:\n")
	sb.WriteString(strings.Repeat("-", 40) + "\n")
	if len(gs.ChatHistory) == 0 {
		sb.WriteString("(empty)\n")
	}
	for _, e := range gs.ChatHistory {
		who := "them"
		if e.Type == state.EntrySent {
			who = "you"
		}
		sb.WriteString(fmt.Sprintf("%-4s > %s\n", who, e.Text))
	}
	sb.WriteString(strings.Repeat("=", 50) + "\n")

	if _, err := file.WriteString(sb.String()); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}

func outcomeLabel(reason string) string {
	switch reason {
	case ReasonExpired:
		return "the mission clock ran out"
	case ReasonTraced:
		return "traced"
	case "":
		return "unfinished"
	}
	return reason
}
