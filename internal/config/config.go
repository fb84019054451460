package config

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Port             string
	SaveBackend      string
	SavePath         string
	SaveKey          string
	AutosaveInterval time.Duration
	WaitPollInterval time.Duration
	ScriptFile       string
	ExportEnabled    bool
	ExportFile       string
	DevTools         bool
	LogLevel         string
}

func FromEnv() Config {
	c := Config{}
	c.Port = getenv("PORT", "8080")
	c.SaveBackend = strings.ToLower(getenv("SAVE_BACKEND", "sqlite"))
	c.SavePath = getenv("SAVE_PATH", "./data/onionshell.db")
	c.SaveKey = getenv("SAVE_KEY", "onionshell_save")
	c.AutosaveInterval = getduration("AUTOSAVE_INTERVAL", 30*time.Second)
	c.WaitPollInterval = getduration("WAIT_POLL_INTERVAL", 800*time.Millisecond)
	c.ScriptFile = os.Getenv("SCRIPT_FILE")
	c.ExportEnabled = getenv("EXPORT_ENABLED", "true") == "true"
	c.ExportFile = getenv("EXPORT_FILE", "./onionshell-transcripts.txt")
	c.DevTools = getenv("DEV_TOOLS", "false") == "true"
	c.LogLevel = strings.ToLower(getenv("LOG_LEVEL", "info"))
	return c
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getduration parses a Go duration string; anything unparsable or non-positive
// falls back to def.
func getduration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warn().Str("key", k).Str("value", v).Dur("default", def).Msg("invalid duration, using default")
		return def
	}
	return d
}
