package state

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// ErrNotFound is returned by a Gateway when nothing has been saved yet.
var ErrNotFound = errors.New("no saved game")

// Gateway stores the single serialized document under a fixed key. After
// Delete, Load reports ErrNotFound again.
type Gateway interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Delete(ctx context.Context) error
}

type Store struct {
	gw Gateway
}

func NewStore(gw Gateway) *Store {
	return &Store{gw: gw}
}

// Load returns the saved document, or false when there is none or it cannot
// be read. Callers fall back to defaults.
func (s *Store) Load(ctx context.Context) (*Document, bool) {
	raw, err := s.gw.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Msg("could not load saved game")
		}
		return nil, false
	}
	if !gjson.ValidBytes(raw) {
		log.Warn().Int("bytes", len(raw)).Msg("saved game is not valid JSON, ignoring")
		return nil, false
	}
	doc := Normalize(raw)
	return &doc, true
}

// LoadOrDefault is Load with the fallback applied.
func (s *Store) LoadOrDefault(ctx context.Context) Document {
	if doc, ok := s.Load(ctx); ok {
		return *doc
	}
	return Document{GameState: Defaults()}
}

// Save writes the full document. Failures are logged, never returned.
func (s *Store) Save(ctx context.Context, doc Document) {
	doc.ThreatLevel = ClampThreat(doc.ThreatLevel)
	if doc.GameState.ChatHistory == nil {
		doc.GameState.ChatHistory = []ChatEntry{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		log.Warn().Err(err).Msg("could not encode game state")
		return
	}
	if err := s.gw.Save(ctx, data); err != nil {
		log.Warn().Err(err).Msg("could not save game state")
	}
}

// Clear removes the saved document so the next Load is a first run.
func (s *Store) Clear(ctx context.Context) {
	if err := s.gw.Delete(ctx); err != nil {
		log.Warn().Err(err).Msg("could not clear saved game")
	}
}

// Autosave saves a snapshot every interval until ctx is done, then saves once
// more so an exiting process keeps its latest state.
func (s *Store) Autosave(ctx context.Context, interval time.Duration, snapshot func() Document) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled; the final write gets a fresh one.
			s.Save(context.Background(), snapshot())
			log.Info().Msg("autosave stopped, final state saved")
			return
		case <-ticker.C:
			s.Save(ctx, snapshot())
			log.Debug().Msg("autosaved")
		}
	}
}
