package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Trade sizing settings live in their own small file, separate from the
// ledger, so the dashboard can change them without touching account state.

// Mode selects how replicated trades are sized.
type Mode string

const (
	// ModePercentage spends a fixed fraction of the cash balance per copy.
	ModePercentage Mode = "PERCENTAGE"
	// ModeFixed spends a fixed USD amount per copy.
	ModeFixed Mode = "FIXED"
)

// TradeSettings is the persisted shape of trade_settings.json.
type TradeSettings struct {
	Mode           Mode    `json:"mode"`
	Percentage     float64 `json:"percentage"`
	FixedAmountUSD float64 `json:"fixedAmountUsd"`
}

// Patch is a partial settings update from the dashboard.
type Patch struct {
	Mode           *Mode    `json:"mode,omitempty"`
	Percentage     *float64 `json:"percentage,omitempty"`
	FixedAmountUSD *float64 `json:"fixedAmountUsd,omitempty"`
}

// Store guards the settings file.
type Store struct {
	mu   sync.RWMutex
	path string
	s    TradeSettings
}

// Defaults returns the baseline sizing configuration.
func Defaults(percentage, fixedUSD float64) TradeSettings {
	if percentage <= 0 {
		percentage = 0.10
	}
	if fixedUSD <= 0 {
		fixedUSD = 10
	}
	return TradeSettings{Mode: ModePercentage, Percentage: percentage, FixedAmountUSD: fixedUSD}
}

// Load reads trade settings, falling back to defaults when the file is
// missing or malformed.
func Load(path string, defaults TradeSettings) *Store {
	st := &Store{path: path, s: defaults}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", path).Msg("Trade settings unreadable, using defaults")
		}
		return st
	}
	var s TradeSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Trade settings malformed, using defaults")
		return st
	}
	if s.Mode != ModeFixed && s.Mode != ModePercentage {
		s.Mode = defaults.Mode
	}
	if s.Percentage <= 0 || s.Percentage > 1 {
		s.Percentage = defaults.Percentage
	}
	if s.FixedAmountUSD <= 0 {
		s.FixedAmountUSD = defaults.FixedAmountUSD
	}
	st.s = s
	return st
}

// Get returns a copy of the current settings.
func (st *Store) Get() TradeSettings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// Apply merges a patch, persists, and returns the result. Invalid values
// in the patch are ignored field by field.
func (st *Store) Apply(p Patch) TradeSettings {
	st.mu.Lock()
	if p.Mode != nil && (*p.Mode == ModeFixed || *p.Mode == ModePercentage) {
		st.s.Mode = *p.Mode
	}
	if p.Percentage != nil && *p.Percentage > 0 && *p.Percentage <= 1 {
		st.s.Percentage = *p.Percentage
	}
	if p.FixedAmountUSD != nil && *p.FixedAmountUSD > 0 {
		st.s.FixedAmountUSD = *p.FixedAmountUSD
	}
	out := st.s
	st.mu.Unlock()

	st.save(out)
	return out
}

func (st *Store) save(s TradeSettings) {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Trade settings marshal failed")
		return
	}
	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("Trade settings mkdir failed")
		return
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		log.Error().Err(err).Msg("Trade settings temp create failed")
		return
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		log.Error().Err(err).Msg("Trade settings write failed")
		return
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), st.path); err != nil {
		os.Remove(tmp.Name())
		log.Error().Err(err).Msg("Trade settings rename failed")
	}
}
