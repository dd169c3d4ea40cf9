package filter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Blacklist holds market ids the engine must never copy: markets where the
// real account already holds a position outside the paper ledger. Persisted
// as a plain JSON string list so it survives restarts.
type Blacklist struct {
	mu   sync.RWMutex
	path string
	ids  map[string]struct{}
}

// Load reads the blacklist at path. An unreadable file yields an empty set.
func Load(path string) *Blacklist {
	b := &Blacklist{path: path, ids: make(map[string]struct{})}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", path).Msg("Blacklist unreadable, starting empty")
		}
		return b
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Blacklist malformed, starting empty")
		return b
	}
	for _, id := range ids {
		b.ids[id] = struct{}{}
	}
	log.Info().Int("markets", len(b.ids)).Msg("Blacklist loaded")
	return b
}

// Initialize replaces the set with the source account's current holdings
// and persists it.
func (b *Blacklist) Initialize(marketIDs []string) {
	b.mu.Lock()
	b.ids = make(map[string]struct{}, len(marketIDs))
	for _, id := range marketIDs {
		if id != "" {
			b.ids[id] = struct{}{}
		}
	}
	b.mu.Unlock()
	b.save()
}

// Contains reports whether a market is blocked from copying.
func (b *Blacklist) Contains(marketID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ids[marketID]
	return ok
}

// Size returns the number of blacklisted markets.
func (b *Blacklist) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ids)
}

func (b *Blacklist) save() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.ids))
	for id := range b.ids {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)

	raw, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Blacklist marshal failed")
		return
	}
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("Blacklist mkdir failed")
		return
	}
	tmp, err := os.CreateTemp(dir, ".blacklist-*.json")
	if err != nil {
		log.Error().Err(err).Msg("Blacklist temp create failed")
		return
	}
	if _, err := tmp.Write(raw); err == nil {
		tmp.Close()
		if err := os.Rename(tmp.Name(), b.path); err != nil {
			os.Remove(tmp.Name())
			log.Error().Err(err).Msg("Blacklist rename failed")
		}
	} else {
		tmp.Close()
		os.Remove(tmp.Name())
		log.Error().Err(err).Msg("Blacklist write failed")
	}
}
