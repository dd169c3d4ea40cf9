package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polycopy/internal/model"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LEDGER STORE - Durable paper-account state
// ═══════════════════════════════════════════════════════════════════════════════
//
// Single owner for every mutation: balance, positions, closed positions,
// trade events, market cache, processed tx hashes, price cache. Persists by
// atomic whole-file rewrite (write temp + rename) after every state change.
//
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultStartingBalance seeds a fresh ledger.
const DefaultStartingBalance = 1000

// Positions below this share count are dust and get migrated to the closed
// set.
const minPositionSize = 0.1

// priceCacheTTL bounds how long a streamed price satisfies the REST
// fallback.
const priceCacheTTL = 30 * time.Second

type priceEntry struct {
	Tick int
	At   time.Time
}

// Store owns the durable ledger plus the in-memory price cache.
type Store struct {
	mu        sync.Mutex
	path      string
	st        *ledgerFile
	processed map[string]struct{}
	prices    map[string]priceEntry

	// now is swappable in tests.
	now func() time.Time
}

// Open loads the ledger at path, or starts fresh with startingBalance when
// the file is missing or unreadable. Starting clean beats aborting.
func Open(path string, startingBalance float64) *Store {
	if startingBalance <= 0 {
		startingBalance = DefaultStartingBalance
	}
	s := &Store{
		path:      path,
		prices:    make(map[string]priceEntry),
		processed: make(map[string]struct{}),
		now:       time.Now,
	}

	st, err := loadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", path).Msg("Ledger unreadable, starting fresh")
		}
		st = &ledgerFile{Balance: startingBalance}
	}
	if st.Positions == nil {
		st.Positions = make(map[string]*Position)
	}
	if st.MarketCache == nil {
		st.MarketCache = make(map[string]MarketCacheEntry)
	}
	for _, h := range st.ProcessedTxHashes {
		s.processed[h] = struct{}{}
	}
	coerceEnums(st)
	s.st = st

	log.Info().
		Str("path", path).
		Float64("balance", st.Balance).
		Int("positions", len(st.Positions)).
		Int("closed", len(st.ClosedPositions)).
		Msg("💾 Ledger loaded")
	return s
}

func loadFile(path string) (*ledgerFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st ledgerFile
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse ledger: %w", err)
	}
	return &st, nil
}

// coerceEnums forces unknown persisted variant values onto safe defaults.
func coerceEnums(st *ledgerFile) {
	for _, p := range st.Positions {
		p.State = model.CoercePositionState(string(p.State))
		p.MarketType = model.CoerceMarketType(string(p.MarketType))
		if p.CloseTrigger != "" {
			p.CloseTrigger = model.CoerceCloseTrigger(string(p.CloseTrigger))
		}
	}
	for i := range st.ClosedPositions {
		cp := &st.ClosedPositions[i]
		cp.CloseTrigger = model.CoerceCloseTrigger(string(cp.CloseTrigger))
		cp.MarketType = model.CoerceMarketType(string(cp.MarketType))
	}
}

// SetClock overrides the time source used for hold windows, event stamps
// and price freshness.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Save persists the ledger with an atomic temp-file + rename. Callers
// already hold the mutex through the public mutators; Save is exported for
// the shutdown path.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	hashes := make([]string, 0, len(s.processed))
	for h := range s.processed {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	s.st.ProcessedTxHashes = hashes

	raw, err := json.MarshalIndent(s.st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename ledger: %w", err)
	}
	return nil
}

// ─── keys ───

// positionKey builds the canonical map key: (marketId, tokenId) when the
// token is known, otherwise (marketId, side, outcomeLabel).
func positionKey(marketID, tokenID string, side model.Side, outcomeLabel string) string {
	if tokenID != "" {
		return marketID + "|" + tokenID
	}
	if outcomeLabel != "" {
		return marketID + "|" + string(side) + "|" + strings.ToUpper(outcomeLabel)
	}
	return legacyKey(marketID, side)
}

func legacyKey(marketID string, side model.Side) string {
	return marketID + "|" + string(side)
}

// findLocked resolves a position by canonical key, falling back to the
// legacy (marketId, side) key for pre-token rows.
func (s *Store) findLocked(marketID, tokenID string, side model.Side, outcomeLabel string) (string, *Position) {
	key := positionKey(marketID, tokenID, side, outcomeLabel)
	if p, ok := s.st.Positions[key]; ok {
		return key, p
	}
	lk := legacyKey(marketID, side)
	if p, ok := s.st.Positions[lk]; ok {
		return lk, p
	}
	// a position opened with a token id may be addressed without one later
	for k, p := range s.st.Positions {
		if p.MarketID == marketID && p.Side == side && (outcomeLabel == "" || strings.EqualFold(p.OutcomeLabel, outcomeLabel)) {
			return k, p
		}
	}
	return key, nil
}

// ─── read accessors (lock-scoped snapshots) ───

// Balance returns the current cash balance.
func (s *Store) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Balance
}

// Positions returns a snapshot copy of the open set.
func (s *Store) Positions() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.st.Positions))
	for _, p := range s.st.Positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastEntryTime > out[j].LastEntryTime
	})
	return out
}

// Position returns a copy of one position resolved by canonical or legacy
// key.
func (s *Store) Position(marketID, tokenID string, side model.Side, outcomeLabel string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, p := s.findLocked(marketID, tokenID, side, outcomeLabel)
	if p == nil {
		return Position{}, false
	}
	return *p, true
}

// ClosedPositions returns a snapshot of the realized closes, newest last.
func (s *Store) ClosedPositions() []ClosedPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClosedPosition, len(s.st.ClosedPositions))
	copy(out, s.st.ClosedPositions)
	return out
}

// TradeEvents returns a snapshot of the audit log.
func (s *Store) TradeEvents() []TradeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TradeEvent, len(s.st.TradeEvents))
	copy(out, s.st.TradeEvents)
	return out
}

// HasTradeEvent reports whether an activity id was already replicated.
func (s *Store) HasTradeEvent(externalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.st.TradeEvents {
		if s.st.TradeEvents[i].TxHash == externalID {
			return true
		}
	}
	return false
}

// IsProcessed reports whether a tx hash was already applied.
func (s *Store) IsProcessed(txHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[txHash]
	return ok
}

// MarkProcessed records a hash that was consumed by a policy skip, so the
// same source fill is never reconsidered.
func (s *Store) MarkProcessed(txHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txHash == "" {
		return
	}
	if _, done := s.processed[txHash]; done {
		return
	}
	s.processed[txHash] = struct{}{}
	if err := s.saveLocked(); err != nil {
		log.Error().Err(err).Msg("Ledger save failed after processed mark")
	}
}

// MarketCache returns the cached metadata for a market.
func (s *Store) MarketCache(marketID string) (MarketCacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.MarketCache[marketID]
	return e, ok
}

// UpdateMarketCache stores gamma metadata. endTime below 10^10 is a
// seconds value and gets normalized to milliseconds.
func (s *Store) UpdateMarketCache(marketID, question, slug string, outcomes, clobTokenIDs []string, endTime int64) {
	if endTime > 0 && endTime < 1e10 {
		endTime *= 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.MarketCache[marketID] = MarketCacheEntry{
		Question:     question,
		Slug:         slug,
		Outcomes:     outcomes,
		ClobTokenIDs: clobTokenIDs,
		EndTimeMs:    endTime,
		UpdatedAt:    s.now().UnixMilli(),
	}
	if err := s.saveLocked(); err != nil {
		log.Error().Err(err).Msg("Ledger save failed after market cache update")
	}
}

// FreshPrice returns a cached tick for tokenID (or marketID when the token
// is unknown) if it is younger than 30 s.
func (s *Store) FreshPrice(marketID, tokenID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tokenID
	if key == "" {
		key = marketID
	}
	e, ok := s.prices[key]
	if !ok || s.now().Sub(e.At) > priceCacheTTL {
		return 0, false
	}
	return e.Tick, true
}
