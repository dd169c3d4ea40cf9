package ledger

import (
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polycopy/internal/model"
	"github.com/web3guy0/polycopy/internal/ticks"
)

// Update is one signed paper fill against the ledger. Positive SignedShares
// buy, negative sell. TxHash makes the whole mutation idempotent.
type Update struct {
	MarketID     string
	MarketName   string
	Slug         string
	Side         model.Side
	OutcomeLabel string
	SignedShares float64
	Tick         int
	TxHash       string
	Reason       string // COPY_TRADE for buys, "TRIGGER|CAUSE" for closes
	SourceTick   int
	LatencyMs    int64
	TokenID      string
	MarketType   model.MarketType
}

func reasonIsResolution(reason string) bool {
	return strings.Contains(reason, "RESOLUTION")
}

// UpdatePosition applies one fill: dedup by tx hash, guard orphan sells and
// insolvency, average entries on scale-in, realize P&L on sells, and retire
// dust positions into the closed set. Returns false when the ledger refuses
// the mutation.
func (s *Store) UpdatePosition(u Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.processed[u.TxHash]; done {
		return false
	}

	u.Tick = ticks.Clamp(u.Tick)
	key, pos := s.findLocked(u.MarketID, u.TokenID, u.Side, u.OutcomeLabel)

	if u.SignedShares < 0 && pos == nil {
		if !reasonIsResolution(u.Reason) {
			// Orphan sell: the source sold something we never copied.
			log.Debug().Str("market", u.MarketID).Str("tx", u.TxHash).Msg("Orphan sell ignored")
			s.markProcessedLocked(u.TxHash)
		}
		return false
	}

	if u.SignedShares > 0 {
		return s.applyBuyLocked(key, pos, u)
	}
	return s.applySellLocked(key, pos, u)
}

func (s *Store) applyBuyLocked(key string, pos *Position, u Update) bool {
	notional := u.SignedShares * ticks.FromTick(u.Tick)
	if s.st.Balance < notional {
		log.Warn().
			Float64("balance", s.st.Balance).
			Float64("notional", notional).
			Str("market", u.MarketID).
			Msg("Insufficient balance, buy skipped")
		s.markProcessedLocked(u.TxHash)
		return false
	}

	nowMs := s.now().UnixMilli()
	if pos == nil {
		pos = &Position{
			MarketID:     u.MarketID,
			TokenID:      u.TokenID,
			Side:         u.Side,
			OutcomeLabel: u.OutcomeLabel,
			MarketType:   u.MarketType,
			MarketName:   u.MarketName,
			Slug:         u.Slug,
			EntryTick:    u.Tick,
		}
		key = positionKey(u.MarketID, u.TokenID, u.Side, u.OutcomeLabel)
		s.st.Positions[key] = pos
	} else {
		// weighted average entry over old cost and new cost
		oldCost := pos.Size * ticks.FromTick(pos.EntryTick)
		newCost := u.SignedShares * ticks.FromTick(u.Tick)
		pos.EntryTick = ticks.ToTick((oldCost + newCost) / (pos.Size + u.SignedShares))
		s.migrateKeyLocked(key, pos, u)
	}

	s.st.Balance -= notional
	pos.Size += u.SignedShares
	pos.InvestedUSD += notional
	pos.State = model.StateOpen
	pos.CloseTrigger = ""
	pos.CloseCause = ""
	pos.ClosePriority = 0
	pos.LastEntryTime = nowMs
	pos.markPrice(u.Tick)

	s.appendEventLocked(u, "BUY", u.SignedShares)
	s.markProcessedLocked(u.TxHash)
	if err := s.saveLocked(); err != nil {
		log.Error().Err(err).Msg("Ledger save failed after buy")
	}
	return true
}

func (s *Store) applySellLocked(key string, pos *Position, u Update) bool {
	if pos.State != model.StateOpen && pos.State != model.StateClosing {
		log.Debug().
			Str("market", u.MarketID).
			Str("state", string(pos.State)).
			Msg("Sell refused: position not sellable")
		return false
	}

	sellShares := math.Min(-u.SignedShares, pos.Size)
	costBasis := ticks.FromTick(pos.EntryTick) * sellShares
	proceeds := ticks.FromTick(u.Tick) * sellShares
	pnl := proceeds - costBasis

	s.st.Balance += proceeds
	pos.Size -= sellShares
	pos.InvestedUSD -= costBasis
	pos.RealizedPnL += pnl
	pos.markPrice(u.Tick)

	if pos.Size < minPositionSize {
		s.retireLocked(key, pos, u, sellShares, costBasis, proceeds)
	} else if pos.State == model.StateClosing {
		// partial exit leaves the remainder tradeable
		pos.State = model.StateOpen
		pos.CloseTrigger = ""
		pos.CloseCause = ""
		pos.ClosePriority = 0
	}

	if !reasonIsResolution(u.Reason) {
		s.appendEventLocked(u, "SELL", sellShares)
	}
	s.markProcessedLocked(u.TxHash)
	if err := s.saveLocked(); err != nil {
		log.Error().Err(err).Msg("Ledger save failed after sell")
	}
	return true
}

// retireLocked moves a fully exited position into the closed set.
func (s *Store) retireLocked(key string, pos *Position, u Update, sellShares, costBasis, proceeds float64) {
	trigger, cause := pos.CloseTrigger, pos.CloseCause
	if trigger == "" || cause == "" {
		pt, pc := parseCloseReason(u.Reason)
		if trigger == "" {
			trigger = pt
		}
		if cause == "" {
			cause = pc
		}
	}

	s.st.ClosedPositions = append(s.st.ClosedPositions, ClosedPosition{
		ID:             uuid.NewString(),
		MarketID:       pos.MarketID,
		TokenID:        pos.TokenID,
		Side:           pos.Side,
		OutcomeLabel:   pos.OutcomeLabel,
		MarketType:     pos.MarketType,
		MarketName:     pos.MarketName,
		Size:           sellShares,
		EntryTick:      pos.EntryTick,
		ExitTick:       u.Tick,
		InvestedUSD:    costBasis,
		ReturnUSD:      proceeds,
		RealizedPnL:    pos.RealizedPnL,
		CloseTrigger:   trigger,
		CloseCause:     cause,
		CloseTimestamp: s.now().UnixMilli(),
	})
	delete(s.st.Positions, key)
}

// parseCloseReason splits an action reason of the form "TRIGGER|CAUSE".
func parseCloseReason(reason string) (model.CloseTrigger, model.CloseCause) {
	parts := strings.SplitN(reason, "|", 2)
	trigger := model.CoerceCloseTrigger(parts[0])
	var cause model.CloseCause
	if len(parts) == 2 {
		cause = model.CloseCause(parts[1])
	}
	return trigger, cause
}

// migrateKeyLocked rewrites a legacy-keyed position under its canonical key
// once the token id is known.
func (s *Store) migrateKeyLocked(key string, pos *Position, u Update) {
	if u.TokenID == "" {
		return
	}
	canonical := positionKey(u.MarketID, u.TokenID, u.Side, u.OutcomeLabel)
	if key == canonical {
		return
	}
	if pos.TokenID == "" {
		pos.TokenID = u.TokenID
	}
	if pos.OutcomeLabel == "" {
		pos.OutcomeLabel = u.OutcomeLabel
	}
	delete(s.st.Positions, key)
	s.st.Positions[canonical] = pos
	log.Debug().Str("from", key).Str("to", canonical).Msg("Position key migrated")
}

func (s *Store) appendEventLocked(u Update, action string, size float64) {
	s.st.TradeEvents = append(s.st.TradeEvents, TradeEvent{
		ID:           uuid.NewString(),
		TxHash:       u.TxHash,
		MarketID:     u.MarketID,
		TokenID:      u.TokenID,
		MarketName:   u.MarketName,
		Side:         u.Side,
		OutcomeLabel: u.OutcomeLabel,
		Action:       action,
		Size:         size,
		Tick:         u.Tick,
		SourceTick:   u.SourceTick,
		LatencyMs:    u.LatencyMs,
		Reason:       u.Reason,
		Timestamp:    s.now().UnixMilli(),
	})
}

func (s *Store) markProcessedLocked(txHash string) {
	if txHash != "" {
		s.processed[txHash] = struct{}{}
	}
}

// ─── close arbitration ───

// BeginCloseStatus explains why a close intent was refused.
type BeginCloseStatus int

const (
	CloseAccepted BeginCloseStatus = iota
	CloseNotFound
	CloseStateGate
	CloseMinHold
	ClosePriorityGate
)

// minHold protects fresh entries from every trigger except the user and
// the market itself.
const minHoldMs = 5000

// BeginClose atomically runs the close gates and, if they pass, moves the
// position into CLOSING carrying the trigger, cause and priority. The
// returned copy reflects the position after the transition.
func (s *Store) BeginClose(marketID, tokenID string, side model.Side, outcomeLabel string, trigger model.CloseTrigger, cause model.CloseCause) (Position, BeginCloseStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, pos := s.findLocked(marketID, tokenID, side, outcomeLabel)
	if pos == nil {
		return Position{}, CloseNotFound
	}

	switch pos.State {
	case model.StateOpen, model.StateClosing:
		// CLOSING is contestable; the priority gate arbitrates.
	case model.StatePendingResolution:
		if trigger != model.TriggerMarketResolution {
			return *pos, CloseStateGate
		}
	default:
		return *pos, CloseStateGate
	}

	if trigger != model.TriggerUserAction && trigger != model.TriggerMarketResolution {
		if s.now().UnixMilli()-pos.LastEntryTime < minHoldMs {
			return *pos, CloseMinHold
		}
	}

	if pos.ClosePriority != 0 && trigger.Priority() > pos.ClosePriority {
		return *pos, ClosePriorityGate
	}

	pos.State = model.StateClosing
	pos.CloseTrigger = trigger
	pos.CloseCause = cause
	pos.ClosePriority = trigger.Priority()
	if err := s.saveLocked(); err != nil {
		log.Error().Err(err).Msg("Ledger save failed after close transition")
	}
	return *pos, CloseAccepted
}

// RevertClose puts a CLOSING position back to OPEN so a later trigger can
// retry after a failed commit.
func (s *Store) RevertClose(marketID, tokenID string, side model.Side, outcomeLabel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, pos := s.findLocked(marketID, tokenID, side, outcomeLabel)
	if pos == nil || pos.State != model.StateClosing {
		return
	}
	pos.State = model.StateOpen
	pos.CloseTrigger = ""
	pos.CloseCause = ""
	pos.ClosePriority = 0
	if err := s.saveLocked(); err != nil {
		log.Error().Err(err).Msg("Ledger save failed after close revert")
	}
}

// UpdatePositionState sets a lifecycle state directly (sweep transitions).
func (s *Store) UpdatePositionState(marketID, tokenID string, side model.Side, outcomeLabel string, state model.PositionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, pos := s.findLocked(marketID, tokenID, side, outcomeLabel)
	if pos == nil {
		return false
	}
	pos.State = model.CoercePositionState(string(state))
	if err := s.saveLocked(); err != nil {
		log.Error().Err(err).Msg("Ledger save failed after state update")
	}
	return true
}

// UpdateRealTimePrice writes a streamed or polled tick into the price
// cache and marks every open position that tracks it. Legacy binary
// positions without a token id derive their own tick from the YES leg.
func (s *Store) UpdateRealTimePrice(marketID string, tick int, tokenID string) {
	tick = ticks.Clamp(tick)

	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := tokenID
	if cacheKey == "" {
		cacheKey = marketID
	}
	s.prices[cacheKey] = priceEntry{Tick: tick, At: s.now()}

	dirty := false
	for _, pos := range s.st.Positions {
		if pos.MarketID != marketID {
			continue
		}
		switch {
		case tokenID != "" && pos.TokenID == tokenID:
			pos.markPrice(tick)
			dirty = true
		case pos.TokenID == "":
			derived := tick
			if pos.Side == model.SideNo {
				derived = ticks.Grid - tick
			}
			pos.markPrice(derived)
			dirty = true
		}
	}

	if dirty {
		if err := s.saveLocked(); err != nil {
			log.Error().Err(err).Msg("Ledger save failed after price update")
		}
	}
}
