package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/internal/audit"
	"github.com/web3guy0/polycopy/internal/database"
	"github.com/web3guy0/polycopy/internal/ledger"
	"github.com/web3guy0/polycopy/internal/lifecycle"
	"github.com/web3guy0/polycopy/internal/model"
	"github.com/web3guy0/polycopy/internal/retry"
	"github.com/web3guy0/polycopy/internal/ticks"
)

// closePosition runs the arbitration gates and, on acceptance, commits the
// full exit. forceTick overrides price discovery when positive; txHash may
// be empty for system-initiated closes.
func (e *Engine) closePosition(pos ledger.Position, trigger model.CloseTrigger, cause model.CloseCause,
	forceTick int, txHash string, sourceTick int, latencyMs int64) ledger.BeginCloseStatus {

	claimed, status := e.led.BeginClose(pos.MarketID, pos.TokenID, pos.Side, pos.OutcomeLabel, trigger, cause)
	if status != ledger.CloseAccepted {
		if status == ledger.ClosePriorityGate {
			log.Debug().
				Str("market", pos.MarketID).
				Str("trigger", string(trigger)).
				Int("holding_priority", claimed.ClosePriority).
				Msg("Close outranked by pending intent")
		}
		return status
	}

	exitTick := forceTick
	if exitTick <= 0 {
		exitTick = e.discoverExitTick(claimed)
	}
	if txHash == "" {
		txHash = "close-" + uuid.NewString()
	}

	ok := e.led.UpdatePosition(ledger.Update{
		MarketID:     claimed.MarketID,
		MarketName:   claimed.MarketName,
		Slug:         claimed.Slug,
		Side:         claimed.Side,
		OutcomeLabel: claimed.OutcomeLabel,
		SignedShares: -claimed.Size,
		Tick:         exitTick,
		TxHash:       txHash,
		Reason:       string(trigger) + "|" + string(cause),
		SourceTick:   sourceTick,
		LatencyMs:    latencyMs,
		TokenID:      claimed.TokenID,
		MarketType:   claimed.MarketType,
	})
	if !ok {
		// Commit refused: release the claim so a later trigger can retry.
		e.led.RevertClose(claimed.MarketID, claimed.TokenID, claimed.Side, claimed.OutcomeLabel)
		log.Warn().Str("market", claimed.MarketID).Str("trigger", string(trigger)).Msg("Close commit failed, reverted")
		return ledger.CloseStateGate
	}

	pnl := (ticks.FromTick(exitTick) - ticks.FromTick(claimed.EntryTick)) * claimed.Size
	e.met.ClosesTotal.WithLabelValues(string(trigger)).Inc()
	e.aud.Event(audit.Close, "closed %s %s %.2f shares @ %d trigger=%s cause=%s pnl=%.2f",
		claimed.Side, claimed.MarketID, claimed.Size, exitTick, trigger, cause, pnl)
	e.aud.TradeRow(e.cfg.ProfileAddress, claimed.MarketName, string(claimed.Side),
		claimed.Size, ticks.FromTick(exitTick), "CLOSE_"+string(trigger))
	e.mirrorClose(claimed, trigger, cause, exitTick, pnl)
	if e.notif != nil {
		e.notif.NotifyClose(claimed.MarketName, string(trigger), pnl)
	}

	log.Info().
		Str("market", claimed.MarketName).
		Str("trigger", string(trigger)).
		Int("exit_tick", exitTick).
		Float64("pnl", pnl).
		Msg("🔴 Position closed")

	e.refreshSubscriptions()
	return ledger.CloseAccepted
}

// discoverExitTick prices an exit from the live book: the bid of the held
// token when we know it, the complement of the YES ask for legacy NO rows,
// the last marked tick as a final fallback.
func (e *Engine) discoverExitTick(pos ledger.Position) int {
	ctx := context.Background()

	if pos.TokenID != "" {
		res := retry.Do(ctx, retry.DefaultConfig(), "exit book", func(ctx context.Context) (*model.OrderBook, error) {
			return e.venue.GetOrderBook(ctx, pos.TokenID)
		})
		if res.Success && res.Data.BestBid() > 0 {
			return res.Data.BestBid()
		}
	} else {
		res := retry.Do(ctx, retry.DefaultConfig(), "exit price", func(ctx context.Context) (*model.LivePrice, error) {
			return e.venue.GetLivePrice(ctx, pos.MarketID)
		})
		if res.Success && res.Data != nil {
			if pos.Side == model.SideNo {
				return ticks.Clamp(ticks.Grid - res.Data.BestAsk)
			}
			return res.Data.BestBid
		}
	}

	if pos.CurrentTick > 0 {
		return pos.CurrentTick
	}
	return pos.EntryTick
}

// CloseAll requests a user close of every open position. Returns how many
// closes were accepted.
func (e *Engine) CloseAll() int {
	n := 0
	for _, p := range e.led.Positions() {
		status := e.closePosition(p, model.TriggerUserAction, model.CauseCloseAll, 0, "", 0, 0)
		if status == ledger.CloseAccepted {
			n++
		}
	}
	e.aud.Event(audit.Close, "close-all accepted %d position(s)", n)
	return n
}

// ManualClose closes one position on user request.
func (e *Engine) ManualClose(marketID, tokenID string, side model.Side, outcomeLabel string) ledger.BeginCloseStatus {
	pos, ok := e.led.Position(marketID, tokenID, side, outcomeLabel)
	if !ok {
		return ledger.CloseNotFound
	}
	return e.closePosition(pos, model.TriggerUserAction, model.CauseUserRequest, 0, "", 0, 0)
}

// lifecycleSweep reconciles every held market against the venue's lifecycle
// state: park pending resolutions, settle resolved ones at 999 or 1.
func (e *Engine) lifecycleSweep(ctx context.Context) {
	for _, pos := range e.led.Positions() {
		if pos.State != model.StateOpen && pos.State != model.StatePendingResolution {
			continue
		}

		res := retry.Do(ctx, retry.DefaultConfig(), "lifecycle container", func(ctx context.Context) (*model.MarketContainer, error) {
			return e.venue.GetMarketContainer(ctx, pos.MarketID)
		})
		if !res.Success {
			e.met.APIErrorsTotal.WithLabelValues("markets").Inc()
			continue
		}

		cls := lifecycle.Classify(res.Data, pos.MarketID, e.now())
		switch cls.State {
		case lifecycle.StateActive:
			// A parked market came back, e.g. a pushed-out end date.
			if pos.State == model.StatePendingResolution {
				e.led.UpdatePositionState(pos.MarketID, pos.TokenID, pos.Side, pos.OutcomeLabel, model.StateOpen)
				e.aud.Event(audit.Lifecycle, "market %s active again, position reopened", pos.MarketID)
				log.Info().Str("market", pos.MarketName).Msg("▶️ Position reopened, market active again")
			}
		case lifecycle.StatePendingResolution:
			if pos.State == model.StateOpen {
				e.led.UpdatePositionState(pos.MarketID, pos.TokenID, pos.Side, pos.OutcomeLabel, model.StatePendingResolution)
				e.aud.Event(audit.Lifecycle, "market %s pending resolution, position parked", pos.MarketID)
				log.Info().Str("market", pos.MarketName).Msg("⏳ Position parked pending resolution")
			}
		case lifecycle.StateClosed:
			if cls.Resolution == nil || cls.Resolution.Winner == lifecycle.WinnerUnknown {
				// Closed on the venue but no winner published yet. Hold the
				// position parked rather than guessing a settlement price.
				if pos.State == model.StateOpen {
					e.led.UpdatePositionState(pos.MarketID, pos.TokenID, pos.Side, pos.OutcomeLabel, model.StatePendingResolution)
				}
				continue
			}
			e.settleResolved(pos, cls.Resolution)
		}
	}
}

// settleResolved force-closes a position at the resolution price.
func (e *Engine) settleResolved(pos ledger.Position, res *lifecycle.Resolution) {
	won := positionWon(pos, res)
	exitTick := ticks.Min
	cause := model.CauseWinnerNo
	if res.Winner == lifecycle.WinnerYes {
		cause = model.CauseWinnerYes
	}
	if won {
		exitTick = ticks.Max
	}

	status := e.closePosition(pos, model.TriggerMarketResolution, cause, exitTick, "", 0, 0)
	if status == ledger.CloseAccepted {
		e.aud.Event(audit.Lifecycle, "market %s resolved %s, settled %s at %d",
			pos.MarketID, res.Winner, pos.Side, exitTick)
	}
}

// positionWon matches the held leg against the published winner, by outcome
// label when the ledger has one, by binary side otherwise.
func positionWon(pos ledger.Position, res *lifecycle.Resolution) bool {
	if pos.OutcomeLabel != "" && res.WinningLabel != "" {
		return matchOutcome([]string{pos.OutcomeLabel}, res.WinningLabel) == 0
	}
	switch res.Winner {
	case lifecycle.WinnerYes:
		return pos.Side == model.SideYes
	case lifecycle.WinnerNo:
		return pos.Side == model.SideNo
	}
	return false
}

// liquidityCheck watches for books that have gone bidless under an open
// position. Three consecutive empty-bid reads raise a warning; expired and
// parked positions are the lifecycle sweep's problem, not this check's.
func (e *Engine) liquidityCheck(ctx context.Context) {
	nowMs := e.now().UnixMilli()
	for _, pos := range e.led.Positions() {
		if pos.State != model.StateOpen || pos.TokenID == "" {
			continue
		}
		if cache, ok := e.led.MarketCache(pos.MarketID); ok && cache.EndTimeMs > 0 && nowMs > cache.EndTimeMs {
			continue
		}

		key := pos.MarketID + "|" + pos.TokenID
		book, err := e.venue.GetOrderBook(ctx, pos.TokenID)
		if err != nil {
			e.met.APIErrorsTotal.WithLabelValues("book").Inc()
			continue
		}

		e.mu.Lock()
		if len(book.Bids) == 0 {
			e.strikes[key]++
			if e.strikes[key] >= 3 {
				e.strikes[key] = 0
				e.mu.Unlock()
				e.aud.Event(audit.Engine, "no bids on %s for 3 consecutive checks", pos.MarketID)
				log.Warn().Str("market", pos.MarketName).Msg("⚠️ Book has no bids, position may be hard to exit")
				continue
			}
		} else {
			delete(e.strikes, key)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) mirrorClose(pos ledger.Position, trigger model.CloseTrigger, cause model.CloseCause, exitTick int, pnl float64) {
	if e.db == nil {
		return
	}
	err := e.db.SaveClosedPosition(&database.ClosedPositionRow{
		ID:          uuid.NewString(),
		MarketID:    pos.MarketID,
		TokenID:     pos.TokenID,
		Question:    pos.MarketName,
		Side:        string(pos.Side),
		Trigger:     string(trigger),
		Cause:       string(cause),
		Shares:      decimal.NewFromFloat(pos.Size),
		EntryTick:   pos.EntryTick,
		ExitTick:    exitTick,
		InvestedUSD: decimal.NewFromFloat(pos.InvestedUSD),
		ReturnUSD:   decimal.NewFromFloat(pos.Size * ticks.FromTick(exitTick)),
		RealizedPnL: decimal.NewFromFloat(pnl),
		ClosedAtMs:  e.now().UnixMilli(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Close mirror write failed")
	}
}
