package engine

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/internal/audit"
	"github.com/web3guy0/polycopy/internal/database"
	"github.com/web3guy0/polycopy/internal/ledger"
	"github.com/web3guy0/polycopy/internal/model"
	"github.com/web3guy0/polycopy/internal/retry"
	"github.com/web3guy0/polycopy/internal/settings"
	"github.com/web3guy0/polycopy/internal/slippage"
	"github.com/web3guy0/polycopy/internal/ticks"
)

// Source fills older than this at boot are history, not signals.
const bootLookbackMs = 10 * 60 * 1000

const maxTickAttempts = 3

// replicateActivity pulls the source wallet's recent fills and mirrors the
// unseen ones, oldest first.
func (e *Engine) replicateActivity(ctx context.Context) {
	res := retry.Do(ctx, retry.DefaultConfig(), "activity", func(ctx context.Context) ([]model.SourceTrade, error) {
		return e.venue.GetUserActivity(ctx, e.cfg.ProfileAddress)
	})
	if !res.Success {
		log.Warn().Err(res.Err).Int("attempts", res.Attempts).Msg("Activity poll failed")
		e.met.APIErrorsTotal.WithLabelValues("activity").Inc()
		return
	}

	trades := res.Data
	for i := len(trades) - 1; i >= 0; i-- {
		e.replicate(ctx, trades[i])
	}
}

func (e *Engine) replicate(ctx context.Context, t model.SourceTrade) {
	if t.TxHash == "" || e.led.IsProcessed(t.TxHash) {
		return
	}
	// Startup cursor: from boot exactly, or with a short lookback window.
	cutoff := e.bootMs - bootLookbackMs
	if e.cfg.StartFromNow {
		cutoff = e.bootMs
	}
	if t.TimestampMs > 0 && t.TimestampMs < cutoff {
		return
	}
	if d, ok := e.deferredFor(t.TxHash); ok && e.now().Before(d.recheckAt) {
		return
	}
	if e.bl.Contains(t.MarketID) {
		e.met.TradesSkipped.WithLabelValues("blacklist").Inc()
		return
	}

	cache, ok := e.marketMeta(ctx, t.MarketID)
	if !ok {
		return // transient, next poll retries
	}

	idx := matchOutcome(cache.Outcomes, t.Outcome)
	if idx < 0 {
		log.Warn().Str("market", t.MarketID).Str("outcome", t.Outcome).Msg("Outcome label not found, trade dropped")
		e.aud.Event(audit.Error, "unmatchable outcome %q on %s tx=%s", t.Outcome, t.MarketID, t.TxHash)
		e.met.TradesSkipped.WithLabelValues("outcome_mismatch").Inc()
		e.led.MarkProcessed(t.TxHash)
		return
	}

	label := cache.Outcomes[idx]
	side := sideForLabel(label)
	tokenID := ""
	if idx < len(cache.ClobTokenIDs) {
		tokenID = cache.ClobTokenIDs[idx]
	}
	marketType := model.MarketSingle
	if len(cache.Outcomes) > 2 {
		marketType = model.MarketMulti
	}

	sourceTick := ticks.ToTick(t.Price)
	latency := e.now().UnixMilli() - t.TimestampMs

	isBuy := strings.EqualFold(t.Side, "BUY")

	var book *model.OrderBook
	execTick := sourceTick
	if tokenID != "" {
		bres := retry.Do(ctx, retry.DefaultConfig(), "order book", func(ctx context.Context) (*model.OrderBook, error) {
			return e.venue.GetOrderBook(ctx, tokenID)
		})
		if bres.Success {
			book = bres.Data
			if isBuy && book.BestAsk() > 0 {
				execTick = book.BestAsk()
			} else if !isBuy && book.BestBid() > 0 {
				execTick = book.BestBid()
			}
		} else {
			e.met.APIErrorsTotal.WithLabelValues("book").Inc()
		}
	}

	if isBuy {
		e.replicateBuy(t, cache, book, side, label, tokenID, marketType, execTick, sourceTick, latency)
	} else {
		e.replicateSell(t, cache, book, side, label, tokenID, execTick, sourceTick, latency)
	}
}

func (e *Engine) replicateBuy(t model.SourceTrade, cache ledger.MarketCacheEntry, book *model.OrderBook,
	side model.Side, label, tokenID string, marketType model.MarketType, execTick, sourceTick int, latency int64) {

	if cache.EndTimeMs > 0 && e.now().UnixMilli() > cache.EndTimeMs {
		e.met.TradesSkipped.WithLabelValues("expired").Inc()
		e.led.MarkProcessed(t.TxHash)
		return
	}

	// Max-tick guard: a 0.999 ask is a book with no real offers. Park the
	// trade without consuming its hash and look again shortly.
	if execTick >= ticks.Max {
		if done := e.deferMaxTick(t.TxHash); done {
			e.aud.Event(audit.Trade, "buy abandoned at max tick market=%s tx=%s", t.MarketID, t.TxHash)
			e.met.TradesSkipped.WithLabelValues("max_tick").Inc()
			e.led.MarkProcessed(t.TxHash)
		}
		return
	}
	e.clearDeferred(t.TxHash)

	shares := e.sizeShares(execTick, t.Size)
	if shares <= 0 {
		e.met.TradesSkipped.WithLabelValues("sizing").Inc()
		e.led.MarkProcessed(t.TxHash)
		return
	}

	if reason, gated := e.slippageGated(book, shares, execTick, true); gated {
		log.Info().Str("market", t.MarketID).Str("reason", reason).Msg("🚧 Buy skipped by slippage gate")
		e.aud.Event(audit.Trade, "buy skipped (%s) market=%s tx=%s", reason, t.MarketID, t.TxHash)
		e.met.TradesSkipped.WithLabelValues("slippage").Inc()
		e.led.MarkProcessed(t.TxHash)
		return
	}

	fillTick := execTick

	ok := e.led.UpdatePosition(ledger.Update{
		MarketID:     t.MarketID,
		MarketName:   cache.Question,
		Slug:         cache.Slug,
		Side:         side,
		OutcomeLabel: label,
		SignedShares: shares,
		Tick:         fillTick,
		TxHash:       t.TxHash,
		Reason:       "COPY_TRADE",
		SourceTick:   sourceTick,
		LatencyMs:    latency,
		TokenID:      tokenID,
		MarketType:   marketType,
	})
	if !ok {
		e.met.TradesSkipped.WithLabelValues("ledger").Inc()
		return
	}

	e.met.TradesCopied.WithLabelValues(string(side), "BUY").Inc()
	e.met.CopyLatency.Observe(float64(latency))
	e.aud.Event(audit.Trade, "copied BUY %s %.2f shares @ %d market=%s", side, shares, fillTick, t.MarketID)
	e.aud.TradeRow(e.cfg.ProfileAddress, cache.Question, string(side), shares, ticks.FromTick(fillTick), "COPY_BUY")
	e.mirrorTrade(t, cache, side, tokenID, "BUY", shares, fillTick, sourceTick, latency)
	if e.notif != nil {
		e.notif.NotifyTrade("BUY", cache.Question, string(side), shares, fillTick)
	}

	log.Info().
		Str("market", cache.Question).
		Str("side", string(side)).
		Float64("shares", shares).
		Int("tick", fillTick).
		Int64("latency_ms", latency).
		Msg("🟢 Copied buy")

	e.refreshSubscriptions()
}

func (e *Engine) replicateSell(t model.SourceTrade, cache ledger.MarketCacheEntry, book *model.OrderBook,
	side model.Side, label, tokenID string, execTick, sourceTick int, latency int64) {

	pos, found := e.led.Position(t.MarketID, tokenID, side, label)
	if !found {
		// Orphan sell: route through the ledger so its guard records the hash.
		e.led.UpdatePosition(ledger.Update{
			MarketID:     t.MarketID,
			Side:         side,
			OutcomeLabel: label,
			SignedShares: -t.Size,
			Tick:         execTick,
			TxHash:       t.TxHash,
			Reason:       "COPY_TRADE",
			TokenID:      tokenID,
		})
		e.met.TradesSkipped.WithLabelValues("orphan_sell").Inc()
		return
	}

	// Loss guard: refuse to mirror an exit that would realize more than the
	// configured fraction of invested capital.
	if e.cfg.EnableTradeFilters && pos.InvestedUSD > 0 {
		loss := (ticks.FromTick(pos.EntryTick) - ticks.FromTick(execTick)) * pos.Size
		if loss > e.cfg.SellLossGuardPct*pos.InvestedUSD {
			log.Warn().
				Str("market", cache.Question).
				Float64("loss", loss).
				Msg("🛑 Copy sell refused by loss guard")
			e.aud.Event(audit.Trade, "sell refused by loss guard market=%s loss=%.2f tx=%s", t.MarketID, loss, t.TxHash)
			e.met.TradesSkipped.WithLabelValues("loss_guard").Inc()
			e.led.MarkProcessed(t.TxHash)
			return
		}
	}

	if reason, gated := e.slippageGated(book, pos.Size, execTick, false); gated {
		log.Info().Str("market", t.MarketID).Str("reason", reason).Msg("🚧 Sell skipped by slippage gate")
		e.aud.Event(audit.Trade, "sell skipped (%s) market=%s tx=%s", reason, t.MarketID, t.TxHash)
		e.met.TradesSkipped.WithLabelValues("slippage").Inc()
		e.led.MarkProcessed(t.TxHash)
		return
	}

	status := e.closePosition(pos, model.TriggerCopyTraderEvent, model.CauseTargetSelloff,
		execTick, t.TxHash, sourceTick, latency)
	switch status {
	case ledger.CloseAccepted:
		e.met.TradesCopied.WithLabelValues(string(side), "SELL").Inc()
		e.met.CopyLatency.Observe(float64(latency))
	case ledger.CloseMinHold:
		// Hash stays unprocessed; the next poll retries once the hold expires.
		log.Debug().Str("market", t.MarketID).Msg("Copy sell parked by min-hold")
	default:
		e.met.TradesSkipped.WithLabelValues("close_gate").Inc()
	}
}

// marketMeta returns cached gamma metadata, fetching and caching on a miss.
func (e *Engine) marketMeta(ctx context.Context, marketID string) (ledger.MarketCacheEntry, bool) {
	if cache, ok := e.led.MarketCache(marketID); ok && len(cache.Outcomes) > 0 {
		return cache, true
	}
	res := retry.Do(ctx, retry.DefaultConfig(), "market details", func(ctx context.Context) (*model.Market, error) {
		return e.venue.GetMarketDetails(ctx, marketID)
	})
	if !res.Success {
		log.Warn().Err(res.Err).Str("market", marketID).Msg("Market details fetch failed")
		e.met.APIErrorsTotal.WithLabelValues("markets").Inc()
		return ledger.MarketCacheEntry{}, false
	}
	m := res.Data
	outcomes := make([]string, 0, len(m.Outcomes))
	tokens := make([]string, 0, len(m.Outcomes))
	for _, o := range m.Outcomes {
		outcomes = append(outcomes, o.Label)
		tokens = append(tokens, o.TokenID)
	}
	e.led.UpdateMarketCache(marketID, m.Question, m.Slug, outcomes, tokens, m.EndTimeMs)
	cache, _ := e.led.MarketCache(marketID)
	return cache, true
}

// sizeShares picks the copy size: a fixed dollar stake at the fill price,
// or a fixed fraction of the source trade's own share count.
func (e *Engine) sizeShares(tick int, sourceSize float64) float64 {
	s := e.set.Get()

	var shares decimal.Decimal
	if s.Mode == settings.ModeFixed {
		// Sizing floor: deep long-shot ticks would otherwise explode the
		// share count, so the denominator never drops below 10 ticks.
		denomTick := tick
		if denomTick < 10 {
			denomTick = 10
		}
		price := decimal.NewFromInt(int64(denomTick)).Div(decimal.NewFromInt(ticks.Grid))
		stake := decimal.NewFromFloat(s.FixedAmountUSD)
		if !stake.IsPositive() {
			return 0
		}
		shares = stake.Div(price)
	} else {
		shares = decimal.NewFromFloat(sourceSize).Mul(decimal.NewFromFloat(s.Percentage))
	}

	out, _ := shares.Round(2).Float64()
	if out <= 0 {
		return 0
	}
	if out < e.cfg.MinOrderShares {
		out = e.cfg.MinOrderShares
	}
	return out
}

// slippageGated runs the pre-trade slippage gate. Active only when trade
// filters are on and an expected edge is configured.
func (e *Engine) slippageGated(book *model.OrderBook, shares float64, tick int, isBuy bool) (string, bool) {
	if !e.cfg.EnableTradeFilters || e.cfg.ExpectedEdge <= 0 || book == nil {
		return "", false
	}
	notional := shares * ticks.FromTick(tick)
	est := slippage.Evaluate(book, notional, isBuy, e.cfg.ExpectedEdge,
		slippage.NormalizeDelayPenalty(e.cfg.DelayPenalty))
	if est.Execute {
		return "", false
	}
	return est.Reason, true
}

func (e *Engine) mirrorTrade(t model.SourceTrade, cache ledger.MarketCacheEntry,
	side model.Side, tokenID, intent string, shares float64, tick, sourceTick int, latency int64) {
	if e.db == nil {
		return
	}
	err := e.db.SaveCopiedTrade(&database.CopiedTrade{
		TxHash:     t.TxHash,
		MarketID:   t.MarketID,
		TokenID:    tokenID,
		Question:   cache.Question,
		Side:       string(side),
		Intent:     intent,
		Shares:     decimal.NewFromFloat(shares),
		PriceTick:  tick,
		SourceTick: sourceTick,
		LatencyMs:  latency,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Trade mirror write failed")
	}
}

func (e *Engine) deferredFor(txHash string) (*deferredBuy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.deferred[txHash]
	return d, ok
}

// deferMaxTick parks a buy for recheck. Returns true once the attempts are
// exhausted and the trade should be abandoned.
func (e *Engine) deferMaxTick(txHash string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.deferred[txHash]
	if d == nil {
		d = &deferredBuy{}
		e.deferred[txHash] = d
	}
	d.attempts++
	if d.attempts > maxTickAttempts {
		delete(e.deferred, txHash)
		return true
	}
	d.recheckAt = e.now().Add(e.cfg.MaxTickRecheck)
	log.Info().Str("tx", txHash).Int("attempt", d.attempts).Msg("⏸️ Buy parked at max tick, will recheck")
	return false
}

func (e *Engine) clearDeferred(txHash string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.deferred, txHash)
}

// Outcome label synonym classes. Matching is exact label first, then class.
var (
	yesLabels = map[string]bool{"YES": true, "1": true, "TRUE": true, "UP": true, "PASS": true}
	noLabels  = map[string]bool{"NO": true, "0": true, "FALSE": true, "DOWN": true, "FAIL": true}
)

func matchOutcome(outcomes []string, traded string) int {
	want := strings.ToUpper(strings.TrimSpace(traded))
	for i, o := range outcomes {
		if strings.EqualFold(strings.TrimSpace(o), want) {
			return i
		}
	}
	for i, o := range outcomes {
		have := strings.ToUpper(strings.TrimSpace(o))
		if (yesLabels[want] && yesLabels[have]) || (noLabels[want] && noLabels[have]) {
			return i
		}
	}
	return -1
}

func sideForLabel(label string) model.Side {
	if noLabels[strings.ToUpper(strings.TrimSpace(label))] {
		return model.SideNo
	}
	return model.SideYes
}
