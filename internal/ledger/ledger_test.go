package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polycopy/internal/model"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	s := Open(filepath.Join(t.TempDir(), "ledger.json"), 1000)
	s.now = c.now
	return s, c
}

func buy(market, token, tx string, shares float64, tick int) Update {
	return Update{
		MarketID:     market,
		MarketName:   "Test market?",
		Side:         model.SideYes,
		OutcomeLabel: "Yes",
		SignedShares: shares,
		Tick:         tick,
		TxHash:       tx,
		Reason:       "COPY_TRADE",
		TokenID:      token,
		MarketType:   model.MarketSingle,
	}
}

func sell(market, token, tx string, shares float64, tick int, reason string) Update {
	u := buy(market, token, tx, -shares, tick)
	u.Reason = reason
	return u
}

func TestBinaryCopyBuy(t *testing.T) {
	s, _ := newTestStore(t)

	ok := s.UpdatePosition(buy("M", "t1", "h1", 10, 440))
	require.True(t, ok)

	assert.InDelta(t, 1000-10*0.44, s.Balance(), 1e-9)

	pos, found := s.Position("M", "t1", model.SideYes, "Yes")
	require.True(t, found)
	assert.Equal(t, 10.0, pos.Size)
	assert.Equal(t, 440, pos.EntryTick)
	assert.Equal(t, model.StateOpen, pos.State)
	assert.InDelta(t, 4.4, pos.InvestedUSD, 1e-9)

	events := s.TradeEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "BUY", events[0].Action)
}

func TestScaleInWeightedAverage(t *testing.T) {
	s, _ := newTestStore(t)

	require.True(t, s.UpdatePosition(buy("M", "t1", "h1", 10, 440)))
	require.True(t, s.UpdatePosition(buy("M", "t1", "h2", 20, 500)))

	pos, found := s.Position("M", "t1", model.SideYes, "Yes")
	require.True(t, found)
	assert.Equal(t, 30.0, pos.Size)
	// (10*0.44 + 20*0.50) / 30 = 0.48
	assert.Equal(t, 480, pos.EntryTick)
}

func TestSellRealizesPnLAndRetires(t *testing.T) {
	s, _ := newTestStore(t)
	require.True(t, s.UpdatePosition(buy("M", "t1", "h1", 10, 440)))
	require.True(t, s.UpdatePosition(buy("M", "t1", "h2", 20, 500)))
	balanceBefore := s.Balance()

	ok := s.UpdatePosition(sell("M", "t1", "h3", 30, 550, "COPY_TRADER_EVENT|TARGET_SELLOFF"))
	require.True(t, ok)

	_, found := s.Position("M", "t1", model.SideYes, "Yes")
	assert.False(t, found, "position should be retired")

	closed := s.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, 550, closed[0].ExitTick)
	assert.Equal(t, 480, closed[0].EntryTick)
	assert.Equal(t, model.TriggerCopyTraderEvent, closed[0].CloseTrigger)
	assert.Equal(t, model.CauseTargetSelloff, closed[0].CloseCause)
	assert.InDelta(t, 30*0.55-30*0.48, closed[0].RealizedPnL, 1e-9)

	assert.InDelta(t, balanceBefore+30*0.55, s.Balance(), 1e-9)

	// one BUY each plus the user-initiated SELL
	events := s.TradeEvents()
	require.Len(t, events, 3)
	assert.Equal(t, "SELL", events[2].Action)
}

func TestResolutionSellEmitsNoEvent(t *testing.T) {
	s, _ := newTestStore(t)
	require.True(t, s.UpdatePosition(buy("M", "t1", "h1", 10, 440)))

	ok := s.UpdatePosition(sell("M", "t1", "h2", 10, 999, "MARKET_RESOLUTION|WINNER_YES"))
	require.True(t, ok)

	events := s.TradeEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "BUY", events[0].Action)

	closed := s.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, model.TriggerMarketResolution, closed[0].CloseTrigger)
	assert.Equal(t, model.CauseWinnerYes, closed[0].CloseCause)
}

func TestTxHashIdempotent(t *testing.T) {
	s, _ := newTestStore(t)

	require.True(t, s.UpdatePosition(buy("M", "t1", "h1", 10, 440)))
	balance := s.Balance()
	pos, _ := s.Position("M", "t1", model.SideYes, "Yes")

	assert.False(t, s.UpdatePosition(buy("M", "t1", "h1", 10, 440)))
	assert.Equal(t, balance, s.Balance())
	pos2, _ := s.Position("M", "t1", model.SideYes, "Yes")
	assert.Equal(t, pos, pos2)
}

func TestOrphanSellGuard(t *testing.T) {
	s, _ := newTestStore(t)

	ok := s.UpdatePosition(sell("M", "t1", "h1", 5, 500, "COPY_TRADER_EVENT|TARGET_SELLOFF"))
	assert.False(t, ok)
	assert.True(t, s.IsProcessed("h1"), "orphan sells are consumed")
	assert.Equal(t, 1000.0, s.Balance())
}

func TestSolvencyGuard(t *testing.T) {
	s, _ := newTestStore(t)

	ok := s.UpdatePosition(buy("M", "t1", "h1", 10000, 500)) // $5000 > $1000
	assert.False(t, ok)
	assert.True(t, s.IsProcessed("h1"))
	assert.Equal(t, 1000.0, s.Balance())
	assert.Empty(t, s.Positions())
}

func TestBalanceConservation(t *testing.T) {
	s, _ := newTestStore(t)
	start := s.Balance()

	require.True(t, s.UpdatePosition(buy("M", "t1", "b1", 100, 300)))
	require.True(t, s.UpdatePosition(buy("M2", "t2", "b2", 50, 200)))
	require.True(t, s.UpdatePosition(sell("M", "t1", "s1", 100, 350, "USER_ACTION|USER_REQUEST")))
	require.True(t, s.UpdatePosition(sell("M2", "t2", "s2", 50, 150, "USER_ACTION|USER_REQUEST")))

	expected := start - 100*0.3 - 50*0.2 + 100*0.35 + 50*0.15
	assert.InDelta(t, expected, s.Balance(), 1e-9)

	for _, p := range s.Positions() {
		assert.GreaterOrEqual(t, p.Size, 0.0)
	}
}

func TestLegacyKeyMigration(t *testing.T) {
	s, _ := newTestStore(t)

	// legacy row: no token id
	u := buy("M", "", "h1", 10, 440)
	u.OutcomeLabel = ""
	require.True(t, s.UpdatePosition(u))

	// next write carries the token; the row must migrate to the canonical key
	require.True(t, s.UpdatePosition(buy("M", "t1", "h2", 10, 460)))

	pos, found := s.Position("M", "t1", model.SideYes, "Yes")
	require.True(t, found)
	assert.Equal(t, "t1", pos.TokenID)
	assert.Equal(t, 20.0, pos.Size)
	assert.Len(t, s.Positions(), 1, "no duplicate after migration")
}

func TestBeginClosePriorityGate(t *testing.T) {
	s, c := newTestStore(t)
	require.True(t, s.UpdatePosition(buy("M", "t1", "h1", 10, 440)))
	c.advance(10 * time.Second)

	_, st := s.BeginClose("M", "t1", model.SideYes, "Yes", model.TriggerCopyTraderEvent, model.CauseTargetSelloff)
	require.Equal(t, CloseAccepted, st)

	// weaker trigger (TIMEOUT=6 > 4) bounces
	_, st = s.BeginClose("M", "t1", model.SideYes, "Yes", model.TriggerTimeout, model.CauseCloseAll)
	assert.Equal(t, ClosePriorityGate, st)

	// stronger trigger (resolution=1) overwrites the pending close
	pos, st := s.BeginClose("M", "t1", model.SideYes, "Yes", model.TriggerMarketResolution, model.CauseWinnerYes)
	require.Equal(t, CloseAccepted, st)
	assert.Equal(t, model.TriggerMarketResolution, pos.CloseTrigger)
	assert.Equal(t, 1, pos.ClosePriority)

	// equal priority may overwrite (ties allowed)
	_, st = s.BeginClose("M", "t1", model.SideYes, "Yes", model.TriggerMarketResolution, model.CauseWinnerNo)
	assert.Equal(t, CloseAccepted, st)
}

func TestBeginCloseMinHold(t *testing.T) {
	s, c := newTestStore(t)
	require.True(t, s.UpdatePosition(buy("M", "t1", "h1", 10, 440)))

	// 2s after entry: copy-trader close is too early
	c.advance(2 * time.Second)
	_, st := s.BeginClose("M", "t1", model.SideYes, "Yes", model.TriggerCopyTraderEvent, model.CauseTargetSelloff)
	assert.Equal(t, CloseMinHold, st)

	// user action bypasses the hold
	_, st = s.BeginClose("M", "t1", model.SideYes, "Yes", model.TriggerUserAction, model.CauseUserRequest)
	assert.Equal(t, CloseAccepted, st)
}

func TestBeginCloseStateGate(t *testing.T) {
	s, c := newTestStore(t)
	require.True(t, s.UpdatePosition(buy("M", "t1", "h1", 10, 440)))
	c.advance(10 * time.Second)

	require.True(t, s.UpdatePositionState("M", "t1", model.SideYes, "Yes", model.StatePendingResolution))

	// only resolution may close a pending position
	_, st := s.BeginClose("M", "t1", model.SideYes, "Yes", model.TriggerUserAction, model.CauseUserRequest)
	assert.Equal(t, CloseStateGate, st)
	_, st = s.BeginClose("M", "t1", model.SideYes, "Yes", model.TriggerMarketResolution, model.CauseWinnerYes)
	assert.Equal(t, CloseAccepted, st)
}

func TestRevertCloseAllowsRetry(t *testing.T) {
	s, c := newTestStore(t)
	require.True(t, s.UpdatePosition(buy("M", "t1", "h1", 10, 440)))
	c.advance(10 * time.Second)

	_, st := s.BeginClose("M", "t1", model.SideYes, "Yes", model.TriggerCopyTraderEvent, model.CauseTargetSelloff)
	require.Equal(t, CloseAccepted, st)

	s.RevertClose("M", "t1", model.SideYes, "Yes")
	pos, _ := s.Position("M", "t1", model.SideYes, "Yes")
	assert.Equal(t, model.StateOpen, pos.State)
	assert.Zero(t, pos.ClosePriority)

	_, st = s.BeginClose("M", "t1", model.SideYes, "Yes", model.TriggerTimeout, model.CauseCloseAll)
	assert.Equal(t, CloseAccepted, st)
}

func TestRealTimePriceUpdates(t *testing.T) {
	s, _ := newTestStore(t)
	require.True(t, s.UpdatePosition(buy("M", "t1", "h1", 10, 440)))

	// legacy NO position on the same market, no token id
	legacy := buy("M", "", "h2", 5, 300)
	legacy.Side = model.SideNo
	legacy.OutcomeLabel = ""
	require.True(t, s.UpdatePosition(legacy))

	s.UpdateRealTimePrice("M", 600, "t1")

	pos, _ := s.Position("M", "t1", model.SideYes, "Yes")
	assert.Equal(t, 600, pos.CurrentTick)
	assert.InDelta(t, 10*0.6, pos.CurrentValue, 1e-9)
	assert.InDelta(t, 10*0.6-4.4, pos.UnrealizedPnL, 1e-9)

	// YES-leg tick 600 → legacy NO position derives 400
	s.UpdateRealTimePrice("M", 600, "")
	lp, _ := s.Position("M", "", model.SideNo, "")
	assert.Equal(t, 400, lp.CurrentTick)

	tick, fresh := s.FreshPrice("M", "t1")
	assert.True(t, fresh)
	assert.Equal(t, 600, tick)
}

func TestFreshPriceExpires(t *testing.T) {
	s, c := newTestStore(t)
	s.UpdateRealTimePrice("M", 500, "t1")

	_, fresh := s.FreshPrice("M", "t1")
	assert.True(t, fresh)

	c.advance(31 * time.Second)
	_, fresh = s.FreshPrice("M", "t1")
	assert.False(t, fresh)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")

	s := Open(path, 1000)
	require.True(t, s.UpdatePosition(buy("M", "t1", "h1", 10, 440)))

	reloaded := Open(path, 1000)
	assert.InDelta(t, s.Balance(), reloaded.Balance(), 1e-9)
	assert.Len(t, reloaded.Positions(), 1)
	assert.True(t, reloaded.IsProcessed("h1"))

	// idempotence survives restart
	assert.False(t, reloaded.UpdatePosition(buy("M", "t1", "h1", 10, 440)))
}

func TestUnknownEnumValuesCoerced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")

	s := Open(path, 1000)
	require.True(t, s.UpdatePosition(buy("M", "t1", "h1", 10, 440)))
	s.mu.Lock()
	for _, p := range s.st.Positions {
		p.State = "BOGUS_STATE"
		p.CloseTrigger = "BOGUS_TRIGGER"
	}
	require.NoError(t, s.saveLocked())
	s.mu.Unlock()

	reloaded := Open(path, 1000)
	pos, found := reloaded.Position("M", "t1", model.SideYes, "Yes")
	require.True(t, found)
	assert.Equal(t, model.StateOpen, pos.State)
	assert.Equal(t, model.TriggerSystemPolicy, pos.CloseTrigger)
}

func TestMarketCacheNormalizesSeconds(t *testing.T) {
	s, _ := newTestStore(t)
	s.UpdateMarketCache("M", "Q?", "q", []string{"No", "Yes"}, []string{"t0", "t1"}, 1_700_000_000)

	e, ok := s.MarketCache("M")
	require.True(t, ok)
	assert.Equal(t, int64(1_700_000_000_000), e.EndTimeMs)
}
