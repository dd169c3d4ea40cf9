package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polycopy/internal/audit"
	"github.com/web3guy0/polycopy/internal/config"
	"github.com/web3guy0/polycopy/internal/filter"
	"github.com/web3guy0/polycopy/internal/ledger"
	"github.com/web3guy0/polycopy/internal/model"
	"github.com/web3guy0/polycopy/internal/settings"
	"github.com/web3guy0/polycopy/internal/ticks"
)

const sourceAddr = "0x1111111111111111111111111111111111111111"

type fakeVenue struct {
	mu         sync.Mutex
	activity   []model.SourceTrade
	holdings   []model.SourceHolding
	markets    map[string]*model.Market
	containers map[string]*model.MarketContainer
	books      map[string]*model.OrderBook
	prices     map[string]*model.LivePrice
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		markets:    make(map[string]*model.Market),
		containers: make(map[string]*model.MarketContainer),
		books:      make(map[string]*model.OrderBook),
		prices:     make(map[string]*model.LivePrice),
	}
}

func (f *fakeVenue) GetUserActivity(_ context.Context, _ string) ([]model.SourceTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SourceTrade(nil), f.activity...), nil
}

func (f *fakeVenue) GetSourceHoldings(_ context.Context, _ string) ([]model.SourceHolding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SourceHolding(nil), f.holdings...), nil
}

func (f *fakeVenue) GetMarketDetails(_ context.Context, id string) (*model.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.markets[id]; ok {
		return m, nil
	}
	return nil, errors.New("market not found")
}

func (f *fakeVenue) GetMarketContainer(_ context.Context, id string) (*model.MarketContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		return c, nil
	}
	return nil, errors.New("container not found")
}

func (f *fakeVenue) GetOrderBook(_ context.Context, tokenID string) (*model.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.books[tokenID]; ok {
		return b, nil
	}
	return nil, errors.New("book not found")
}

func (f *fakeVenue) GetLivePrice(_ context.Context, marketID string) (*model.LivePrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.prices[marketID]; ok {
		return p, nil
	}
	return nil, errors.New("price not found")
}

func (f *fakeVenue) setBook(tokenID string, bid, ask int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	book := &model.OrderBook{}
	if bid > 0 {
		book.Bids = []model.BookLevel{{Tick: bid, Size: 5000}}
	}
	if ask > 0 {
		book.Asks = []model.BookLevel{{Tick: ask, Size: 5000}}
	}
	f.books[tokenID] = book
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *fakeVenue, *ledger.Store, *clock) {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		ProfileAddress:      sourceAddr,
		StartFromNow:        true,
		EnableTradeFilters:  true,
		SkipActivePositions: true,
		StartingBalance:     1000,
		TradePercentage:     0.10,
		FixedAmountUSD:      10,
		MinOrderShares:      5,
		PollInterval:        time.Second,
		WSRefreshEvery:      time.Minute,
		MaxTickRecheck:      30 * time.Second,
		DelayPenalty:        0.002,
		SellLossGuardPct:    0.10,
	}

	led := ledger.Open(filepath.Join(dir, "ledger.json"), cfg.StartingBalance)
	venue := newFakeVenue()
	set := settings.Load(filepath.Join(dir, "settings.json"),
		settings.Defaults(cfg.TradePercentage, cfg.FixedAmountUSD))
	set.Apply(settings.Patch{Mode: modePtr(settings.ModeFixed)})

	e := New(cfg, Deps{
		Venue:     venue,
		Ledger:    led,
		Blacklist: filter.Load(filepath.Join(dir, "blacklist.json")),
		Settings:  set,
		Audit:     audit.New(filepath.Join(dir, "logs")),
	})

	c := &clock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	e.now = c.Now
	led.SetClock(c.Now)
	e.bootMs = c.Now().UnixMilli()
	return e, venue, led, c
}

func modePtr(m settings.Mode) *settings.Mode { return &m }

func seedBinaryMarket(v *fakeVenue, marketID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.markets[marketID] = &model.Market{
		ID:       marketID,
		Question: "Will it rain tomorrow?",
		Slug:     "will-it-rain",
		Binary:   true,
		Outcomes: []model.Outcome{
			{TokenID: "tok-yes-" + marketID, Label: "Yes"},
			{TokenID: "tok-no-" + marketID, Label: "No"},
		},
	}
}

func buyTrade(marketID, tx string, price float64, tsMs int64) model.SourceTrade {
	return model.SourceTrade{
		ID: tx, TxHash: tx, TimestampMs: tsMs, Type: "TRADE",
		Outcome: "Yes", Size: 100, Price: price, MarketID: marketID, Side: "BUY",
	}
}

func TestReplicateBuyCopiesSourceFill(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xaaa", 0.44, c.Now().UnixMilli())}

	e.replicateActivity(context.Background())

	pos, ok := led.Position("m1", "tok-yes-m1", model.SideYes, "Yes")
	require.True(t, ok)
	assert.Equal(t, 440, pos.EntryTick)
	// $10 fixed at 0.44 is 22.73 shares
	assert.InDelta(t, 22.73, pos.Size, 0.001)
	assert.InDelta(t, 1000-22.73*0.44, led.Balance(), 0.01)
	assert.Equal(t, model.StateOpen, pos.State)
	assert.True(t, led.IsProcessed("0xaaa"))
}

func TestReplicateIsIdempotent(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xaaa", 0.44, c.Now().UnixMilli())}

	e.replicateActivity(context.Background())
	balance := led.Balance()
	e.replicateActivity(context.Background())

	assert.Equal(t, balance, led.Balance())
	assert.Len(t, led.Positions(), 1)
}

func TestBlacklistedMarketSkipped(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	e.bl.Initialize([]string{"m1"})
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xaaa", 0.44, c.Now().UnixMilli())}

	e.replicateActivity(context.Background())

	assert.Empty(t, led.Positions())
	assert.Equal(t, 1000.0, led.Balance())
}

func TestStartupBlacklistSparesPaperHeldMarkets(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)

	// We already hold m1 on paper; the source also holds m2.
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xaaa", 0.44, c.Now().UnixMilli())}
	e.replicateActivity(context.Background())
	require.Len(t, led.Positions(), 1)

	venue.holdings = []model.SourceHolding{
		{MarketID: "m1", TokenID: "tok-yes-m1", Size: 100},
		{MarketID: "m2", TokenID: "tok-other", Size: 50},
	}
	e.initializeBlacklist(context.Background())

	assert.False(t, e.bl.Contains("m1"))
	assert.True(t, e.bl.Contains("m2"))
}

func TestOrphanSellConsumedWithoutPosition(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	venue.activity = []model.SourceTrade{{
		ID: "0xbbb", TxHash: "0xbbb", TimestampMs: c.Now().UnixMilli(), Type: "TRADE",
		Outcome: "Yes", Size: 50, Price: 0.44, MarketID: "m1", Side: "SELL",
	}}

	e.replicateActivity(context.Background())

	assert.Empty(t, led.Positions())
	assert.True(t, led.IsProcessed("0xbbb"))
	assert.Equal(t, 1000.0, led.Balance())
}

func TestCopySellClosesFullPosition(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xaaa", 0.44, c.Now().UnixMilli())}
	e.replicateActivity(context.Background())
	require.Len(t, led.Positions(), 1)

	// Past the hold window, the source exits at a better price.
	c.Advance(10 * time.Second)
	venue.setBook("tok-yes-m1", 550, 560)
	venue.activity = []model.SourceTrade{{
		ID: "0xccc", TxHash: "0xccc", TimestampMs: c.Now().UnixMilli(), Type: "TRADE",
		Outcome: "Yes", Size: 100, Price: 0.55, MarketID: "m1", Side: "SELL",
	}}
	e.replicateActivity(context.Background())

	assert.Empty(t, led.Positions())
	closed := led.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, model.TriggerCopyTraderEvent, closed[0].CloseTrigger)
	assert.Equal(t, model.CauseTargetSelloff, closed[0].CloseCause)
	// Exit commits at the book's best bid.
	assert.Equal(t, 550, closed[0].ExitTick)
	assert.InDelta(t, 22.73*(0.55-0.44), closed[0].RealizedPnL, 0.01)
}

func TestCopySellParkedByMinHold(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xaaa", 0.44, c.Now().UnixMilli())}
	e.replicateActivity(context.Background())

	// Source flips within the hold window: the sell must wait, not vanish.
	c.Advance(2 * time.Second)
	sell := model.SourceTrade{
		ID: "0xccc", TxHash: "0xccc", TimestampMs: c.Now().UnixMilli(), Type: "TRADE",
		Outcome: "Yes", Size: 100, Price: 0.45, MarketID: "m1", Side: "SELL",
	}
	venue.activity = []model.SourceTrade{sell}
	e.replicateActivity(context.Background())

	assert.Len(t, led.Positions(), 1)
	assert.False(t, led.IsProcessed("0xccc"))

	c.Advance(5 * time.Second)
	e.replicateActivity(context.Background())
	assert.Empty(t, led.Positions())
	assert.True(t, led.IsProcessed("0xccc"))
}

func TestSellLossGuardRefusesDeepLoss(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 490, 500)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xaaa", 0.50, c.Now().UnixMilli())}
	e.replicateActivity(context.Background())
	require.Len(t, led.Positions(), 1)

	// Exit at 0.30 would realize a 40% loss; the guard blocks it.
	c.Advance(10 * time.Second)
	venue.setBook("tok-yes-m1", 300, 310)
	venue.activity = []model.SourceTrade{{
		ID: "0xddd", TxHash: "0xddd", TimestampMs: c.Now().UnixMilli(), Type: "TRADE",
		Outcome: "Yes", Size: 100, Price: 0.30, MarketID: "m1", Side: "SELL",
	}}
	e.replicateActivity(context.Background())

	assert.Len(t, led.Positions(), 1)
	assert.True(t, led.IsProcessed("0xddd"))
}

func TestMaxTickGuardDefersWithoutConsumingHash(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 500, 999)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xeee", 0.55, c.Now().UnixMilli())}

	e.replicateActivity(context.Background())
	assert.Empty(t, led.Positions())
	assert.False(t, led.IsProcessed("0xeee"))

	// Still parked inside the recheck window.
	c.Advance(10 * time.Second)
	e.replicateActivity(context.Background())
	assert.Empty(t, led.Positions())

	// Ask normalizes; the parked buy goes through on recheck.
	c.Advance(25 * time.Second)
	venue.setBook("tok-yes-m1", 540, 550)
	e.replicateActivity(context.Background())

	pos, ok := led.Position("m1", "tok-yes-m1", model.SideYes, "Yes")
	require.True(t, ok)
	assert.Equal(t, 550, pos.EntryTick)
	assert.True(t, led.IsProcessed("0xeee"))
}

func TestMaxTickGuardAbandonsAfterRetries(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 500, 999)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xfff", 0.55, c.Now().UnixMilli())}

	for i := 0; i < maxTickAttempts+1; i++ {
		e.replicateActivity(context.Background())
		c.Advance(31 * time.Second)
	}

	assert.Empty(t, led.Positions())
	assert.True(t, led.IsProcessed("0xfff"))
}

func TestSlippageGateSkipsDeadBook(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	e.cfg.ExpectedEdge = 0.06
	seedBinaryMarket(venue, "m1")
	// 100/400 spread dwarfs the 15% cap.
	venue.setBook("tok-yes-m1", 100, 400)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xslip", 0.40, c.Now().UnixMilli())}

	e.replicateActivity(context.Background())

	assert.Empty(t, led.Positions())
	assert.True(t, led.IsProcessed("0xslip"))
}

func TestSlippageGateIdleWithoutExpectedEdge(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	// Same dead book, but with no expected edge configured the gate must
	// stand down instead of rejecting every fill.
	venue.setBook("tok-yes-m1", 100, 400)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xslip", 0.40, c.Now().UnixMilli())}

	e.replicateActivity(context.Background())

	pos, ok := led.Position("m1", "tok-yes-m1", model.SideYes, "Yes")
	require.True(t, ok)
	assert.Equal(t, 400, pos.EntryTick)
}

func TestSlippageGateAppliesToSells(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xaaa", 0.44, c.Now().UnixMilli())}
	e.replicateActivity(context.Background())
	require.Len(t, led.Positions(), 1)

	// The book dies before the exit; the gated sell is consumed, the
	// position stays for the lifecycle sweep to deal with.
	e.cfg.ExpectedEdge = 0.06
	c.Advance(10 * time.Second)
	venue.setBook("tok-yes-m1", 500, 999)
	venue.activity = []model.SourceTrade{{
		ID: "0xsell", TxHash: "0xsell", TimestampMs: c.Now().UnixMilli(), Type: "TRADE",
		Outcome: "Yes", Size: 100, Price: 0.50, MarketID: "m1", Side: "SELL",
	}}
	e.replicateActivity(context.Background())

	assert.Len(t, led.Positions(), 1)
	assert.True(t, led.IsProcessed("0xsell"))
}

func TestLifecycleSweepParksPendingResolution(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xaaa", 0.44, c.Now().UnixMilli())}
	e.replicateActivity(context.Background())

	venue.mu.Lock()
	venue.containers["m1"] = &model.MarketContainer{Markets: []model.ChildMarket{{
		ID: "m1", ConditionID: "m1", EndTimeMs: c.Now().UnixMilli() - 1000,
		AcceptingOrders: true,
		Outcomes:        []string{"Yes", "No"},
	}}}
	venue.mu.Unlock()

	e.lifecycleSweep(context.Background())

	pos, ok := led.Position("m1", "tok-yes-m1", model.SideYes, "Yes")
	require.True(t, ok)
	assert.Equal(t, model.StatePendingResolution, pos.State)
}

func TestLifecycleSweepSettlesWinnerAtExtremes(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xaaa", 0.44, c.Now().UnixMilli())}
	e.replicateActivity(context.Background())

	venue.mu.Lock()
	venue.containers["m1"] = &model.MarketContainer{Markets: []model.ChildMarket{{
		ID: "m1", ConditionID: "m1", UMAResolutionStatus: "resolved",
		Outcomes:      []string{"Yes", "No"},
		OutcomePrices: []float64{0.997, 0.003},
	}}}
	venue.mu.Unlock()

	e.lifecycleSweep(context.Background())

	assert.Empty(t, led.Positions())
	closed := led.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, model.TriggerMarketResolution, closed[0].CloseTrigger)
	assert.Equal(t, model.CauseWinnerYes, closed[0].CloseCause)
	assert.Equal(t, ticks.Max, closed[0].ExitTick)
	// Resolution settlements never show up in the copy-event log.
	for _, ev := range led.TradeEvents() {
		assert.NotEqual(t, "SELL", ev.Action)
	}
}

func TestLifecycleSweepSettlesLoserAtFloor(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xaaa", 0.44, c.Now().UnixMilli())}
	e.replicateActivity(context.Background())

	venue.mu.Lock()
	venue.containers["m1"] = &model.MarketContainer{Markets: []model.ChildMarket{{
		ID: "m1", ConditionID: "m1", UMAResolutionStatus: "resolved",
		Outcomes:      []string{"Yes", "No"},
		OutcomePrices: []float64{0.003, 0.997},
	}}}
	venue.mu.Unlock()

	e.lifecycleSweep(context.Background())

	closed := led.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, model.CauseWinnerNo, closed[0].CloseCause)
	assert.Equal(t, ticks.Min, closed[0].ExitTick)
}

func TestCloseAllBypassesMinHold(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	seedBinaryMarket(venue, "m2")
	venue.setBook("tok-yes-m1", 430, 440)
	venue.setBook("tok-yes-m2", 600, 610)
	venue.activity = []model.SourceTrade{
		buyTrade("m1", "0xaaa", 0.44, c.Now().UnixMilli()),
		buyTrade("m2", "0xbbb", 0.61, c.Now().UnixMilli()),
	}
	e.replicateActivity(context.Background())
	require.Len(t, led.Positions(), 2)

	// Immediately after entry: USER_ACTION ignores the hold window.
	n := e.CloseAll()
	assert.Equal(t, 2, n)
	assert.Empty(t, led.Positions())
	for _, cp := range led.ClosedPositions() {
		assert.Equal(t, model.TriggerUserAction, cp.CloseTrigger)
		assert.Equal(t, model.CauseCloseAll, cp.CloseCause)
	}
}

func TestManualCloseMissingPosition(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	status := e.ManualClose("nope", "", model.SideYes, "Yes")
	assert.Equal(t, ledger.CloseNotFound, status)
}

func TestOutcomeSynonymMatching(t *testing.T) {
	assert.Equal(t, 0, matchOutcome([]string{"Yes", "No"}, "yes"))
	assert.Equal(t, 1, matchOutcome([]string{"Yes", "No"}, "DOWN"))
	assert.Equal(t, 0, matchOutcome([]string{"Up", "Down"}, "TRUE"))
	assert.Equal(t, -1, matchOutcome([]string{"Chiefs", "Eagles"}, "Yes"))
	assert.Equal(t, 1, matchOutcome([]string{"Chiefs", "Eagles"}, "eagles"))
	assert.Equal(t, model.SideNo, sideForLabel("Down"))
	assert.Equal(t, model.SideYes, sideForLabel("Chiefs"))
}

func TestPreBootHistoryIgnored(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	// With the cursor at boot time, even a fill from a minute before boot
	// is history.
	venue.activity = []model.SourceTrade{
		buyTrade("m1", "0xold", 0.44, c.Now().Add(-time.Hour).UnixMilli()),
		buyTrade("m1", "0xjustbefore", 0.44, c.Now().Add(-time.Minute).UnixMilli()),
	}

	e.replicateActivity(context.Background())

	assert.Empty(t, led.Positions())
	assert.False(t, led.IsProcessed("0xold"))
	assert.False(t, led.IsProcessed("0xjustbefore"))
}

func TestLookbackWindowWithoutStartFromNow(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	e.cfg.StartFromNow = false
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	// Ten-minute lookback: a five-minute-old fill is copied, an older one
	// is not.
	venue.activity = []model.SourceTrade{
		buyTrade("m1", "0xrecent", 0.44, c.Now().Add(-5*time.Minute).UnixMilli()),
		buyTrade("m1", "0xstale", 0.44, c.Now().Add(-15*time.Minute).UnixMilli()),
	}

	e.replicateActivity(context.Background())

	assert.Len(t, led.Positions(), 1)
	assert.True(t, led.IsProcessed("0xrecent"))
	assert.False(t, led.IsProcessed("0xstale"))
}

func TestPercentageModeSizesFromSourceTrade(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	e.set.Apply(settings.Patch{Mode: modePtr(settings.ModePercentage)})
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	// Source buys 100 shares; at 10% we copy 10 of them.
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xpct", 0.44, c.Now().UnixMilli())}

	e.replicateActivity(context.Background())

	pos, ok := led.Position("m1", "tok-yes-m1", model.SideYes, "Yes")
	require.True(t, ok)
	assert.InDelta(t, 10.0, pos.Size, 0.001)
	assert.Equal(t, 440, pos.EntryTick)
	assert.InDelta(t, 1000-10*0.44, led.Balance(), 0.001)
}

func TestLifecycleSweepRevertsPendingToOpen(t *testing.T) {
	e, venue, led, c := newTestEngine(t)
	seedBinaryMarket(venue, "m1")
	venue.setBook("tok-yes-m1", 430, 440)
	venue.activity = []model.SourceTrade{buyTrade("m1", "0xaaa", 0.44, c.Now().UnixMilli())}
	e.replicateActivity(context.Background())

	venue.mu.Lock()
	venue.containers["m1"] = &model.MarketContainer{Markets: []model.ChildMarket{{
		ID: "m1", ConditionID: "m1", EndTimeMs: c.Now().UnixMilli() - 1000,
		AcceptingOrders: true,
		Outcomes:        []string{"Yes", "No"},
	}}}
	venue.mu.Unlock()
	e.lifecycleSweep(context.Background())

	pos, ok := led.Position("m1", "tok-yes-m1", model.SideYes, "Yes")
	require.True(t, ok)
	require.Equal(t, model.StatePendingResolution, pos.State)

	// The end date gets pushed out; the market is live again.
	venue.mu.Lock()
	venue.containers["m1"] = &model.MarketContainer{Markets: []model.ChildMarket{{
		ID: "m1", ConditionID: "m1", EndTimeMs: c.Now().Add(24 * time.Hour).UnixMilli(),
		AcceptingOrders: true,
		Outcomes:        []string{"Yes", "No"},
	}}}
	venue.mu.Unlock()
	e.lifecycleSweep(context.Background())

	pos, ok = led.Position("m1", "tok-yes-m1", model.SideYes, "Yes")
	require.True(t, ok)
	assert.Equal(t, model.StateOpen, pos.State)
}

func TestStartupScanHonorsSkipSwitch(t *testing.T) {
	e, venue, _, _ := newTestEngine(t)
	e.cfg.SkipActivePositions = false
	venue.holdings = []model.SourceHolding{{MarketID: "m2", TokenID: "tok-other", Size: 50}}

	e.initializeBlacklist(context.Background())

	assert.False(t, e.bl.Contains("m2"))
	assert.Zero(t, e.bl.Size())
}
