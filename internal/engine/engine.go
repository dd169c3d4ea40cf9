package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polycopy/internal/audit"
	"github.com/web3guy0/polycopy/internal/config"
	"github.com/web3guy0/polycopy/internal/database"
	"github.com/web3guy0/polycopy/internal/filter"
	"github.com/web3guy0/polycopy/internal/ledger"
	"github.com/web3guy0/polycopy/internal/metrics"
	"github.com/web3guy0/polycopy/internal/model"
	"github.com/web3guy0/polycopy/internal/polymarket"
	"github.com/web3guy0/polycopy/internal/settings"
	"github.com/web3guy0/polycopy/internal/ticks"
)

// ═══════════════════════════════════════════════════════════════════════════
// COPY ENGINE - poll the source wallet, mirror fills, manage the lifecycle
// ═══════════════════════════════════════════════════════════════════════════

// VenueClient is the read surface the engine needs from Polymarket.
type VenueClient interface {
	GetUserActivity(ctx context.Context, address string) ([]model.SourceTrade, error)
	GetSourceHoldings(ctx context.Context, address string) ([]model.SourceHolding, error)
	GetMarketDetails(ctx context.Context, marketID string) (*model.Market, error)
	GetMarketContainer(ctx context.Context, marketID string) (*model.MarketContainer, error)
	GetOrderBook(ctx context.Context, tokenID string) (*model.OrderBook, error)
	GetLivePrice(ctx context.Context, marketID string) (*model.LivePrice, error)
}

// Subscriber is the streaming side, satisfied by polymarket.WSClient.
type Subscriber interface {
	Subscribe(tokenIDs []string) error
	OnUpdate(fn func([]polymarket.BookUpdate))
	IsConnected() bool
	Close()
}

// Notifier receives push alerts. May be nil.
type Notifier interface {
	NotifyTrade(intent, question, side string, shares float64, tick int)
	NotifyClose(question, trigger string, pnl float64)
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Venue     VenueClient
	WS        Subscriber
	Ledger    *ledger.Store
	Blacklist *filter.Blacklist
	Settings  *settings.Store
	Audit     *audit.Logger
	DB        *database.Database
	Notifier  Notifier
}

// deferredBuy tracks a source buy parked by the max-tick guard. The tx hash
// stays unprocessed so a later price improvement can still be copied.
type deferredBuy struct {
	recheckAt time.Time
	attempts  int
}

type Engine struct {
	cfg   *config.Config
	venue VenueClient
	ws    Subscriber
	led   *ledger.Store
	bl    *filter.Blacklist
	set   *settings.Store
	aud   *audit.Logger
	db    *database.Database
	met   *metrics.Collector
	notif Notifier

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	tickCount int64
	bootMs    int64
	deferred  map[string]*deferredBuy
	strikes   map[string]int

	now func() time.Time
}

func New(cfg *config.Config, d Deps) *Engine {
	e := &Engine{
		cfg:      cfg,
		venue:    d.Venue,
		ws:       d.WS,
		led:      d.Ledger,
		bl:       d.Blacklist,
		set:      d.Settings,
		aud:      d.Audit,
		db:       d.DB,
		met:      metrics.Get(),
		notif:    d.Notifier,
		deferred: make(map[string]*deferredBuy),
		strikes:  make(map[string]int),
		now:      time.Now,
	}
	if e.ws != nil {
		e.ws.OnUpdate(e.onBookUpdates)
	}
	return e
}

// SetNotifier wires the optional push notifier after construction. The bot
// needs the engine as its controller, so it cannot exist first.
func (e *Engine) SetNotifier(n Notifier) {
	e.notif = n
}

// Start spins up the poll loop. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.bootMs = e.now().UnixMilli()
	e.mu.Unlock()

	e.initializeBlacklist(ctx)
	e.refreshSubscriptions()

	e.aud.Event(audit.Engine, "replication started profile=%s", e.cfg.ProfileAddress)
	log.Info().Str("profile", e.cfg.ProfileAddress).Msg("🚀 Copy engine started")

	e.wg.Add(1)
	go e.run(ctx)
}

// Stop halts the loop and waits for it to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.aud.Event(audit.Engine, "replication stopped")
	log.Info().Msg("⏹️ Copy engine stopped")
}

// Running reports whether the poll loop is live.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Toggle flips the run state and returns the new one.
func (e *Engine) Toggle() bool {
	if e.Running() {
		e.Stop()
		return false
	}
	e.Start(context.Background())
	return true
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()
	wsRefresh := time.NewTicker(e.cfg.WSRefreshEvery)
	defer wsRefresh.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-wsRefresh.C:
			e.refreshSubscriptions()
		case <-poll.C:
			e.tick(ctx)
		}
	}
}

// tick is one poll-loop iteration: replicate fresh source fills, then the
// staggered maintenance passes.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	e.tickCount++
	n := e.tickCount
	e.mu.Unlock()

	e.replicateActivity(ctx)
	e.refreshStalePrices(ctx)

	if n%5 == 0 {
		e.liquidityCheck(ctx)
	}
	if n%10 == 0 {
		e.lifecycleSweep(ctx)
	}

	e.publishAccountMetrics()
}

// initializeBlacklist seeds the skip list with markets the source wallet
// already holds, so mid-flight positions are never copied from their exit
// leg. Markets we also hold on paper stay copyable.
func (e *Engine) initializeBlacklist(ctx context.Context) {
	if !e.cfg.SkipActivePositions {
		return
	}
	if e.bl.Size() > 0 && !e.cfg.ForceFreshRun {
		return
	}
	holdings, err := e.venue.GetSourceHoldings(ctx, e.cfg.ProfileAddress)
	if err != nil {
		log.Warn().Err(err).Msg("Blacklist scan failed, starting without one")
		e.met.APIErrorsTotal.WithLabelValues("positions").Inc()
		return
	}

	held := make(map[string]bool)
	for _, p := range e.led.Positions() {
		held[p.MarketID] = true
	}
	var ids []string
	for _, h := range holdings {
		if !held[h.MarketID] {
			ids = append(ids, h.MarketID)
		}
	}
	e.bl.Initialize(ids)
	e.aud.Event(audit.Boot, "blacklisted %d pre-existing source markets", len(ids))
	log.Info().Int("markets", len(ids)).Msg("🛡️ Pre-existing source positions blacklisted")
}

// refreshSubscriptions points the WebSocket at the tokens of every open
// position.
func (e *Engine) refreshSubscriptions() {
	if e.ws == nil {
		return
	}
	seen := make(map[string]bool)
	var tokens []string
	for _, p := range e.led.Positions() {
		if p.TokenID != "" && !seen[p.TokenID] {
			seen[p.TokenID] = true
			tokens = append(tokens, p.TokenID)
		}
	}
	if err := e.ws.Subscribe(tokens); err != nil {
		log.Warn().Err(err).Msg("WebSocket subscribe failed")
	}
	e.met.WSSubscribedToks.Set(float64(len(tokens)))
}

// onBookUpdates is the streaming callback: fold each quote into the price
// cache and re-mark the positions tracking that token.
func (e *Engine) onBookUpdates(updates []polymarket.BookUpdate) {
	byToken := make(map[string]string)
	for _, p := range e.led.Positions() {
		if p.TokenID != "" {
			byToken[p.TokenID] = p.MarketID
		}
	}
	for _, u := range updates {
		marketID, ok := byToken[u.TokenID]
		if !ok {
			continue
		}
		tick := 0
		switch {
		case u.BestBid > 0 && u.BestAsk > 0:
			tick = (u.BestBid + u.BestAsk) / 2
		case u.BestBid > 0:
			tick = u.BestBid
		case u.BestAsk > 0:
			tick = u.BestAsk
		case u.LastTick > 0:
			tick = u.LastTick
		}
		if tick > 0 {
			e.led.UpdateRealTimePrice(marketID, tick, u.TokenID)
			e.met.WSUpdatesTotal.Inc()
		}
	}
}

// refreshStalePrices falls back to REST for positions whose price cache
// entry has expired, so valuations stay honest when the stream is quiet.
func (e *Engine) refreshStalePrices(ctx context.Context) {
	for _, p := range e.led.Positions() {
		if p.State != model.StateOpen && p.State != model.StateClosing {
			continue
		}
		if _, fresh := e.led.FreshPrice(p.MarketID, p.TokenID); fresh {
			continue
		}
		if p.TokenID != "" {
			book, err := e.venue.GetOrderBook(ctx, p.TokenID)
			if err != nil {
				e.met.APIErrorsTotal.WithLabelValues("book").Inc()
				continue
			}
			bid, ask := book.BestBid(), book.BestAsk()
			if bid > 0 && ask > 0 {
				e.led.UpdateRealTimePrice(p.MarketID, (bid+ask)/2, p.TokenID)
			}
			continue
		}
		// Legacy row without a token: derive from the market's YES leg.
		lp, err := e.venue.GetLivePrice(ctx, p.MarketID)
		if err != nil || lp == nil {
			if err != nil {
				e.met.APIErrorsTotal.WithLabelValues("price").Inc()
			}
			continue
		}
		tick := lp.Mid
		if p.Side == model.SideNo {
			tick = ticks.Clamp(ticks.Grid - lp.Mid)
		}
		e.led.UpdateRealTimePrice(p.MarketID, tick, "")
	}
}

func (e *Engine) publishAccountMetrics() {
	positions := e.led.Positions()
	var unrealized, realized float64
	for _, p := range positions {
		unrealized += p.UnrealizedPnL
	}
	for _, c := range e.led.ClosedPositions() {
		realized += c.RealizedPnL
	}
	e.met.Balance.Set(e.led.Balance())
	e.met.OpenPositions.Set(float64(len(positions)))
	e.met.UnrealizedPnL.Set(unrealized)
	e.met.RealizedPnL.Set(realized)
}

// Balance exposes the paper cash balance.
func (e *Engine) Balance() float64 { return e.led.Balance() }

// OpenPositions exposes a snapshot of the open book.
func (e *Engine) OpenPositions() []ledger.Position { return e.led.Positions() }

// TradeSettings returns the current sizing settings.
func (e *Engine) TradeSettings() settings.TradeSettings { return e.set.Get() }

// ApplyTradeSettings patches the sizing settings.
func (e *Engine) ApplyTradeSettings(p settings.Patch) settings.TradeSettings {
	s := e.set.Apply(p)
	e.aud.Event(audit.API, "trade settings updated mode=%s pct=%.3f fixed=%.2f",
		s.Mode, s.Percentage, s.FixedAmountUSD)
	return s
}
