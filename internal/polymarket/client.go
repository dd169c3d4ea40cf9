package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/web3guy0/polycopy/internal/model"
	"github.com/web3guy0/polycopy/internal/retry"
	"github.com/web3guy0/polycopy/internal/ticks"
)

// ═══════════════════════════════════════════════════════════════════════════
// POLYMARKET CLIENT - Gamma, Data-API and CLOB read surface
// ═══════════════════════════════════════════════════════════════════════════

const (
	DefaultGammaURL = "https://gamma-api.polymarket.com"
	DefaultDataURL  = "https://data-api.polymarket.com"
	DefaultCLOBURL  = "https://clob.polymarket.com"
	DefaultWSURL    = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	activityLimit = 10

	restTimeout = 5 * time.Second
	bookTimeout = 3 * time.Second
)

var ErrMarketNotFound = errors.New("market not found")

type Client struct {
	http     *http.Client
	gammaURL string
	dataURL  string
	clobURL  string

	// Gamma is the strictest endpoint, the CLOB the most forgiving.
	gammaLimiter *rate.Limiter
	dataLimiter  *rate.Limiter
	clobLimiter  *rate.Limiter
}

// NewClient builds the REST surface. Empty URLs fall back to the public
// endpoints.
func NewClient(gammaURL, dataURL, clobURL string) *Client {
	if gammaURL == "" {
		gammaURL = DefaultGammaURL
	}
	if dataURL == "" {
		dataURL = DefaultDataURL
	}
	if clobURL == "" {
		clobURL = DefaultCLOBURL
	}
	return &Client{
		http:         &http.Client{},
		gammaURL:     gammaURL,
		dataURL:      dataURL,
		clobURL:      clobURL,
		gammaLimiter: rate.NewLimiter(rate.Limit(4), 8),
		dataLimiter:  rate.NewLimiter(rate.Limit(5), 10),
		clobLimiter:  rate.NewLimiter(rate.Limit(10), 20),
	}
}

func (c *Client) getJSON(ctx context.Context, limiter *rate.Limiter, rawURL string, out any) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Debug().Str("url", rawURL).Msg("⏱️ Request aborted on deadline")
		}
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &retry.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	return dec.Decode(out)
}

// GetUserActivity returns the source wallet's most recent fills, newest first
// as the venue serves them.
func (c *Client) GetUserActivity(ctx context.Context, address string) ([]model.SourceTrade, error) {
	ctx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/activity?user=%s&limit=%d", c.dataURL, url.QueryEscape(address), activityLimit)
	var raw []rawActivity
	if err := c.getJSON(ctx, c.dataLimiter, u, &raw); err != nil {
		return nil, err
	}

	trades := make([]model.SourceTrade, 0, len(raw))
	for _, a := range raw {
		if !strings.EqualFold(a.Type, "TRADE") {
			continue
		}
		ts, _ := a.Timestamp.Int64()
		if ts > 0 && ts < 1e10 {
			ts *= 1000 // seconds on the wire
		}
		size, _ := a.Size.Float64()
		price, _ := a.Price.Float64()
		marketID := a.ConditionID
		if marketID == "" {
			marketID = a.MarketID
		}
		tx := a.TransactionHash
		if tx == "" {
			tx = a.ID
		}
		trades = append(trades, model.SourceTrade{
			ID:          a.ID,
			TxHash:      tx,
			TimestampMs: ts,
			Type:        strings.ToUpper(a.Type),
			Outcome:     a.Outcome,
			Size:        size,
			Price:       price,
			MarketID:    marketID,
			Side:        strings.ToUpper(a.Side),
		})
	}
	return trades, nil
}

// GetSourceHoldings returns the source wallet's open on-chain positions.
func (c *Client) GetSourceHoldings(ctx context.Context, address string) ([]model.SourceHolding, error) {
	ctx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/positions?user=%s&size_min=1", c.dataURL, url.QueryEscape(address))
	var raw []rawHolding
	if err := c.getJSON(ctx, c.dataLimiter, u, &raw); err != nil {
		return nil, err
	}
	holdings := make([]model.SourceHolding, 0, len(raw))
	for _, h := range raw {
		size, _ := h.Size.Float64()
		holdings = append(holdings, model.SourceHolding{
			MarketID: h.ConditionID,
			TokenID:  h.Asset,
			Size:     size,
		})
	}
	return holdings, nil
}

// GetUserProfile resolves a display name for the source wallet. Best effort:
// a bare address is returned when the venue has nothing better.
func (c *Client) GetUserProfile(ctx context.Context, address string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/users/%s", c.dataURL, url.QueryEscape(address))
	var raw rawUser
	if err := c.getJSON(ctx, c.dataLimiter, u, &raw); err != nil {
		return address, err
	}
	if raw.Name != "" {
		return raw.Name, nil
	}
	if raw.Pseudo != "" {
		return raw.Pseudo, nil
	}
	return address, nil
}

// fetchGammaMarket looks a market up by gamma id first, then falls back to
// the condition_ids filter. Source trades carry condition ids, the dashboard
// carries gamma ids, so both paths are live.
func (c *Client) fetchGammaMarket(ctx context.Context, marketID string) (*gammaMarket, error) {
	if !strings.HasPrefix(marketID, "0x") {
		var m gammaMarket
		err := c.getJSON(ctx, c.gammaLimiter, fmt.Sprintf("%s/markets/%s", c.gammaURL, url.PathEscape(marketID)), &m)
		if err == nil && m.ID != "" {
			return &m, nil
		}
		var se *retry.StatusError
		if err != nil && !(errors.As(err, &se) && se.Code == http.StatusNotFound) {
			return nil, err
		}
	}
	var list []gammaMarket
	u := fmt.Sprintf("%s/markets?condition_ids=%s", c.gammaURL, url.QueryEscape(marketID))
	if err := c.getJSON(ctx, c.gammaLimiter, u, &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	return &list[0], nil
}

func normalizeMarket(m *gammaMarket) *model.Market {
	out := &model.Market{
		ID:        m.ID,
		Question:  m.Question,
		Slug:      m.Slug,
		EndTimeMs: m.endTimeMs(),
		Binary:    len(m.Outcomes) == 2,
		Resolved:  m.isResolved(),
	}
	for i, label := range m.Outcomes {
		o := model.Outcome{Label: label}
		if i < len(m.ClobTokenIDs) {
			o.TokenID = m.ClobTokenIDs[i]
		}
		if i < len(m.OutcomePrices) {
			if p, err := decimal.NewFromString(m.OutcomePrices[i]); err == nil {
				pf, _ := p.Float64()
				o.Tick = ticks.ToTick(pf)
			}
		}
		out.Outcomes = append(out.Outcomes, o)
	}
	return out
}

// GetMarketDetails returns the normalized market for a gamma id or
// condition id.
func (c *Client) GetMarketDetails(ctx context.Context, marketID string) (*model.Market, error) {
	ctx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()

	m, err := c.fetchGammaMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return normalizeMarket(m), nil
}

// GetMarketContainer returns the market together with its event siblings,
// which is what the lifecycle classifier consumes. Single markets come back
// as a one-element container.
func (c *Client) GetMarketContainer(ctx context.Context, marketID string) (*model.MarketContainer, error) {
	ctx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()

	m, err := c.fetchGammaMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	siblings := []gammaMarket{*m}
	if len(m.Events) > 0 && len(m.Events[0].Markets) > 0 {
		siblings = m.Events[0].Markets
	} else if len(m.Markets) > 0 {
		siblings = m.Markets
	}

	container := &model.MarketContainer{}
	for i := range siblings {
		s := &siblings[i]
		child := model.ChildMarket{
			ID:                  s.ID,
			ConditionID:         s.ConditionID,
			Question:            s.Question,
			EndTimeMs:           s.endTimeMs(),
			AcceptingOrders:     s.AcceptingOrders == nil || *s.AcceptingOrders,
			UMAResolutionStatus: s.UMAResolutionStatus,
			Outcomes:            append([]string(nil), s.Outcomes...),
		}
		for _, p := range s.OutcomePrices {
			if d, err := decimal.NewFromString(p); err == nil {
				pf, _ := d.Float64()
				child.OutcomePrices = append(child.OutcomePrices, pf)
			} else {
				child.OutcomePrices = append(child.OutcomePrices, 0)
			}
		}
		container.Markets = append(container.Markets, child)
	}
	return container, nil
}

// GetOrderBook fetches the CLOB book for one token. Levels are filtered to
// positive size, snapped to ticks, bids sorted descending and asks ascending.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*model.OrderBook, error) {
	ctx, cancel := context.WithTimeout(ctx, bookTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/book?token_id=%s", c.clobURL, url.QueryEscape(tokenID))
	var raw rawBook
	if err := c.getJSON(ctx, c.clobLimiter, u, &raw); err != nil {
		return nil, err
	}

	book := &model.OrderBook{}
	for _, l := range raw.Bids {
		if tick, size, ok := parseLevel(l); ok {
			book.Bids = append(book.Bids, model.BookLevel{Tick: tick, Size: size})
		}
	}
	for _, l := range raw.Asks {
		if tick, size, ok := parseLevel(l); ok {
			book.Asks = append(book.Asks, model.BookLevel{Tick: tick, Size: size})
		}
	}
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Tick > book.Bids[j].Tick })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Tick < book.Asks[j].Tick })
	return book, nil
}

// GetLivePrice derives a quote from the market's YES-leg book. Nil without
// error when either side of the book is empty.
func (c *Client) GetLivePrice(ctx context.Context, marketID string) (*model.LivePrice, error) {
	market, err := c.GetMarketDetails(ctx, marketID)
	if err != nil {
		return nil, err
	}
	token := yesLegToken(market)
	if token == "" {
		return nil, fmt.Errorf("market %s has no tokens", marketID)
	}
	book, err := c.GetOrderBook(ctx, token)
	if err != nil {
		return nil, err
	}
	bid, ask := book.BestBid(), book.BestAsk()
	if bid == 0 || ask == 0 {
		return nil, nil
	}
	return &model.LivePrice{BestBid: bid, BestAsk: ask, Mid: (bid + ask) / 2}, nil
}

// yesLegToken picks the affirmative leg by label, falling back to index 0.
func yesLegToken(m *model.Market) string {
	for _, o := range m.Outcomes {
		switch strings.ToUpper(strings.TrimSpace(o.Label)) {
		case "YES", "UP", "TRUE", "1", "PASS":
			return o.TokenID
		}
	}
	if len(m.Outcomes) > 0 {
		return m.Outcomes[0].TokenID
	}
	return ""
}
