package polymarket

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/internal/ticks"
)

// BookUpdate is one streamed quote for a token. Ticks are 0 when the
// corresponding side was absent from the message.
type BookUpdate struct {
	TokenID string
	BestBid int
	BestAsk int
	// LastTick carries ticker-style messages that only have a trade price.
	LastTick int
}

// WSClient streams CLOB book updates for the tokens the ledger currently
// holds. Engine-driven refreshes replace the whole subscription set, so a
// refresh tears down the previous session and dials again.
type WSClient struct {
	url string

	mu         sync.Mutex
	conn       *websocket.Conn
	generation int
	subscribed map[string]bool

	onUpdate func([]BookUpdate)

	stopCh chan struct{}
}

func NewWSClient(url string) *WSClient {
	if url == "" {
		url = DefaultWSURL
	}
	return &WSClient{
		url:        url,
		subscribed: make(map[string]bool),
		stopCh:     make(chan struct{}),
	}
}

// OnUpdate sets the streaming callback. Must be called before Subscribe.
func (c *WSClient) OnUpdate(fn func([]BookUpdate)) {
	c.onUpdate = fn
}

// Subscribe replaces the current subscription set with tokenIDs. An empty
// set tears the connection down and leaves the client idle.
func (c *WSClient) Subscribe(tokenIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sameSetLocked(tokenIDs) && c.conn != nil {
		return nil
	}

	c.generation++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.subscribed = make(map[string]bool, len(tokenIDs))
	for _, id := range tokenIDs {
		c.subscribed[id] = true
	}
	if len(tokenIDs) == 0 {
		log.Info().Msg("📡 No open tokens, WebSocket idle")
		return nil
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	msg := map[string]interface{}{
		"type":       "market",
		"assets_ids": tokenIDs,
		"channel":    "book",
	}
	msgBytes, _ := json.Marshal(msg)
	if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	c.conn = conn
	go c.readMessages(conn, c.generation)

	log.Info().Int("tokens", len(tokenIDs)).Msg("📡 Subscribed to market WebSocket")
	return nil
}

func (c *WSClient) sameSetLocked(tokenIDs []string) bool {
	if len(tokenIDs) != len(c.subscribed) {
		return false
	}
	for _, id := range tokenIDs {
		if !c.subscribed[id] {
			return false
		}
	}
	return true
}

// IsConnected reports whether a live session exists.
func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *WSClient) readMessages(conn *websocket.Conn, gen int) {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := gen == c.generation
			if current {
				c.conn = nil
			}
			c.mu.Unlock()
			if current {
				log.Warn().Err(err).Msg("WebSocket read error, waiting for next refresh")
			}
			return
		}

		if updates := parseBookMessage(message); len(updates) > 0 && c.onUpdate != nil {
			c.onUpdate(updates)
		}
	}
}

// wsEntry covers every shape the feed sends: flat book snapshots,
// price_change envelopes and bare ticker entries.
type wsEntry struct {
	EventType    string         `json:"event_type"`
	AssetID      string         `json:"asset_id"`
	TokenID      string         `json:"token_id"`
	Price        string         `json:"price"`
	BestBid      string         `json:"best_bid"`
	BestAsk      string         `json:"best_ask"`
	Bids         []rawBookLevel `json:"bids"`
	Asks         []rawBookLevel `json:"asks"`
	PriceChanges []wsEntry      `json:"price_changes"`
}

type wsEnvelope struct {
	Data         []wsEntry `json:"data"`
	PriceChanges []wsEntry `json:"price_changes"`
}

// parseBookMessage normalizes a raw frame into book updates. Messages arrive
// as a bare array, a {data:[...]} envelope, or a single price_change object.
func parseBookMessage(data []byte) []BookUpdate {
	var entries []wsEntry

	var list []wsEntry
	if err := json.Unmarshal(data, &list); err == nil && len(list) > 0 {
		entries = list
	} else {
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err == nil {
			entries = append(env.Data, env.PriceChanges...)
		}
		if len(entries) == 0 {
			var single wsEntry
			if json.Unmarshal(data, &single) == nil {
				if len(single.PriceChanges) > 0 {
					entries = single.PriceChanges
				} else if single.AssetID != "" || single.TokenID != "" {
					entries = []wsEntry{single}
				}
			}
		}
	}

	var updates []BookUpdate
	for _, e := range entries {
		if len(e.PriceChanges) > 0 {
			for _, pc := range e.PriceChanges {
				if u, ok := entryToUpdate(pc); ok {
					updates = append(updates, u)
				}
			}
			continue
		}
		if u, ok := entryToUpdate(e); ok {
			updates = append(updates, u)
		}
	}
	return updates
}

func entryToUpdate(e wsEntry) (BookUpdate, bool) {
	token := e.AssetID
	if token == "" {
		token = e.TokenID
	}
	if token == "" {
		return BookUpdate{}, false
	}
	u := BookUpdate{TokenID: token}

	if len(e.Bids) > 0 || len(e.Asks) > 0 {
		for _, l := range e.Bids {
			if tick, _, ok := parseLevel(l); ok && tick > u.BestBid {
				u.BestBid = tick
			}
		}
		best := 0
		for _, l := range e.Asks {
			if tick, _, ok := parseLevel(l); ok && (best == 0 || tick < best) {
				best = tick
			}
		}
		u.BestAsk = best
		return u, u.BestBid > 0 || u.BestAsk > 0
	}

	u.BestBid = parseTick(e.BestBid)
	u.BestAsk = parseTick(e.BestAsk)
	if u.BestBid > 0 || u.BestAsk > 0 {
		return u, true
	}
	if u.LastTick = parseTick(e.Price); u.LastTick > 0 {
		return u, true
	}
	return BookUpdate{}, false
}

func parseTick(s string) int {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return 0
	}
	f, _ := d.Float64()
	return ticks.ToTick(f)
}

// Close shuts the client down for good.
func (c *WSClient) Close() {
	close(c.stopCh)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
