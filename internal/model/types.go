package model

import "strings"

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the legacy binary leg of a position.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// MarketType distinguishes plain binary markets from children of a
// multi-outcome event.
type MarketType string

const (
	MarketSingle MarketType = "SINGLE"
	MarketMulti  MarketType = "MULTI"
)

// CoerceMarketType maps unknown persisted values to SINGLE.
func CoerceMarketType(s string) MarketType {
	switch MarketType(s) {
	case MarketSingle, MarketMulti:
		return MarketType(s)
	default:
		return MarketSingle
	}
}

// PositionState is the lifecycle state of a paper position.
type PositionState string

const (
	StateOpen              PositionState = "OPEN"
	StateClosing           PositionState = "CLOSING"
	StatePendingResolution PositionState = "PENDING_RESOLUTION"
	StateClosed            PositionState = "CLOSED"
	StateSettled           PositionState = "SETTLED"
	StateInvalidated       PositionState = "INVALIDATED"
)

// CoercePositionState maps unknown persisted values to OPEN so a hand-edited
// or stale ledger never wedges a position.
func CoercePositionState(s string) PositionState {
	switch PositionState(s) {
	case StateOpen, StateClosing, StatePendingResolution, StateClosed, StateSettled, StateInvalidated:
		return PositionState(s)
	default:
		return StateOpen
	}
}

// CloseTrigger identifies who asked for a close. Lower priority number wins
// when triggers race on the same position.
type CloseTrigger string

const (
	TriggerMarketResolution CloseTrigger = "MARKET_RESOLUTION"
	TriggerSystemGuard      CloseTrigger = "SYSTEM_GUARD"
	TriggerUserAction       CloseTrigger = "USER_ACTION"
	TriggerCopyTraderEvent  CloseTrigger = "COPY_TRADER_EVENT"
	TriggerSystemPolicy     CloseTrigger = "SYSTEM_POLICY"
	TriggerTimeout          CloseTrigger = "TIMEOUT"
)

// CoerceCloseTrigger maps unknown persisted values to SYSTEM_POLICY.
func CoerceCloseTrigger(s string) CloseTrigger {
	switch CloseTrigger(s) {
	case TriggerMarketResolution, TriggerSystemGuard, TriggerUserAction,
		TriggerCopyTraderEvent, TriggerSystemPolicy, TriggerTimeout:
		return CloseTrigger(s)
	default:
		return TriggerSystemPolicy
	}
}

// Priority ranks the trigger; 1 is strongest.
func (t CloseTrigger) Priority() int {
	switch t {
	case TriggerMarketResolution:
		return 1
	case TriggerSystemGuard:
		return 2
	case TriggerUserAction:
		return 3
	case TriggerCopyTraderEvent:
		return 4
	case TriggerSystemPolicy:
		return 5
	case TriggerTimeout:
		return 6
	default:
		return 5
	}
}

// CloseCause explains the close in the audit trail.
type CloseCause string

const (
	CauseTargetSelloff CloseCause = "TARGET_SELLOFF"
	CauseWinnerYes     CloseCause = "WINNER_YES"
	CauseWinnerNo      CloseCause = "WINNER_NO"
	CauseUserRequest   CloseCause = "USER_REQUEST"
	CauseCloseAll      CloseCause = "CLOSE_ALL"
)

// BookLevel is one price level of an order book, already on the tick grid.
type BookLevel struct {
	Tick int
	Size float64
}

// OrderBook holds a snapshot with bids sorted descending and asks ascending.
// Levels with non-positive size are dropped at the client boundary.
type OrderBook struct {
	Bids []BookLevel
	Asks []BookLevel
}

// BestBid returns the highest bid tick, or 0 when the side is empty.
func (b *OrderBook) BestBid() int {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Tick
}

// BestAsk returns the lowest ask tick, or 0 when the side is empty.
func (b *OrderBook) BestAsk() int {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Tick
}

// LivePrice is the top of the YES-leg book.
type LivePrice struct {
	BestBid int
	BestAsk int
	Mid     int
}

// Outcome is one leg of a market, aligned with its CLOB token.
type Outcome struct {
	TokenID string
	Label   string
	Tick    int
}

// Market is the normalized gamma metadata the engine works with.
type Market struct {
	ID        string // condition id
	Question  string
	Slug      string
	EndTimeMs int64 // 0 when the venue omits it
	Binary    bool
	Resolved  bool
	Outcomes  []Outcome
}

// OutcomeByLabel finds an outcome by exact case-insensitive label match.
func (m *Market) OutcomeByLabel(label string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if strings.EqualFold(o.Label, label) {
			return o, true
		}
	}
	return Outcome{}, false
}

// SourceTrade is one raw activity row from the data-api, newest first on
// the wire.
type SourceTrade struct {
	ID          string
	TxHash      string
	TimestampMs int64
	Type        string // TRADE, REDEEM, ...
	Outcome     string
	Size        float64
	Price       float64
	MarketID    string
	Side        string // BUY or SELL
}

// SourceHolding is one row of the source wallet's current positions.
type SourceHolding struct {
	MarketID string
	TokenID  string
	Size     float64
}

// ChildMarket is one market inside a gamma event container, in the raw
// shape the lifecycle classifier needs.
type ChildMarket struct {
	ID                  string
	ConditionID         string
	Question            string
	EndTimeMs           int64
	AcceptingOrders     bool
	UMAResolutionStatus string
	Outcomes            []string
	OutcomePrices       []float64
}

// MarketContainer is the gamma event container for a market; multi-outcome
// events carry more than one child.
type MarketContainer struct {
	Markets []ChildMarket
}
