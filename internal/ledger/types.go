package ledger

import (
	"github.com/web3guy0/polycopy/internal/model"
	"github.com/web3guy0/polycopy/internal/ticks"
)

// Position is one open paper position. Canonical identity is
// (marketId, tokenId); rows written before per-outcome tokens existed only
// carry (marketId, side) and are migrated on first touch.
type Position struct {
	MarketID      string              `json:"marketId"`
	TokenID       string              `json:"tokenId,omitempty"`
	Side          model.Side          `json:"side"`
	OutcomeLabel  string              `json:"outcomeLabel,omitempty"`
	MarketType    model.MarketType    `json:"marketType"`
	MarketName    string              `json:"marketName,omitempty"`
	Slug          string              `json:"slug,omitempty"`
	Size          float64             `json:"size"`
	EntryTick     int                 `json:"entryTick"`
	InvestedUSD   float64             `json:"investedUsd"`
	RealizedPnL   float64             `json:"realizedPnL"`
	CurrentTick   int                 `json:"currentTick"`
	CurrentValue  float64             `json:"currentValue"`
	UnrealizedPnL float64             `json:"unrealizedPnL"`
	State         model.PositionState `json:"state"`
	CloseTrigger  model.CloseTrigger  `json:"closeTrigger,omitempty"`
	CloseCause    model.CloseCause    `json:"closeCause,omitempty"`
	ClosePriority int                 `json:"closePriority,omitempty"`
	LastEntryTime int64               `json:"lastEntryTime"`
}

// markPrice recomputes the derived valuation fields from a fresh tick.
func (p *Position) markPrice(tick int) {
	p.CurrentTick = ticks.Clamp(tick)
	p.CurrentValue = p.Size * ticks.FromTick(p.CurrentTick)
	p.UnrealizedPnL = p.CurrentValue - p.InvestedUSD
}

// ClosedPosition is the immutable record of a realized close.
type ClosedPosition struct {
	ID             string             `json:"id"`
	MarketID       string             `json:"marketId"`
	TokenID        string             `json:"tokenId,omitempty"`
	Side           model.Side         `json:"side"`
	OutcomeLabel   string             `json:"outcomeLabel,omitempty"`
	MarketType     model.MarketType   `json:"marketType"`
	MarketName     string             `json:"marketName,omitempty"`
	Size           float64            `json:"size"`
	EntryTick      int                `json:"entryTick"`
	ExitTick       int                `json:"exitTick"`
	InvestedUSD    float64            `json:"investedUsd"`
	ReturnUSD      float64            `json:"returnUsd"`
	RealizedPnL    float64            `json:"realizedPnL"`
	CloseTrigger   model.CloseTrigger `json:"closeTrigger"`
	CloseCause     model.CloseCause   `json:"closeCause"`
	CloseTimestamp int64              `json:"closeTimestamp"`
}

// TradeEvent is one append-only audit row: a BUY, or a user-initiated SELL.
// System settlements never emit events.
type TradeEvent struct {
	ID           string     `json:"id"`
	TxHash       string     `json:"txHash"`
	MarketID     string     `json:"marketId"`
	TokenID      string     `json:"tokenId,omitempty"`
	MarketName   string     `json:"marketName,omitempty"`
	Side         model.Side `json:"side"`
	OutcomeLabel string     `json:"outcomeLabel,omitempty"`
	Action       string     `json:"action"` // BUY or SELL
	Size         float64    `json:"size"`
	Tick         int        `json:"tick"`
	SourceTick   int        `json:"sourceTick,omitempty"`
	LatencyMs    int64      `json:"latencyMs,omitempty"`
	Reason       string     `json:"reason"`
	Timestamp    int64      `json:"timestamp"`
}

// MarketCacheEntry is cached gamma metadata so replication does not hit the
// API for every activity row.
type MarketCacheEntry struct {
	Question     string   `json:"question"`
	Slug         string   `json:"slug"`
	Outcomes     []string `json:"outcomes"`
	ClobTokenIDs []string `json:"clobTokenIds"`
	EndTimeMs    int64    `json:"endTimeMs,omitempty"`
	UpdatedAt    int64    `json:"updatedAt"`
}

// ledgerFile is the persisted root schema of data/ledger.json.
type ledgerFile struct {
	Balance           float64                     `json:"balance"`
	Positions         map[string]*Position        `json:"positions"`
	ClosedPositions   []ClosedPosition            `json:"closedPositions"`
	TradeEvents       []TradeEvent                `json:"tradeEvents"`
	MarketCache       map[string]MarketCacheEntry `json:"marketCache"`
	ProcessedTxHashes []string                    `json:"processedTxHashes"`
}
