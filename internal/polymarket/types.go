package polymarket

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/internal/ticks"
)

// Raw DTOs for the gamma, data-api and CLOB endpoints. The venue is loose
// with shapes: list fields arrive either as native JSON arrays or as
// JSON-encoded strings, numbers as strings or numbers.

// flexStrings accepts ["a","b"] and "[\"a\",\"b\"]" alike.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var inner string
		if err := json.Unmarshal(b, &inner); err != nil {
			return err
		}
		inner = strings.TrimSpace(inner)
		if inner == "" || inner == "null" {
			return nil
		}
		return json.Unmarshal([]byte(inner), (*[]string)(f))
	}
	return json.Unmarshal(b, (*[]string)(f))
}

type gammaMarket struct {
	ID                  string      `json:"id"`
	ConditionID         string      `json:"conditionId"`
	Question            string      `json:"question"`
	Slug                string      `json:"slug"`
	Outcomes            flexStrings `json:"outcomes"`
	OutcomePrices       flexStrings `json:"outcomePrices"`
	ClobTokenIDs        flexStrings `json:"clobTokenIds"`
	Resolved            bool        `json:"resolved"`
	Closed              bool        `json:"closed"`
	Active              bool        `json:"active"`
	AcceptingOrders     *bool       `json:"acceptingOrders"`
	UMAResolutionStatus string      `json:"umaResolutionStatus"`
	Status              string      `json:"status"`
	WinnerTokenID       string      `json:"winnerTokenId"`
	Winner              string      `json:"winner"`
	OutcomeStatuses     []string    `json:"outcomeStatuses"`
	EndDate             string      `json:"endDate"`
	Events              []gammaEvent `json:"events"`
	Markets             []gammaMarket `json:"markets"`
}

type gammaEvent struct {
	ID      string        `json:"id"`
	Markets []gammaMarket `json:"markets"`
}

// isResolved folds the venue's five resolution signals into one.
func (m *gammaMarket) isResolved() bool {
	if m.Resolved ||
		strings.EqualFold(m.Status, "resolved") ||
		strings.EqualFold(m.UMAResolutionStatus, "resolved") ||
		m.WinnerTokenID != "" {
		return true
	}
	if len(m.OutcomeStatuses) == 0 {
		return false
	}
	for _, s := range m.OutcomeStatuses {
		if !strings.EqualFold(s, "resolved") {
			return false
		}
	}
	return true
}

// endTimeMs parses the venue's assorted end-date formats into epoch ms.
// Returns 0 when absent or unparseable.
func (m *gammaMarket) endTimeMs() int64 {
	if m.EndDate == "" {
		return 0
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05Z",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, m.EndDate); err == nil {
			return t.UTC().UnixMilli()
		}
	}
	return 0
}

type rawActivity struct {
	ID              string      `json:"id"`
	TransactionHash string      `json:"transactionHash"`
	Timestamp       json.Number `json:"timestamp"`
	Type            string      `json:"type"`
	Side            string      `json:"side"`
	Outcome         string      `json:"outcome"`
	Size            json.Number `json:"size"`
	Price           json.Number `json:"price"`
	MarketID        string      `json:"marketId"`
	ConditionID     string      `json:"conditionId"`
}

type rawHolding struct {
	ConditionID string      `json:"conditionId"`
	Asset       string      `json:"asset"`
	Size        json.Number `json:"size"`
}

type rawUser struct {
	Address string `json:"proxyWallet"`
	Name    string `json:"name"`
	Pseudo  string `json:"pseudonym"`
}

type rawBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type rawBook struct {
	AssetID string         `json:"asset_id"`
	Bids    []rawBookLevel `json:"bids"`
	Asks    []rawBookLevel `json:"asks"`
}

// parseLevel converts one price/size string pair onto the tick grid.
// Returns ok=false for non-positive or malformed entries.
func parseLevel(l rawBookLevel) (tick int, size float64, ok bool) {
	p, err := decimal.NewFromString(l.Price)
	if err != nil || !p.IsPositive() {
		return 0, 0, false
	}
	s, err := decimal.NewFromString(l.Size)
	if err != nil || !s.IsPositive() {
		return 0, 0, false
	}
	pf, _ := p.Float64()
	sf, _ := s.Float64()
	return ticks.ToTick(pf), sf, true
}
