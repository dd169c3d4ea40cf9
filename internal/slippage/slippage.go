package slippage

import (
	"fmt"
	"math"

	"github.com/web3guy0/polycopy/internal/model"
	"github.com/web3guy0/polycopy/internal/ticks"
)

// Execution cost model for paper fills. Cost is decomposed into the quoted
// spread, the book impact of the order notional, and a fixed delay penalty
// for the copy lag. The trade executes only when the total stays inside
// the edge the copy is expected to carry.

const (
	// Markets quoting wider than 15% of mid are dead; no edge survives that.
	maxSpreadRatio = 0.15

	// Fraction of the expected edge we are willing to spend on slippage.
	edgeBudget = 0.4

	// Depth window around the touch that counts as reachable liquidity.
	depthWindow = 0.01

	DefaultDelayPenalty = 0.003
	minDelayPenalty     = 0.002
	maxDelayPenalty     = 0.005
)

// Estimate is a decomposed slippage decision.
type Estimate struct {
	Spread       float64
	DepthUSD     float64
	Impact       float64
	DelayPenalty float64
	Total        float64
	Threshold    float64
	Execute      bool
	Reason       string
}

// NormalizeDelayPenalty validates an override; out-of-range values collapse
// to the default.
func NormalizeDelayPenalty(v float64) float64 {
	if math.IsNaN(v) || v < minDelayPenalty || v > maxDelayPenalty {
		return DefaultDelayPenalty
	}
	return v
}

// Evaluate decides whether a paper order of notionalUSD should execute
// against the given book. expectedEdge is fractional (0.06 = 6%).
func Evaluate(book *model.OrderBook, notionalUSD float64, isBuy bool, expectedEdge, delayPenalty float64) Estimate {
	est := Estimate{DelayPenalty: NormalizeDelayPenalty(delayPenalty)}

	bestBid, bestAsk := book.BestBid(), book.BestAsk()
	if bestBid == 0 || bestAsk == 0 {
		est.Reason = "empty book"
		return est
	}

	mid := float64(bestBid+bestAsk) / 2
	est.Spread = float64(bestAsk-bestBid) / mid

	if est.Spread > maxSpreadRatio {
		est.Total = math.Inf(1)
		est.Reason = fmt.Sprintf("dead market: spread %.1f%% of mid", est.Spread*100)
		return est
	}

	est.DepthUSD = reachableDepthUSD(book, isBuy)
	if est.DepthUSD > 0 {
		est.Impact = notionalUSD / est.DepthUSD
	} else {
		est.Impact = math.Inf(1)
	}

	est.Total = est.Spread + est.Impact + est.DelayPenalty
	est.Threshold = est.Spread + edgeBudget*expectedEdge

	if math.IsInf(est.Total, 1) {
		est.Reason = "no depth near the touch"
		return est
	}
	if est.Total > est.Threshold {
		est.Reason = fmt.Sprintf("slippage %.2f%% exceeds budget %.2f%%", est.Total*100, est.Threshold*100)
		return est
	}

	est.Execute = true
	est.Reason = fmt.Sprintf("slippage %.2f%% within budget %.2f%%", est.Total*100, est.Threshold*100)
	return est
}

// reachableDepthUSD sums the notional resting within depthWindow of the
// touch on the side the order would hit.
func reachableDepthUSD(book *model.OrderBook, isBuy bool) float64 {
	var depth float64
	if isBuy {
		limit := int(math.Floor(float64(book.BestAsk()) * (1 + depthWindow)))
		for _, lvl := range book.Asks {
			if lvl.Tick > limit {
				break
			}
			depth += ticks.FromTick(lvl.Tick) * lvl.Size
		}
	} else {
		limit := int(math.Floor(float64(book.BestBid()) * (1 - depthWindow)))
		for _, lvl := range book.Bids {
			if lvl.Tick < limit {
				break
			}
			depth += ticks.FromTick(lvl.Tick) * lvl.Size
		}
	}
	return depth
}
