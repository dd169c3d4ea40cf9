package lifecycle

import (
	"strings"
	"time"

	"github.com/web3guy0/polycopy/internal/model"
)

// Pure classifier over a gamma event container. Given the container and the
// condition id we hold a position in, it derives the market type, the
// lifecycle state, and the winner once one is declared. No I/O here; the
// engine feeds it freshly fetched containers.

// State of the market as the venue sees it.
type State string

const (
	StateActive            State = "ACTIVE"
	StatePendingResolution State = "PENDING_RESOLUTION"
	StateClosed            State = "CLOSED"
)

// Winner describes which leg of a binary market won.
type Winner string

const (
	WinnerYes     Winner = "YES_WON"
	WinnerNo      Winner = "NO_WON"
	WinnerUnknown Winner = "UNKNOWN"
)

// Resolution carries the declared outcome of a closed market.
type Resolution struct {
	WinningIndex int
	WinningLabel string
	Winner       Winner
	// WinningSide is the side that won within a multi-outcome child:
	// the child's own YES token or its NO complement.
	WinningSide model.Side
}

// Classification is the classifier's verdict for one market.
type Classification struct {
	Type       model.MarketType
	State      State
	Resolution *Resolution
}

const resolvedStatus = "resolved"

// A price pinned at or above 0.99 marks the declared winner.
const winnerPriceFloor = 0.99

// Classify derives {type, state, winner} for the target market inside the
// container. A multi-outcome container whose children do not include the
// target yields ACTIVE with no resolution.
func Classify(container *model.MarketContainer, targetMarketID string, now time.Time) Classification {
	if container == nil || len(container.Markets) == 0 {
		return Classification{Type: model.MarketSingle, State: StateActive}
	}

	if len(container.Markets) > 1 {
		return classifyMulti(container, targetMarketID)
	}
	return classifySingle(&container.Markets[0], now)
}

func classifySingle(child *model.ChildMarket, now time.Time) Classification {
	c := Classification{Type: model.MarketSingle, State: StateActive}

	if strings.EqualFold(child.UMAResolutionStatus, resolvedStatus) {
		c.State = StateClosed
		c.Resolution = extractResolution(child)
		return c
	}
	if child.EndTimeMs > 0 && now.UnixMilli() >= child.EndTimeMs {
		c.State = StatePendingResolution
	}
	return c
}

func classifyMulti(container *model.MarketContainer, targetMarketID string) Classification {
	c := Classification{Type: model.MarketMulti, State: StateActive}

	child := findChild(container, targetMarketID)
	if child == nil {
		return c
	}

	if strings.EqualFold(child.UMAResolutionStatus, resolvedStatus) {
		c.State = StateClosed
		c.Resolution = extractResolution(child)
		return c
	}
	// The venue toggles acceptingOrders per child at different times, so
	// endDate is useless for multi children.
	if !child.AcceptingOrders {
		c.State = StatePendingResolution
	}
	return c
}

func findChild(container *model.MarketContainer, targetMarketID string) *model.ChildMarket {
	for i := range container.Markets {
		m := &container.Markets[i]
		if m.ConditionID == targetMarketID || m.ID == targetMarketID {
			return m
		}
	}
	return nil
}

// extractResolution finds the outcome whose price is pinned at 1 and maps
// its label onto the binary winner.
func extractResolution(child *model.ChildMarket) *Resolution {
	res := &Resolution{WinningIndex: -1, Winner: WinnerUnknown}

	for i, price := range child.OutcomePrices {
		if price >= winnerPriceFloor && i < len(child.Outcomes) {
			res.WinningIndex = i
			res.WinningLabel = child.Outcomes[i]
			break
		}
	}
	if res.WinningIndex < 0 {
		return res
	}

	upper := strings.ToUpper(res.WinningLabel)
	switch {
	case strings.Contains(upper, "YES"), strings.Contains(upper, "UP"):
		res.Winner = WinnerYes
		res.WinningSide = model.SideYes
	case strings.Contains(upper, "NO"), strings.Contains(upper, "DOWN"):
		res.Winner = WinnerNo
		res.WinningSide = model.SideNo
	}
	return res
}
