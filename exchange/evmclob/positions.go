package evmclob

import (
	"context"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/types"
)

type wirePosition struct {
	ConditionID string  `json:"conditionId"`
	Asset       string  `json:"asset"`
	Outcome     string  `json:"outcome"`
	Size        float64 `json:"size"`
	AvgPrice    float64 `json:"avgPrice"`
}

// GetPositions returns all nonzero holdings for this wallet. Dust below one
// hundredth of a share is ignored so settled markets don't reappear forever.
func (c *Client) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	var wire []wirePosition
	if err := c.doAuthed(ctx, http.MethodGet, "/data/positions", nil, &wire); err != nil {
		return nil, err
	}

	dust := decimal.NewFromFloat(0.01)
	var positions []exchange.Position
	for _, wp := range wire {
		qty := decimal.NewFromFloat(wp.Size)
		if qty.LessThan(dust) {
			continue
		}
		side := types.SideYes
		if strings.EqualFold(wp.Outcome, "no") {
			side = types.SideNo
		}
		positions = append(positions, exchange.Position{
			MarketID: wp.ConditionID,
			TokenID:  wp.Asset,
			Side:     side,
			Quantity: qty,
			AvgCost:  decimal.NewFromFloat(wp.AvgPrice),
		})
	}
	return positions, nil
}
