package clobrest

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/types"
)

type balanceResponse struct {
	Balance int64 `json:"balance"` // cents
}

// GetBalance returns the account's available balance in USD.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var resp balanceResponse
	if err := c.get(ctx, "/portfolio/balance", &resp); err != nil {
		return decimal.Zero, err
	}
	return centsToPrice(resp.Balance), nil
}

type positionsResponse struct {
	MarketPositions []struct {
		Ticker       string `json:"ticker"`
		Position     int64  `json:"position"` // signed: >0 yes, <0 no
		AvgPriceYes  int64  `json:"avg_price_yes"`
		AvgPriceNo   int64  `json:"avg_price_no"`
	} `json:"market_positions"`
}

// GetPositions returns all nonzero holdings for this account.
func (c *Client) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	var resp positionsResponse
	if err := c.get(ctx, "/portfolio/positions", &resp); err != nil {
		return nil, err
	}

	var positions []exchange.Position
	for _, mp := range resp.MarketPositions {
		if mp.Position == 0 {
			continue
		}
		pos := exchange.Position{MarketID: mp.Ticker}
		if mp.Position > 0 {
			pos.Side = types.SideYes
			pos.TokenID = mp.Ticker + ":yes"
			pos.Quantity = decimal.NewFromInt(mp.Position)
			pos.AvgCost = centsToPrice(mp.AvgPriceYes)
		} else {
			pos.Side = types.SideNo
			pos.TokenID = mp.Ticker + ":no"
			pos.Quantity = decimal.NewFromInt(-mp.Position)
			pos.AvgCost = centsToPrice(mp.AvgPriceNo)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}
