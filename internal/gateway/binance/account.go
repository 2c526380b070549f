package binance

import (
	"context"
	"math"
	"net/http"
	"net/url"

	"liq_engine/internal/gateway"
	"liq_engine/internal/models"
)

type positionRisk struct {
	Symbol       string `json:"symbol"`
	PositionAmt  string `json:"positionAmt"`
	EntryPrice   string `json:"entryPrice"`
	MarkPrice    string `json:"markPrice"`
	Leverage     string `json:"leverage"`
	PositionSide string `json:"positionSide"`
	UpdateTime   int64  `json:"updateTime"`
}

// Position: нетто-позиция (one-way). Хедж-режим считается непонятной позицией.
func (c *Client) Position(ctx context.Context, symbol string) (gateway.PositionSnapshot, error) {
	const op = "position"
	p := url.Values{}
	p.Set("symbol", symbol)

	var rs []positionRisk
	if err := c.do(ctx, op, http.MethodGet, "/fapi/v2/positionRisk", p, true, &rs); err != nil {
		return gateway.PositionSnapshot{}, err
	}

	snap := gateway.PositionSnapshot{Symbol: symbol}
	for _, r := range rs {
		if r.Symbol != symbol {
			continue
		}
		if r.PositionSide != "" && r.PositionSide != "BOTH" {
			return gateway.PositionSnapshot{}, gateway.NewError(op, gateway.KindHard, 0, "hedge mode position "+r.PositionSide)
		}
		amt := parseFloat(r.PositionAmt)
		snap.EntryPrice = parseFloat(r.EntryPrice)
		snap.MarkPrice = parseFloat(r.MarkPrice)
		snap.Leverage = parseFloat(r.Leverage)
		snap.UpdateMs = r.UpdateTime
		if amt != 0 {
			snap.Size = math.Abs(amt)
			snap.Side = models.SideLong
			if amt < 0 {
				snap.Side = models.SideShort
			}
		}
	}
	return snap, nil
}

func (c *Client) Account(ctx context.Context) (gateway.Account, error) {
	var r struct {
		TotalMarginBalance    string `json:"totalMarginBalance"`
		AvailableBalance      string `json:"availableBalance"`
		TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
	}
	if err := c.do(ctx, "account", http.MethodGet, "/fapi/v2/account", nil, true, &r); err != nil {
		return gateway.Account{}, err
	}
	return gateway.Account{
		Equity:        parseFloat(r.TotalMarginBalance),
		Available:     parseFloat(r.AvailableBalance),
		UnrealizedPnL: parseFloat(r.TotalUnrealizedProfit),
	}, nil
}
