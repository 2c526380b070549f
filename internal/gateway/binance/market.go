package binance

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"liq_engine/internal/gateway"
	"liq_engine/internal/models"
)

func (c *Client) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	p := url.Values{}
	p.Set("symbol", symbol)

	var r struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
		Time     int64  `json:"time"`
	}
	if err := c.do(ctx, "quote", http.MethodGet, "/fapi/v1/ticker/bookTicker", p, false, &r); err != nil {
		return models.Quote{}, err
	}
	q := models.Quote{
		Symbol: symbol,
		Bid:    parseFloat(r.BidPrice),
		Ask:    parseFloat(r.AskPrice),
		TimeMs: r.Time,
	}
	q.Last = q.Mid()
	return q, nil
}

type symbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
}

func (c *Client) Instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	const op = "instrument"
	p := url.Values{}
	p.Set("symbol", symbol)

	var r struct {
		Symbols []struct {
			Symbol  string         `json:"symbol"`
			Status  string         `json:"status"`
			Filters []symbolFilter `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.do(ctx, op, http.MethodGet, "/fapi/v1/exchangeInfo", p, false, &r); err != nil {
		return models.Instrument{}, err
	}

	for _, s := range r.Symbols {
		if s.Symbol != symbol {
			continue
		}
		inst := models.Instrument{Symbol: symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				inst.TickSize = parseFloat(f.TickSize)
			case "LOT_SIZE":
				inst.LotSize = parseFloat(f.StepSize)
				inst.MinQty = parseFloat(f.MinQty)
			}
		}
		if inst.TickSize <= 0 || inst.LotSize <= 0 {
			return models.Instrument{}, gateway.NewError(op, gateway.KindHard, 0, "no price/lot filters for "+symbol)
		}
		return inst, nil
	}
	return models.Instrument{}, gateway.NewError(op, gateway.KindNotFound, 0, "symbol "+symbol+" not listed")
}

// Candles: /fapi/v1/klines. Строка свечи: [openTime, open, high, low, close, volume, ...].
func (c *Client) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	const op = "candles"
	p := url.Values{}
	p.Set("symbol", symbol)
	p.Set("interval", interval)
	if limit > 0 {
		p.Set("limit", strconv.Itoa(limit))
	}

	var rows [][]any
	if err := c.do(ctx, op, http.MethodGet, "/fapi/v1/klines", p, false, &rows); err != nil {
		return nil, err
	}

	out := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			return nil, gateway.NewError(op, gateway.KindHard, 0, "short kline row")
		}
		out = append(out, models.Candle{
			OpenTime: int64(anyFloat(row[0])),
			Open:     anyFloat(row[1]),
			High:     anyFloat(row[2]),
			Low:      anyFloat(row[3]),
			Close:    anyFloat(row[4]),
		})
	}
	return out, nil
}

func anyFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		return parseFloat(x)
	case int64:
		return float64(x)
	}
	return 0
}
