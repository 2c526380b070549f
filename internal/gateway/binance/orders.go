package binance

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"liq_engine/internal/gateway"
	"liq_engine/internal/models"
)

// orderResponse: ответ /fapi/v1/order и элементы /fapi/v1/openOrders.
type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigType      string `json:"origType"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResponse) toExchange() gateway.ExchangeOrder {
	typ := r.OrigType
	if typ == "" {
		typ = r.Type
	}
	return gateway.ExchangeOrder{
		Symbol:      r.Symbol,
		ClientID:    r.ClientOrderID,
		ExchangeID:  strconv.FormatInt(r.OrderID, 10),
		Side:        models.OrderSide(r.Side),
		Type:        models.OrderType(typ),
		Price:       parseFloat(r.Price),
		StopPrice:   parseFloat(r.StopPrice),
		Quantity:    parseFloat(r.OrigQty),
		ExecutedQty: parseFloat(r.ExecutedQty),
		AvgPrice:    parseFloat(r.AvgPrice),
		Status:      mapStatus(r.Status),
		ReduceOnly:  r.ReduceOnly,
		UpdateMs:    r.UpdateTime,
	}
}

func mapStatus(s string) models.OrderStatus {
	switch s {
	case "NEW":
		return models.OrderNew
	case "PARTIALLY_FILLED":
		return models.OrderPartiallyFilled
	case "FILLED":
		return models.OrderFilled
	case "REJECTED":
		return models.OrderRejected
	}
	// CANCELED, EXPIRED, EXPIRED_IN_MATCH
	return models.OrderCanceled
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func (c *Client) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.ExchangeOrder, error) {
	const op = "place_order"
	if req.Quantity <= 0 {
		return gateway.ExchangeOrder{}, gateway.NewError(op, gateway.KindRejected, 0, "quantity <= 0")
	}

	p := url.Values{}
	p.Set("symbol", req.Symbol)
	p.Set("side", string(req.Side))
	p.Set("type", string(req.Type))
	p.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	p.Set("newClientOrderId", req.ClientID)
	p.Set("newOrderRespType", "RESULT")

	switch req.Type {
	case models.OrderLimit:
		p.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		p.Set("timeInForce", "GTC")
	case models.OrderStopMarket, models.OrderTakeProfit:
		p.Set("stopPrice", strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
		p.Set("workingType", "CONTRACT_PRICE")
	}
	if req.ReduceOnly {
		p.Set("reduceOnly", "true")
	}

	var r orderResponse
	if err := c.do(ctx, op, http.MethodPost, "/fapi/v1/order", p, true, &r); err != nil {
		return gateway.ExchangeOrder{}, err
	}
	return r.toExchange(), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, clientID string) error {
	p := url.Values{}
	p.Set("symbol", symbol)
	p.Set("origClientOrderId", clientID)
	return c.do(ctx, "cancel_order", http.MethodDelete, "/fapi/v1/order", p, true, nil)
}

func (c *Client) QueryOrder(ctx context.Context, symbol, clientID string) (gateway.ExchangeOrder, error) {
	p := url.Values{}
	p.Set("symbol", symbol)
	p.Set("origClientOrderId", clientID)

	var r orderResponse
	if err := c.do(ctx, "query_order", http.MethodGet, "/fapi/v1/order", p, true, &r); err != nil {
		return gateway.ExchangeOrder{}, err
	}
	return r.toExchange(), nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]gateway.ExchangeOrder, error) {
	p := url.Values{}
	p.Set("symbol", symbol)

	var rs []orderResponse
	if err := c.do(ctx, "open_orders", http.MethodGet, "/fapi/v1/openOrders", p, true, &rs); err != nil {
		return nil, err
	}
	out := make([]gateway.ExchangeOrder, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.toExchange())
	}
	return out, nil
}
