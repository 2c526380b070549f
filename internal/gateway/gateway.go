// Package gateway описывает биржевой шлюз ядра и общий слой ретраев.
package gateway

import (
	"context"

	"liq_engine/internal/models"
)

// OrderRequest: заявка на размещение. ClientID обязателен.
type OrderRequest struct {
	Symbol     string
	ClientID   string
	Side       models.OrderSide
	Type       models.OrderType
	Price      float64
	StopPrice  float64
	Quantity   float64
	ReduceOnly bool
}

// ExchangeOrder: ордер как его видит биржа.
type ExchangeOrder struct {
	Symbol      string
	ClientID    string
	ExchangeID  string
	Side        models.OrderSide
	Type        models.OrderType
	Price       float64
	StopPrice   float64
	Quantity    float64
	ExecutedQty float64
	AvgPrice    float64
	Status      models.OrderStatus
	ReduceOnly  bool
	UpdateMs    int64
}

// PositionSnapshot: нетто-позиция на бирже. Size всегда >= 0, направление в Side.
type PositionSnapshot struct {
	Symbol     string
	Side       models.Side
	Size       float64
	EntryPrice float64
	MarkPrice  float64
	Leverage   float64
	UpdateMs   int64
}

// Account: состояние счёта.
type Account struct {
	Equity        float64
	Available     float64
	UnrealizedPnL float64
}

// Gateway: REST-поверхность биржи. Все вызовы идемпотентны по ClientID.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (ExchangeOrder, error)
	CancelOrder(ctx context.Context, symbol, clientID string) error
	QueryOrder(ctx context.Context, symbol, clientID string) (ExchangeOrder, error)
	OpenOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error)
	Position(ctx context.Context, symbol string) (PositionSnapshot, error)
	Account(ctx context.Context) (Account, error)
	Quote(ctx context.Context, symbol string) (models.Quote, error)
	Instrument(ctx context.Context, symbol string) (models.Instrument, error)
}

// CandleSource: свечи для структурного трейлинга.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}
