package paper

import (
	"context"
	"testing"

	"liq_engine/internal/gateway"
	"liq_engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExchange() *Exchange {
	ex := New(models.Instrument{Symbol: "BTCUSDT", TickSize: 0.1, LotSize: 0.001, MinQty: 0.001}, 10_000)
	ex.SetPrice(100)
	return ex
}

func TestDuplicateClientIDRejectedWhileLive(t *testing.T) {
	ctx := context.Background()
	ex := newExchange()
	req := gateway.OrderRequest{Symbol: "BTCUSDT", ClientID: "lx_1_entry", Side: models.Buy, Type: models.OrderLimit, Price: 95, Quantity: 1}

	_, err := ex.PlaceOrder(ctx, req)
	require.NoError(t, err)
	_, err = ex.PlaceOrder(ctx, req)
	assert.True(t, gateway.IsDuplicate(err))

	require.NoError(t, ex.CancelOrder(ctx, "BTCUSDT", "lx_1_entry"))
	_, err = ex.PlaceOrder(ctx, req)
	assert.NoError(t, err, "id is reusable after cancel")

	err = ex.CancelOrder(ctx, "BTCUSDT", "missing")
	assert.True(t, gateway.IsNotFound(err))
}

func TestLimitFillAndStopTrigger(t *testing.T) {
	ctx := context.Background()
	ex := newExchange()

	_, err := ex.PlaceOrder(ctx, gateway.OrderRequest{Symbol: "BTCUSDT", ClientID: "e", Side: models.Buy, Type: models.OrderLimit, Price: 99, Quantity: 2})
	require.NoError(t, err)
	ex.SetPrice(98.5)

	pos, err := ex.Position(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.SideLong, pos.Side)
	assert.Equal(t, 2.0, pos.Size)
	assert.Equal(t, 99.0, pos.EntryPrice)

	_, err = ex.PlaceOrder(ctx, gateway.OrderRequest{Symbol: "BTCUSDT", ClientID: "sl", Side: models.Sell, Type: models.OrderStopMarket, StopPrice: 97, Quantity: 2, ReduceOnly: true})
	require.NoError(t, err)
	ex.SetPrice(96.9)

	o, ok := ex.Order("sl")
	require.True(t, ok)
	assert.Equal(t, models.OrderFilled, o.Status)

	pos, err = ex.Position(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, pos.Size)

	acc, err := ex.Account(ctx)
	require.NoError(t, err)
	assert.Less(t, acc.Equity, 10_000.0)
}

func TestPartialFillAndReduceOnly(t *testing.T) {
	ctx := context.Background()
	ex := newExchange()

	_, err := ex.PlaceOrder(ctx, gateway.OrderRequest{Symbol: "BTCUSDT", ClientID: "tp", Side: models.Sell, Type: models.OrderTakeProfit, StopPrice: 110, Quantity: 1, ReduceOnly: true})
	assert.True(t, gateway.IsRejected(err), "reduce-only without exposure")

	_, err = ex.PlaceOrder(ctx, gateway.OrderRequest{Symbol: "BTCUSDT", ClientID: "e", Side: models.Sell, Type: models.OrderLimit, Price: 105, Quantity: 1})
	require.NoError(t, err)
	require.True(t, ex.Fill("e", 0.4, 105))

	o, _ := ex.Order("e")
	assert.Equal(t, models.OrderPartiallyFilled, o.Status)
	assert.InDelta(t, 0.6, o.Quantity-o.ExecutedQty, 1e-9)

	pos, _ := ex.Position(ctx, "BTCUSDT")
	assert.Equal(t, models.SideShort, pos.Side)
	assert.InDelta(t, 0.4, pos.Size, 1e-9)
}

func TestCandlesKeepsTailAndFaults(t *testing.T) {
	ctx := context.Background()
	ex := newExchange()
	ex.SetCandles([]models.Candle{{OpenTime: 1, Low: 90}, {OpenTime: 2, Low: 91}, {OpenTime: 3, Low: 92}})

	c, err := ex.Candles(ctx, "BTCUSDT", "15m", 2)
	require.NoError(t, err)
	require.Len(t, c, 2)
	assert.Equal(t, int64(2), c[0].OpenTime)
	assert.Equal(t, int64(3), c[1].OpenTime)

	ex.InjectError("candles", context.DeadlineExceeded)
	_, err = ex.Candles(ctx, "BTCUSDT", "15m", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c, err = ex.Candles(ctx, "BTCUSDT", "15m", 0)
	require.NoError(t, err)
	assert.Len(t, c, 3)
}
