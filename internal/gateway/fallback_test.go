package gateway_test

import (
	"context"
	"testing"

	"liq_engine/internal/gateway"
	"liq_engine/internal/gateway/paper"
	"liq_engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var configured = models.Instrument{Symbol: "BTCUSDT", TickSize: 0.1, LotSize: 0.001, MinQty: 0.001}

func TestInstrumentFallbackOnSoftError(t *testing.T) {
	ex := paper.New(models.Instrument{Symbol: "BTCUSDT", TickSize: 0.5, LotSize: 0.01}, 1000)
	g := gateway.WithInstrumentFallback(ex, configured, zap.NewNop())

	inst, err := g.Instrument(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, inst.TickSize, 1e-12)

	ex.InjectError("instrument", gateway.NewError("instrument", gateway.KindSoft, -1001, "timeout"))
	inst, err = g.Instrument(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, configured, inst)
}

func TestInstrumentFallbackKeepsHardErrorsAndOtherSymbols(t *testing.T) {
	ex := paper.New(configured, 1000)
	g := gateway.WithInstrumentFallback(ex, configured, zap.NewNop())

	ex.InjectError("instrument", gateway.NewError("instrument", gateway.KindHard, -1121, "Invalid symbol"))
	_, err := g.Instrument(context.Background(), "BTCUSDT")
	assert.True(t, gateway.IsHard(err))

	ex.InjectError("instrument", gateway.NewError("instrument", gateway.KindSoft, 0, "timeout"))
	_, err = g.Instrument(context.Background(), "ETHUSDT")
	assert.Error(t, err)
}

func TestInstrumentFallbackNeedsFilters(t *testing.T) {
	ex := paper.New(configured, 1000)
	assert.Same(t, gateway.Gateway(ex), gateway.WithInstrumentFallback(ex, models.Instrument{Symbol: "BTCUSDT"}, zap.NewNop()))
}
