package gateway

import (
	"context"

	"liq_engine/internal/models"

	"go.uber.org/zap"
)

// withInstrument подставляет параметры инструмента из конфига, если exchangeInfo недоступен.
type withInstrument struct {
	Gateway
	inst models.Instrument
	log  *zap.Logger
}

// WithInstrumentFallback оборачивает g. Фолбэк без tick/lot ничего не меняет.
func WithInstrumentFallback(g Gateway, inst models.Instrument, log *zap.Logger) Gateway {
	if inst.TickSize <= 0 || inst.LotSize <= 0 {
		return g
	}
	return &withInstrument{Gateway: g, inst: inst, log: log.Named("gateway")}
}

func (w *withInstrument) Instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	inst, err := w.Gateway.Instrument(ctx, symbol)
	if err == nil {
		return inst, nil
	}
	if IsHard(err) || (w.inst.Symbol != "" && w.inst.Symbol != symbol) {
		return inst, err
	}
	w.log.Warn("exchange info unavailable, using configured instrument",
		zap.String("symbol", symbol),
		zap.Float64("tick_size", w.inst.TickSize),
		zap.Float64("lot_size", w.inst.LotSize),
		zap.Error(err),
	)
	out := w.inst
	out.Symbol = symbol
	return out, nil
}
