package engine

import (
	"context"

	"liq_engine/internal/gateway"
	"liq_engine/internal/identity"
	"liq_engine/internal/metrics"
	"liq_engine/internal/models"
	"liq_engine/internal/store"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrRoleBusy: у роли уже живой ордер с другим id: сначала отмена.
var ErrRoleBusy = errors.New("role already has a live order")

// OrderSpec: что выставить. Цена и объём уже округлены к шагам инструмента.
type OrderSpec struct {
	Role       models.Role
	DecisionID string
	Side       models.OrderSide
	Type       models.OrderType
	Price      float64
	StopPrice  float64
	Quantity   float64
	ReduceOnly bool
}

// OrderFactory: единственная точка выставления и отмены ордеров.
// Идемпотентна по client id: живой ордер роли с тем же id повторно не выставляется.
type OrderFactory struct {
	gw    gateway.Gateway
	store *store.Store
	log   *zap.Logger
}

func NewOrderFactory(gw gateway.Gateway, st *store.Store, log *zap.Logger) *OrderFactory {
	return &OrderFactory{gw: gw, store: st, log: log.Named("orders")}
}

// Place выставляет ордер роли. placed=false: такой ордер уже живой, ex пустой.
// Запись в store делается с нулевым исполнением: исполнение из ответа биржи
// вызывающий применяет через общий путь учёта исполнений.
func (f *OrderFactory) Place(ctx context.Context, spec OrderSpec) (ex gateway.ExchangeOrder, placed bool, err error) {
	id := identity.ClientID(spec.DecisionID, spec.Role)
	if live, ok := f.store.LiveOrder(spec.Role); ok {
		if live.ClientID == id {
			return gateway.ExchangeOrder{}, false, nil
		}
		return gateway.ExchangeOrder{}, false, errors.Wrapf(ErrRoleBusy, "%s: live %s", spec.Role, live.ClientID)
	}

	req := gateway.OrderRequest{
		Symbol:     f.store.Symbol(),
		ClientID:   id,
		Side:       spec.Side,
		Type:       spec.Type,
		Price:      spec.Price,
		StopPrice:  spec.StopPrice,
		Quantity:   spec.Quantity,
		ReduceOnly: spec.ReduceOnly,
	}
	ex, err = f.gw.PlaceOrder(ctx, req)
	if gateway.IsDuplicate(err) {
		// ответ на прошлую попытку потерялся: ордер уже на бирже, забираем его
		f.log.Warn("duplicate client id, adopting", zap.String("client_id", id))
		ex, err = f.gw.QueryOrder(ctx, req.Symbol, id)
	}
	if err != nil {
		return gateway.ExchangeOrder{}, false, err
	}

	rec := models.Order{
		Role:       spec.Role,
		ClientID:   id,
		ExchangeID: ex.ExchangeID,
		DecisionID: spec.DecisionID,
		Side:       spec.Side,
		Type:       spec.Type,
		Price:      spec.Price,
		StopPrice:  spec.StopPrice,
		Quantity:   spec.Quantity,
		Status:     models.OrderNew,
		ReduceOnly: spec.ReduceOnly,
	}
	if ex.Quantity > 0 {
		rec.Quantity = ex.Quantity
	}
	if _, err := f.store.PutOrder(ctx, rec); err != nil {
		// ордер на бирже уже есть; сверка подберёт его при следующем прогоне
		f.log.Error("order placed but not journaled", zap.String("client_id", id), zap.Error(err))
	}
	metrics.OrdersPlaced.WithLabelValues(string(spec.Role), string(spec.Type)).Inc()
	f.log.Info("order placed",
		zap.String("role", string(spec.Role)),
		zap.String("client_id", id),
		zap.String("type", string(spec.Type)),
		zap.String("side", string(spec.Side)),
		zap.Float64("price", spec.Price),
		zap.Float64("stop", spec.StopPrice),
		zap.Float64("qty", spec.Quantity),
	)
	return ex, true, nil
}

// Cancel снимает живой ордер роли и возвращает его финальное состояние с биржи.
// ok=false: живого ордера у роли не было.
// Ордер, которого биржа уже не знает как живой, считается снятым.
func (f *OrderFactory) Cancel(ctx context.Context, role models.Role) (ex gateway.ExchangeOrder, ok bool, err error) {
	live, found := f.store.LiveOrder(role)
	if !found {
		return gateway.ExchangeOrder{}, false, nil
	}
	symbol := f.store.Symbol()

	err = f.gw.CancelOrder(ctx, symbol, live.ClientID)
	if err != nil && !gateway.IsNotFound(err) {
		return gateway.ExchangeOrder{}, true, err
	}
	if err == nil {
		metrics.OrdersCanceled.WithLabelValues(string(role)).Inc()
	}

	// между последним опросом и отменой ордер мог исполниться
	ex, qerr := f.gw.QueryOrder(ctx, symbol, live.ClientID)
	if qerr != nil || ex.Status.Live() {
		if qerr != nil && !gateway.IsNotFound(qerr) {
			f.log.Warn("final state query failed", zap.String("client_id", live.ClientID), zap.Error(qerr))
		}
		ex = exchangeView(live)
		ex.Status = models.OrderCanceled
	}
	f.log.Info("order canceled",
		zap.String("role", string(role)),
		zap.String("client_id", live.ClientID),
		zap.String("final", string(ex.Status)),
		zap.Float64("executed", ex.ExecutedQty),
	)
	return ex, true, nil
}

// exchangeView: локальная запись в виде ответа биржи.
func exchangeView(o models.Order) gateway.ExchangeOrder {
	return gateway.ExchangeOrder{
		Symbol:      o.Symbol,
		ClientID:    o.ClientID,
		ExchangeID:  o.ExchangeID,
		Side:        o.Side,
		Type:        o.Type,
		Price:       o.Price,
		StopPrice:   o.StopPrice,
		Quantity:    o.Quantity,
		ExecutedQty: o.ExecutedQty,
		AvgPrice:    o.AvgPrice,
		Status:      o.Status,
		ReduceOnly:  o.ReduceOnly,
	}
}
