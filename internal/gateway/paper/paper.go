// Package paper: биржа в памяти: сухой прогон и фейк для тестов.
// Поведение повторяет USDT-M фьючерсы в one-way режиме: один client id на живой ордер,
// reduce-only ордера не увеличивают позицию, стопы срабатывают по last.
package paper

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"liq_engine/internal/gateway"
	"liq_engine/internal/models"
)

const eps = 1e-12

type Exchange struct {
	mu sync.Mutex

	instrument models.Instrument
	quote      models.Quote
	candles    []models.Candle

	equity float64
	// знаковая позиция: >0 long, <0 short
	pos      float64
	entry    float64
	leverage float64

	seq    int64
	orders map[string]*gateway.ExchangeOrder // по client id, последний
	faults map[string][]error

	placed []gateway.OrderRequest
	now    func() time.Time
}

var (
	_ gateway.Gateway      = (*Exchange)(nil)
	_ gateway.CandleSource = (*Exchange)(nil)
)

func New(inst models.Instrument, equity float64) *Exchange {
	return &Exchange{
		instrument: inst,
		equity:     equity,
		leverage:   1,
		orders:     make(map[string]*gateway.ExchangeOrder),
		faults:     make(map[string][]error),
		now:        time.Now,
	}
}

// ---------- управление состоянием (тесты / dry-run) ----------

// SetQuote выставляет стакан и прогоняет матчинг по last = mid.
func (e *Exchange) SetQuote(bid, ask float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quote = models.Quote{
		Symbol: e.instrument.Symbol,
		Bid:    bid,
		Ask:    ask,
		Last:   (bid + ask) / 2,
		TimeMs: e.now().UnixMilli(),
	}
	e.matchLocked()
}

// SetPrice: узкий спред вокруг px.
func (e *Exchange) SetPrice(px float64) {
	half := e.instrument.TickSize / 2
	if half <= 0 {
		half = px * 1e-5
	}
	e.SetQuote(px-half, px+half)
}

func (e *Exchange) SetCandles(c []models.Candle) {
	e.mu.Lock()
	e.candles = append([]models.Candle(nil), c...)
	e.mu.Unlock()
}

func (e *Exchange) SetEquity(v float64) {
	e.mu.Lock()
	e.equity = v
	e.mu.Unlock()
}

// SetPosition подменяет позицию на бирже (ручное вмешательство, сторонний бот).
func (e *Exchange) SetPosition(side models.Side, size, entry float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos = side.Sign() * size
	if size == 0 {
		e.pos = 0
	}
	e.entry = entry
}

// InjectError: следующие вызовы op вернут переданные ошибки по очереди.
func (e *Exchange) InjectError(op string, errs ...error) {
	e.mu.Lock()
	e.faults[op] = append(e.faults[op], errs...)
	e.mu.Unlock()
}

// Fill исполняет qty живого ордера по px (частично или полностью).
func (e *Exchange) Fill(clientID string, qty, px float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientID]
	if !ok || !o.Status.Live() {
		return false
	}
	e.fillLocked(o, qty, px)
	return true
}

// Drop убирает ордер с биржи без следа (ручная отмена в интерфейсе биржи).
func (e *Exchange) Drop(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[clientID]; ok && o.Status.Live() {
		o.Status = models.OrderCanceled
		o.UpdateMs = e.now().UnixMilli()
	}
}

// PlaceForeign: живой ордер, выставленный не ядром.
func (e *Exchange) PlaceForeign(req gateway.OrderRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	e.orders[req.ClientID] = &gateway.ExchangeOrder{
		Symbol:     req.Symbol,
		ClientID:   req.ClientID,
		ExchangeID: strconv.FormatInt(e.seq, 10),
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		Quantity:   req.Quantity,
		Status:     models.OrderNew,
		ReduceOnly: req.ReduceOnly,
		UpdateMs:   e.now().UnixMilli(),
	}
}

// Placed журнал всех принятых заявок.
func (e *Exchange) Placed() []gateway.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]gateway.OrderRequest(nil), e.placed...)
}

// Order снимок ордера по client id.
func (e *Exchange) Order(clientID string) (gateway.ExchangeOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientID]
	if !ok {
		return gateway.ExchangeOrder{}, false
	}
	return *o, true
}

// LiveCount число живых ордеров.
func (e *Exchange) LiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, o := range e.orders {
		if o.Status.Live() {
			n++
		}
	}
	return n
}

// ---------- gateway.Gateway ----------

func (e *Exchange) fault(op string) error {
	q := e.faults[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	e.faults[op] = q[1:]
	return err
}

func (e *Exchange) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault("place_order"); err != nil {
		return gateway.ExchangeOrder{}, err
	}
	if req.ClientID == "" {
		return gateway.ExchangeOrder{}, gateway.NewError("place_order", gateway.KindRejected, -1102, "client id required")
	}
	if o, ok := e.orders[req.ClientID]; ok && o.Status.Live() {
		return gateway.ExchangeOrder{}, gateway.NewError("place_order", gateway.KindDuplicate, -4116, "ClientOrderId is duplicated")
	}
	if req.Quantity <= 0 || (e.instrument.MinQty > 0 && req.Quantity+eps < e.instrument.MinQty) {
		return gateway.ExchangeOrder{}, gateway.NewError("place_order", gateway.KindRejected, -4003, "quantity less than min")
	}
	if req.ReduceOnly && !e.reducesLocked(req.Side) {
		return gateway.ExchangeOrder{}, gateway.NewError("place_order", gateway.KindRejected, -2022, "ReduceOnly Order is rejected")
	}

	e.seq++
	o := &gateway.ExchangeOrder{
		Symbol:     req.Symbol,
		ClientID:   req.ClientID,
		ExchangeID: strconv.FormatInt(e.seq, 10),
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		Quantity:   req.Quantity,
		Status:     models.OrderNew,
		ReduceOnly: req.ReduceOnly,
		UpdateMs:   e.now().UnixMilli(),
	}
	e.orders[req.ClientID] = o
	e.placed = append(e.placed, req)

	if req.Type == models.OrderMarket {
		px := e.quote.Ask
		if req.Side == models.Sell {
			px = e.quote.Bid
		}
		if px <= 0 {
			px = e.quote.Last
		}
		e.fillLocked(o, o.Quantity, px)
	} else {
		e.matchLocked()
	}
	return *o, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, clientID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault("cancel_order"); err != nil {
		return err
	}
	o, ok := e.orders[clientID]
	if !ok || !o.Status.Live() {
		return gateway.NewError("cancel_order", gateway.KindNotFound, -2011, "Unknown order sent")
	}
	o.Status = models.OrderCanceled
	o.UpdateMs = e.now().UnixMilli()
	return nil
}

func (e *Exchange) QueryOrder(ctx context.Context, symbol, clientID string) (gateway.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault("query_order"); err != nil {
		return gateway.ExchangeOrder{}, err
	}
	o, ok := e.orders[clientID]
	if !ok {
		return gateway.ExchangeOrder{}, gateway.NewError("query_order", gateway.KindNotFound, -2013, "Order does not exist")
	}
	return *o, nil
}

func (e *Exchange) OpenOrders(ctx context.Context, symbol string) ([]gateway.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault("open_orders"); err != nil {
		return nil, err
	}
	var out []gateway.ExchangeOrder
	for _, o := range e.orders {
		if o.Status.Live() && o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (e *Exchange) Position(ctx context.Context, symbol string) (gateway.PositionSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault("position"); err != nil {
		return gateway.PositionSnapshot{}, err
	}
	snap := gateway.PositionSnapshot{
		Symbol:    symbol,
		MarkPrice: e.quote.Last,
		Leverage:  e.leverage,
		UpdateMs:  e.now().UnixMilli(),
	}
	if math.Abs(e.pos) > eps {
		snap.Size = math.Abs(e.pos)
		snap.EntryPrice = e.entry
		snap.Side = models.SideLong
		if e.pos < 0 {
			snap.Side = models.SideShort
		}
	}
	return snap, nil
}

func (e *Exchange) Account(ctx context.Context) (gateway.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault("account"); err != nil {
		return gateway.Account{}, err
	}
	upl := 0.0
	if e.pos != 0 && e.quote.Last > 0 {
		upl = (e.quote.Last - e.entry) * e.pos
	}
	return gateway.Account{
		Equity:        e.equity + upl,
		Available:     e.equity,
		UnrealizedPnL: upl,
	}, nil
}

func (e *Exchange) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault("quote"); err != nil {
		return models.Quote{}, err
	}
	q := e.quote
	q.Symbol = symbol
	return q, nil
}

func (e *Exchange) Instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault("instrument"); err != nil {
		return models.Instrument{}, err
	}
	inst := e.instrument
	inst.Symbol = symbol
	return inst, nil
}

func (e *Exchange) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault("candles"); err != nil {
		return nil, err
	}
	c := e.candles
	if limit > 0 && len(c) > limit {
		c = c[len(c)-limit:]
	}
	return append([]models.Candle(nil), c...), nil
}

// ---------- матчинг ----------

func (e *Exchange) reducesLocked(side models.OrderSide) bool {
	if side == models.Sell {
		return e.pos > eps
	}
	return e.pos < -eps
}

func (e *Exchange) matchLocked() {
	q := e.quote
	if q.Last <= 0 {
		return
	}
	for _, o := range e.orders {
		if !o.Status.Live() {
			continue
		}
		switch o.Type {
		case models.OrderLimit:
			if o.Side == models.Buy && q.Ask > 0 && q.Ask <= o.Price {
				e.fillLocked(o, o.Quantity-o.ExecutedQty, o.Price)
			}
			if o.Side == models.Sell && q.Bid > 0 && q.Bid >= o.Price {
				e.fillLocked(o, o.Quantity-o.ExecutedQty, o.Price)
			}
		case models.OrderStopMarket:
			// SELL-стоп защищает long: срабатывает при падении
			if (o.Side == models.Sell && q.Last <= o.StopPrice) || (o.Side == models.Buy && q.Last >= o.StopPrice) {
				e.fillLocked(o, o.Quantity-o.ExecutedQty, q.Last)
			}
		case models.OrderTakeProfit:
			if (o.Side == models.Sell && q.Last >= o.StopPrice) || (o.Side == models.Buy && q.Last <= o.StopPrice) {
				e.fillLocked(o, o.Quantity-o.ExecutedQty, q.Last)
			}
		}
	}
}

func (e *Exchange) fillLocked(o *gateway.ExchangeOrder, qty, px float64) {
	if rem := o.Quantity - o.ExecutedQty; qty > rem {
		qty = rem
	}
	sign := 1.0
	if o.Side == models.Sell {
		sign = -1
	}
	if o.ReduceOnly {
		avail := math.Abs(e.pos)
		if !e.reducesLocked(o.Side) {
			avail = 0
		}
		if qty > avail {
			qty = avail
		}
		if qty <= eps {
			// reduce-only без позиции биржа снимает
			o.Status = models.OrderCanceled
			o.UpdateMs = e.now().UnixMilli()
			return
		}
	}
	if qty <= 0 {
		return
	}

	e.applyLocked(sign*qty, px)

	total := o.AvgPrice*o.ExecutedQty + px*qty
	o.ExecutedQty += qty
	o.AvgPrice = total / o.ExecutedQty
	o.Status = models.OrderPartiallyFilled
	if o.Quantity-o.ExecutedQty <= eps {
		o.Status = models.OrderFilled
	}
	o.UpdateMs = e.now().UnixMilli()
}

// applyLocked меняет знаковую позицию на delta по цене px и реализует PnL.
func (e *Exchange) applyLocked(delta, px float64) {
	switch {
	case e.pos == 0 || (e.pos > 0) == (delta > 0):
		total := math.Abs(e.pos) + math.Abs(delta)
		e.entry = (e.entry*math.Abs(e.pos) + px*math.Abs(delta)) / total
		e.pos += delta
	default:
		closed := math.Min(math.Abs(delta), math.Abs(e.pos))
		dir := 1.0
		if e.pos < 0 {
			dir = -1
		}
		e.equity += (px - e.entry) * closed * dir
		e.pos += delta
		if math.Abs(e.pos) <= eps {
			e.pos = 0
			e.entry = 0
		} else if (e.pos > 0) != (dir > 0) {
			// переворот
			e.entry = px
		}
	}
}
