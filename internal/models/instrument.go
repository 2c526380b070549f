package models

// Instrument: торговые шаги инструмента.
type Instrument struct {
	Symbol   string  `json:"symbol" yaml:"symbol"`
	TickSize float64 `json:"tick_size" yaml:"tick_size"`
	LotSize  float64 `json:"lot_size" yaml:"lot_size"`
	MinQty   float64 `json:"min_qty" yaml:"min_qty"`
}

// LiqZone: кластер ликвидаций, на который ссылается решение (liq_tp_zone_id).
type LiqZone struct {
	ID       string  `json:"id"`
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Strength int     `json:"strength"`
}

// Candle минимальная свеча для расчёта структуры.
type Candle struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
}

// Quote лучшая цена стакана.
type Quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	TimeMs int64   `json:"time_ms"`
}

func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// SpreadPct спред в долях от mid.
func (q Quote) SpreadPct() float64 {
	m := q.Mid()
	if m <= 0 || q.Bid <= 0 || q.Ask <= 0 {
		return 1
	}
	return (q.Ask - q.Bid) / m
}

func (q Quote) Valid() bool {
	return q.Mid() > 0
}
