package models

import "time"

type Role string

const (
	RoleEntry Role = "entry"
	RoleSL    Role = "sl"
	RoleTP1   Role = "tp1"
	RoleTP2   Role = "tp2"
)

var Roles = []Role{RoleEntry, RoleSL, RoleTP1, RoleTP2}

// ProtectiveRoles: роли, которые защищают открытую позицию.
var ProtectiveRoles = []Role{RoleSL, RoleTP1, RoleTP2}

func (r Role) Valid() bool {
	switch r {
	case RoleEntry, RoleSL, RoleTP1, RoleTP2:
		return true
	}
	return false
}

func (r Role) Protective() bool {
	return r == RoleSL || r == RoleTP1 || r == RoleTP2
}

type OrderType string

const (
	OrderLimit      OrderType = "LIMIT"
	OrderMarket     OrderType = "MARKET"
	OrderStopMarket OrderType = "STOP_MARKET"
	OrderTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Live: ордер ещё может исполниться.
func (s OrderStatus) Live() bool {
	return s == OrderNew || s == OrderPartiallyFilled
}

// Order: локальная запись ордера ядра.
type Order struct {
	Symbol      string      `json:"symbol"`
	Role        Role        `json:"role"`
	ClientID    string      `json:"client_id"`
	ExchangeID  string      `json:"exchange_id,omitempty"`
	DecisionID  string      `json:"decision_id"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"type"`
	Price       float64     `json:"price"`
	StopPrice   float64     `json:"stop_price"`
	Quantity    float64     `json:"quantity"`
	ExecutedQty float64     `json:"executed_qty"`
	AvgPrice    float64     `json:"avg_price"`
	Status      OrderStatus `json:"status"`
	ReduceOnly  bool        `json:"reduce_only"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (o Order) Live() bool { return o.Status.Live() }

// Remaining неисполненный остаток.
func (o Order) Remaining() float64 {
	r := o.Quantity - o.ExecutedQty
	if r < 0 {
		return 0
	}
	return r
}

// TriggerPrice цена, по которой ордер сработает (limit или stop).
func (o Order) TriggerPrice() float64 {
	if o.StopPrice > 0 {
		return o.StopPrice
	}
	return o.Price
}
