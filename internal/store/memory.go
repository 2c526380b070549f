package store

import (
	"context"
	"sync"

	"liq_engine/internal/models"
)

// Memory: журнал в памяти (dry-run и тесты). Переживает «рестарт» Store,
// если тот же экземпляр передать новому Store.
type Memory struct {
	mu        sync.Mutex
	positions map[string]models.Position
	orders    map[string]models.Order
	reports   []models.ReconciliationReport
	events    []models.Event
	safety    map[string]models.SafetyState
}

var _ Journal = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		positions: make(map[string]models.Position),
		orders:    make(map[string]models.Order),
		safety:    make(map[string]models.SafetyState),
	}
}

func (m *Memory) SavePosition(_ context.Context, p models.Position) error {
	m.mu.Lock()
	m.positions[p.Symbol] = p
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveOrder(_ context.Context, o models.Order) error {
	m.mu.Lock()
	m.orders[o.ClientID] = o
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveReconciliation(_ context.Context, r models.ReconciliationReport) error {
	m.mu.Lock()
	m.reports = append(m.reports, r)
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveEvent(_ context.Context, e models.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveSafety(_ context.Context, symbol string, s models.SafetyState) error {
	m.mu.Lock()
	m.safety[symbol] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context, symbol string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var snap Snapshot
	if p, ok := m.positions[symbol]; ok {
		snap.Position = &p
	}
	var orders []models.Order
	for _, o := range m.orders {
		if o.Symbol == symbol {
			orders = append(orders, o)
		}
	}
	snap.Orders = LatestByRole(orders)
	snap.Safety = m.safety[symbol]
	return snap, nil
}

func (m *Memory) Reports() []models.ReconciliationReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ReconciliationReport(nil), m.reports...)
}

func (m *Memory) Events() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Event(nil), m.events...)
}
