package store

import (
	"context"

	"liq_engine/internal/models"
)

// Journal: внешнее хранилище write-through снимков. Ядро только пишет в него
// и читает один раз при старте.
type Journal interface {
	SavePosition(ctx context.Context, p models.Position) error
	SaveOrder(ctx context.Context, o models.Order) error
	SaveReconciliation(ctx context.Context, r models.ReconciliationReport) error
	SaveEvent(ctx context.Context, e models.Event) error
	SaveSafety(ctx context.Context, symbol string, s models.SafetyState) error
	Load(ctx context.Context, symbol string) (Snapshot, error)
}

// Snapshot: состояние, восстановленное из журнала.
type Snapshot struct {
	Position *models.Position
	// последний ордер по каждой роли
	Orders []models.Order
	Safety models.SafetyState
}

// LatestByRole оставляет по одному (самому свежему) ордеру на роль.
func LatestByRole(orders []models.Order) []models.Order {
	idx := make(map[models.Role]int, len(models.Roles))
	out := make([]models.Order, 0, len(models.Roles))
	for _, o := range orders {
		if !o.Role.Valid() {
			continue
		}
		i, ok := idx[o.Role]
		if !ok {
			idx[o.Role] = len(out)
			out = append(out, o)
			continue
		}
		if !o.UpdatedAt.Before(out[i].UpdatedAt) {
			out[i] = o
		}
	}
	return out
}
