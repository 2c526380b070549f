// Package store держит в памяти позицию и ордера по ролям для одного символа
// и зеркалирует каждое изменение в Journal.
package store

import (
	"context"
	"sync"
	"time"

	"liq_engine/internal/models"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Store: единственный владелец позиции и ордеров.
// mu защищает только данные и никогда не держится во время сетевых вызовов.
type Store struct {
	symbol  string
	journal Journal
	log     *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	pos    models.Position
	orders map[models.Role]models.Order

	// jmu сохраняет порядок записей в журнал
	jmu sync.Mutex
}

func New(symbol string, journal Journal, log *zap.Logger) *Store {
	if journal == nil {
		journal = NewMemory()
	}
	return &Store{
		symbol:  symbol,
		journal: journal,
		log:     log.Named("store"),
		now:     time.Now,
		pos:     models.Position{Symbol: symbol, Status: models.PositionNone},
		orders:  make(map[models.Role]models.Order, len(models.Roles)),
	}
}

// WithClock подменяет часы (тесты).
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Symbol() string { return s.symbol }

func (s *Store) Journal() Journal { return s.journal }

// Restore поднимает последнее записанное состояние. Вызывается до первой сверки.
func (s *Store) Restore(ctx context.Context) (models.SafetyState, error) {
	snap, err := s.journal.Load(ctx, s.symbol)
	if err != nil {
		return models.SafetyState{}, errors.Wrap(err, "journal load")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Position != nil {
		s.pos = *snap.Position
	}
	s.orders = make(map[models.Role]models.Order, len(models.Roles))
	for _, o := range snap.Orders {
		s.orders[o.Role] = o
	}
	s.log.Info("state restored",
		zap.String("status", string(s.pos.Status)),
		zap.Float64("size", s.pos.Size),
		zap.Int("orders", len(s.orders)),
	)
	return snap.Safety, nil
}

// Position копия текущей позиции.
func (s *Store) Position() models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Order последний ордер роли (живой или завершённый).
func (s *Store) Order(role models.Role) (models.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[role]
	return o, ok
}

// LiveOrder ордер роли, если он ещё живой.
func (s *Store) LiveOrder(role models.Role) (models.Order, bool) {
	o, ok := s.Order(role)
	if !ok || !o.Live() {
		return models.Order{}, false
	}
	return o, true
}

// LiveOrders все живые ордера в порядке ролей.
func (s *Store) LiveOrders() []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Order, 0, len(s.orders))
	for _, r := range models.Roles {
		if o, ok := s.orders[r]; ok && o.Live() {
			out = append(out, o)
		}
	}
	return out
}

// UpdatePosition применяет fn под мьютексом и пишет результат в журнал.
func (s *Store) UpdatePosition(ctx context.Context, fn func(p *models.Position)) (models.Position, error) {
	s.mu.Lock()
	fn(&s.pos)
	s.pos.Symbol = s.symbol
	s.pos.UpdatedAt = s.now()
	p := s.pos
	s.mu.Unlock()

	return p, s.persist(ctx, func() error { return s.journal.SavePosition(ctx, p) })
}

// PutOrder заменяет запись роли.
func (s *Store) PutOrder(ctx context.Context, o models.Order) (models.Order, error) {
	if !o.Role.Valid() {
		return o, errors.Errorf("put order: invalid role %q", o.Role)
	}
	s.mu.Lock()
	o.Symbol = s.symbol
	o.UpdatedAt = s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = o.UpdatedAt
	}
	s.orders[o.Role] = o
	s.mu.Unlock()

	return o, s.persist(ctx, func() error { return s.journal.SaveOrder(ctx, o) })
}

// UpdateOrder меняет запись роли, если её client id совпадает.
func (s *Store) UpdateOrder(ctx context.Context, role models.Role, clientID string, fn func(o *models.Order)) (models.Order, bool, error) {
	s.mu.Lock()
	o, ok := s.orders[role]
	if !ok || o.ClientID != clientID {
		s.mu.Unlock()
		return models.Order{}, false, nil
	}
	fn(&o)
	o.UpdatedAt = s.now()
	s.orders[role] = o
	s.mu.Unlock()

	return o, true, s.persist(ctx, func() error { return s.journal.SaveOrder(ctx, o) })
}

// Transition атомарно меняет позицию и несколько ордеров, затем пишет всё в журнал.
func (s *Store) Transition(ctx context.Context, fn func(p *models.Position, orders map[models.Role]models.Order)) (models.Position, error) {
	s.mu.Lock()
	before := make(map[models.Role]models.Order, len(s.orders))
	for r, o := range s.orders {
		before[r] = o
	}
	fn(&s.pos, s.orders)
	now := s.now()
	s.pos.Symbol = s.symbol
	s.pos.UpdatedAt = now
	p := s.pos
	var changed []models.Order
	for r, o := range s.orders {
		if old, ok := before[r]; ok && old == o {
			continue
		}
		o.Symbol = s.symbol
		o.UpdatedAt = now
		s.orders[r] = o
		changed = append(changed, o)
	}
	s.mu.Unlock()

	return p, s.persist(ctx, func() error {
		var err error
		err = multierr.Append(err, s.journal.SavePosition(ctx, p))
		for _, o := range changed {
			err = multierr.Append(err, s.journal.SaveOrder(ctx, o))
		}
		return err
	})
}

// SaveReconciliation и SaveEvent: сквозная запись без локального состояния.
func (s *Store) SaveReconciliation(ctx context.Context, r models.ReconciliationReport) error {
	return s.persist(ctx, func() error { return s.journal.SaveReconciliation(ctx, r) })
}

func (s *Store) SaveSafety(ctx context.Context, st models.SafetyState) error {
	return s.persist(ctx, func() error { return s.journal.SaveSafety(ctx, s.symbol, st) })
}

func (s *Store) persist(ctx context.Context, fn func() error) error {
	s.jmu.Lock()
	defer s.jmu.Unlock()
	if err := fn(); err != nil {
		s.log.Error("journal write failed", zap.Error(err))
		return errors.Wrap(err, "journal")
	}
	return nil
}
