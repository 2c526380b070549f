package decision

import (
	"context"
	"errors"
	"sync"
	"time"

	"liq_engine/internal/models"

	"go.uber.org/zap"
)

// Snapshot: неизменяемое значение, которое цикл получает на итерацию.
type Snapshot struct {
	Decision  models.Decision
	Version   uint64
	FetchedAt time.Time
	// Present=false: решений ещё не было.
	Present bool
	// Err: ошибка валидации: решение трактуется как flat.
	Err error
}

// Stale: решение старше maxAge по часам ядра.
func (s Snapshot) Stale(now time.Time, maxAge time.Duration) bool {
	if !s.Present {
		return true
	}
	return s.Decision.Age(now) > maxAge
}

// Actionable: решение можно исполнять: есть, валидно, не flat.
func (s Snapshot) Actionable() bool {
	return s.Present && s.Err == nil && s.Decision.Action != models.ActionFlat
}

// Cache держит последнюю прочитанную версию. Refresh не ждёт свежее решение:
// при ошибке источника остаётся прежний снимок.
type Cache struct {
	src     Source
	symbol  string
	timeout time.Duration
	log     *zap.Logger

	mu   sync.RWMutex
	snap Snapshot
}

func NewCache(src Source, symbol string, timeout time.Duration, log *zap.Logger) *Cache {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Cache{src: src, symbol: symbol, timeout: timeout, log: log.Named("decision")}
}

// Refresh читает источник и возвращает текущий снимок.
// Версия растёт только когда меняется id или время выпуска решения.
func (c *Cache) Refresh(ctx context.Context, now time.Time) Snapshot {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	d, err := c.src.Latest(rctx, c.symbol)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warn("decision refresh failed, keeping cached", zap.Error(err))
		}
		return c.Current()
	}
	d.Normalize()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.Present && c.snap.Decision.ID == d.ID && c.snap.Decision.IssuedAt.Equal(d.IssuedAt) {
		return c.snap
	}
	c.snap = Snapshot{
		Decision:  d,
		Version:   c.snap.Version + 1,
		FetchedAt: now,
		Present:   true,
		Err:       d.Validate(),
	}
	if c.snap.Err != nil {
		c.log.Warn("invalid decision treated as flat", zap.String("id", d.ID), zap.Error(c.snap.Err))
	}
	return c.snap
}

func (c *Cache) Current() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// ByID возвращает закэшированное решение, если его id совпадает.
func (c *Cache) ByID(id string) (models.Decision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap.Present && c.snap.Decision.ID == id {
		return c.snap.Decision, true
	}
	return models.Decision{}, false
}
