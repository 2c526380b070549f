package marketdata

import (
	"context"
	"time"

	"liq_engine/internal/models"
)

// QuoteSource: REST-котировка (обычно gateway.Gateway).
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (models.Quote, error)
}

// Quoter берёт котировку из потока, пока она свежая, иначе идёт в REST.
type Quoter struct {
	rest   QuoteSource
	feed   *Feed
	maxAge time.Duration
	now    func() time.Time
}

func NewQuoter(rest QuoteSource, feed *Feed, maxAge time.Duration) *Quoter {
	if maxAge <= 0 {
		maxAge = 3 * time.Second
	}
	return &Quoter{rest: rest, feed: feed, maxAge: maxAge, now: time.Now}
}

func (q *Quoter) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	if q.feed != nil {
		if qt, ok := q.feed.Latest(q.now(), q.maxAge); ok {
			return qt, nil
		}
	}
	return q.rest.Quote(ctx, symbol)
}
