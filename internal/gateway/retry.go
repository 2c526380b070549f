package gateway

import (
	"context"
	"time"

	"liq_engine/internal/metrics"
	"liq_engine/internal/models"
	"liq_engine/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryPolicy: единая политика ретраев на границе шлюза.
type RetryPolicy struct {
	Attempts    int           `yaml:"attempts"`
	Timeout     time.Duration `yaml:"timeout"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	RatePerSec  float64       `yaml:"rate_per_sec"`
	Burst       int           `yaml:"burst"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:    3,
		Timeout:     5 * time.Second,
		BackoffBase: time.Second,
		BackoffMax:  8 * time.Second,
		RatePerSec:  10,
		Burst:       20,
	}
}

// Backoff задержка перед попыткой attempt (с 1): base, 2*base, 4*base ... не больше max.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	return d
}

// Retrying: декоратор Gateway: таймаут на попытку, ретраи soft-ошибок с
// экспоненциальным бэкоффом, общий rate limit и span на каждый вызов.
type Retrying struct {
	next    Gateway
	policy  RetryPolicy
	limiter *rate.Limiter
	log     *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ Gateway = (*Retrying)(nil)

func NewRetrying(next Gateway, policy RetryPolicy, log *zap.Logger) *Retrying {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if policy.RatePerSec > 0 {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(policy.RatePerSec), burst)
	}
	return &Retrying{
		next:    next,
		policy:  policy,
		limiter: lim,
		log:     log.Named("gateway"),
		sleep:   sleepCtx,
	}
}

// WithSleep подменяет ожидание между попытками (для тестов).
func (r *Retrying) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Retrying {
	r.sleep = fn
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func do[T any](ctx context.Context, r *Retrying, op string, fn func(ctx context.Context) (T, error)) (out T, err error) {
	span, ctx := tracing.StartSpan(ctx, "gateway."+op)
	defer func() { tracing.Finish(span, err) }()

	for attempt := 1; ; attempt++ {
		if err = r.limiter.Wait(ctx); err != nil {
			return out, &Error{Op: op, Kind: KindSoft, Msg: "rate limiter", Err: err}
		}

		callCtx := ctx
		var cancel context.CancelFunc = func() {}
		if r.policy.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		}
		out, err = fn(callCtx)
		cancel()

		if err == nil {
			return out, nil
		}
		kind := KindOf(err)
		metrics.GatewayErrors.WithLabelValues(op, string(kind)).Inc()
		if kind != KindSoft {
			return out, err
		}
		if attempt >= r.policy.Attempts {
			return out, &ErrExhausted{Op: op, Attempts: attempt, Last: err}
		}

		wait := r.policy.Backoff(attempt)
		r.log.Warn("gateway call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if serr := r.sleep(ctx, wait); serr != nil {
			return out, &ErrExhausted{Op: op, Attempts: attempt, Last: err}
		}
	}
}

func (r *Retrying) PlaceOrder(ctx context.Context, req OrderRequest) (ExchangeOrder, error) {
	return do(ctx, r, "place_order", func(ctx context.Context) (ExchangeOrder, error) {
		return r.next.PlaceOrder(ctx, req)
	})
}

func (r *Retrying) CancelOrder(ctx context.Context, symbol, clientID string) error {
	_, err := do(ctx, r, "cancel_order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.CancelOrder(ctx, symbol, clientID)
	})
	return err
}

func (r *Retrying) QueryOrder(ctx context.Context, symbol, clientID string) (ExchangeOrder, error) {
	return do(ctx, r, "query_order", func(ctx context.Context) (ExchangeOrder, error) {
		return r.next.QueryOrder(ctx, symbol, clientID)
	})
}

func (r *Retrying) OpenOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error) {
	return do(ctx, r, "open_orders", func(ctx context.Context) ([]ExchangeOrder, error) {
		return r.next.OpenOrders(ctx, symbol)
	})
}

func (r *Retrying) Position(ctx context.Context, symbol string) (PositionSnapshot, error) {
	return do(ctx, r, "position", func(ctx context.Context) (PositionSnapshot, error) {
		return r.next.Position(ctx, symbol)
	})
}

func (r *Retrying) Account(ctx context.Context) (Account, error) {
	return do(ctx, r, "account", func(ctx context.Context) (Account, error) {
		return r.next.Account(ctx)
	})
}

func (r *Retrying) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	return do(ctx, r, "quote", func(ctx context.Context) (models.Quote, error) {
		return r.next.Quote(ctx, symbol)
	})
}

func (r *Retrying) Instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	return do(ctx, r, "instrument", func(ctx context.Context) (models.Instrument, error) {
		return r.next.Instrument(ctx, symbol)
	})
}
