package marketdata

import (
	"sync"
	"time"
)

type sample struct {
	at time.Time
	px float64
}

// Volatility: скользящее окно mid-цен для проверки «рынок спокоен» перед chase.
type Volatility struct {
	mu      sync.Mutex
	keep    time.Duration
	samples []sample
}

func NewVolatility(keep time.Duration) *Volatility {
	if keep <= 0 {
		keep = 5 * time.Minute
	}
	return &Volatility{keep: keep}
}

func (v *Volatility) Observe(at time.Time, px float64) {
	if px <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.samples = append(v.samples, sample{at: at, px: px})
	cut := 0
	for cut < len(v.samples) && at.Sub(v.samples[cut].at) > v.keep {
		cut++
	}
	if cut > 0 {
		v.samples = append(v.samples[:0], v.samples[cut:]...)
	}
}

// RangePct (max-min)/min по выборкам за window. ok=false, если выборок меньше двух.
func (v *Volatility) RangePct(now time.Time, window time.Duration) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var lo, hi float64
	n := 0
	for _, s := range v.samples {
		if now.Sub(s.at) > window {
			continue
		}
		if n == 0 || s.px < lo {
			lo = s.px
		}
		if n == 0 || s.px > hi {
			hi = s.px
		}
		n++
	}
	if n < 2 || lo <= 0 {
		return 0, false
	}
	return (hi - lo) / lo, true
}

// Stable: диапазон за окно не больше maxPct. Без данных рынок не считается спокойным.
func (v *Volatility) Stable(now time.Time, window time.Duration, maxPct float64) bool {
	r, ok := v.RangePct(now, window)
	return ok && r <= maxPct
}
