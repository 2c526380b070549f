package service

import (
	"sync/atomic"
	"time"
)

// State: что видно снаружи о процессе: готовность цикла и свежесть котировок.
type State struct {
	startedAt time.Time
	maxAge    time.Duration

	ready         atomic.Bool
	feedConnected atomic.Bool
	lastQuoteNano atomic.Int64
}

// NewState; maxAge <= 0 отключает проверку свежести котировок.
func NewState(maxAge time.Duration) *State {
	return &State{startedAt: time.Now(), maxAge: maxAge}
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

func (s *State) SetFeedConnected(v bool) { s.feedConnected.Store(v) }
func (s *State) FeedConnected() bool     { return s.feedConnected.Load() }

func (s *State) TouchQuote(t time.Time) { s.lastQuoteNano.Store(t.UnixNano()) }

func (s *State) LastQuote() time.Time {
	n := s.lastQuoteNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// QuoteStale: котировок не было дольше maxAge. До первой котировки тоже stale.
func (s *State) QuoteStale(now time.Time) bool {
	if s.maxAge <= 0 {
		return false
	}
	last := s.LastQuote()
	return last.IsZero() || now.Sub(last) > s.maxAge
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
