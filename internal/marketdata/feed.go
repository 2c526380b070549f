// Package marketdata: котировки и волатильность для цикла исполнения.
package marketdata

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"liq_engine/internal/models"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultStreamURL = "wss://fstream.binance.com/ws"

// Feed держит последнюю котировку из потока bookTicker. Переподключается сам.
type Feed struct {
	url    string
	symbol string
	dialer *websocket.Dialer
	log    *zap.Logger

	// OnConnected вызывается при смене состояния соединения (health).
	OnConnected func(bool)
	// OnQuote вызывается на каждую принятую котировку (бумажная биржа).
	OnQuote func(models.Quote)

	mu      sync.RWMutex
	quote   models.Quote
	updated time.Time
}

func NewFeed(baseURL, symbol string, log *zap.Logger) *Feed {
	if baseURL == "" {
		baseURL = defaultStreamURL
	}
	return &Feed{
		url:    strings.TrimRight(baseURL, "/") + "/" + strings.ToLower(symbol) + "@bookTicker",
		symbol: symbol,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log.Named("feed"),
	}
}

// bookTicker: кадр потока <symbol>@bookTicker.
// Объёмы B/A объявлены отдельно, иначе регистронезависимый декодер кладёт их в b/a.
type bookTicker struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	BidQty string `json:"B"`
	Ask    string `json:"a"`
	AskQty string `json:"A"`
	TimeMs int64  `json:"T"`
}

// Run читает поток до отмены ctx.
func (f *Feed) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.log.Warn("dial failed", zap.String("url", f.url), zap.Error(err))
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		f.setConnected(true)
		f.log.Info("connected", zap.String("url", f.url))

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-done:
			}
		}()

		f.readLoop(conn)
		close(done)
		_ = conn.Close()
		f.setConnected(false)

		if !sleep(ctx, time.Second) {
			return
		}
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			f.log.Warn("read failed", zap.Error(err))
			return
		}
		var bt bookTicker
		if err := sonic.Unmarshal(msg, &bt); err != nil {
			continue
		}
		if !strings.EqualFold(bt.Symbol, f.symbol) {
			continue
		}
		bid, err1 := strconv.ParseFloat(bt.Bid, 64)
		ask, err2 := strconv.ParseFloat(bt.Ask, 64)
		if err1 != nil || err2 != nil || bid <= 0 || ask <= 0 {
			continue
		}
		f.Set(models.Quote{Symbol: f.symbol, Bid: bid, Ask: ask, Last: (bid + ask) / 2, TimeMs: bt.TimeMs}, time.Now())
	}
}

func (f *Feed) setConnected(v bool) {
	if f.OnConnected != nil {
		f.OnConnected(v)
	}
}

// Set обновляет котировку (поток или тест).
func (f *Feed) Set(q models.Quote, at time.Time) {
	f.mu.Lock()
	f.quote = q
	f.updated = at
	f.mu.Unlock()
	if f.OnQuote != nil {
		f.OnQuote(q)
	}
}

// Latest последняя котировка, если она не старше maxAge.
func (f *Feed) Latest(now time.Time, maxAge time.Duration) (models.Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.updated.IsZero() || now.Sub(f.updated) > maxAge || !f.quote.Valid() {
		return models.Quote{}, false
	}
	return f.quote, true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
