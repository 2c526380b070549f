package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"liq_engine/internal/models"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestVolatilityWindow(t *testing.T) {
	t0 := time.Unix(1000, 0)
	v := NewVolatility(time.Minute)

	assert.False(t, v.Stable(t0, time.Minute, 0.01), "no samples")

	v.Observe(t0, 100)
	v.Observe(t0.Add(10*time.Second), 100.2)
	r, ok := v.RangePct(t0.Add(10*time.Second), time.Minute)
	require.True(t, ok)
	assert.InDelta(t, 0.002, r, 1e-9)
	assert.True(t, v.Stable(t0.Add(10*time.Second), time.Minute, 0.003))
	assert.False(t, v.Stable(t0.Add(10*time.Second), time.Minute, 0.001))

	// старые выборки выпадают из окна
	v.Observe(t0.Add(2*time.Minute), 100.2)
	v.Observe(t0.Add(2*time.Minute+time.Second), 100.2)
	assert.True(t, v.Stable(t0.Add(2*time.Minute+time.Second), time.Minute, 0))
}

type restStub struct{ q models.Quote }

func (r restStub) Quote(context.Context, string) (models.Quote, error) { return r.q, nil }

func TestQuoterPrefersFreshFeed(t *testing.T) {
	now := time.Unix(5000, 0)
	feed := NewFeed("", "BTCUSDT", zap.NewNop())
	q := NewQuoter(restStub{q: models.Quote{Bid: 1, Ask: 2}}, feed, 2*time.Second)
	q.now = func() time.Time { return now }

	got, err := q.Quote(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Bid, "empty feed falls back to REST")

	feed.Set(models.Quote{Bid: 10, Ask: 11, Last: 10.5}, now.Add(-time.Second))
	got, _ = q.Quote(context.Background(), "BTCUSDT")
	assert.Equal(t, 10.0, got.Bid)

	now = now.Add(5 * time.Second)
	got, _ = q.Quote(context.Background(), "BTCUSDT")
	assert.Equal(t, 1.0, got.Bid, "stale feed falls back to REST")
}

func TestFeedReadsBookTicker(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/btcusdt@bookTicker"))
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"e":"bookTicker","s":"BTCUSDT","b":"90800.1","B":"31.21","a":"90800.3","A":"40.66","T":1}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	feed := NewFeed("ws"+strings.TrimPrefix(srv.URL, "http"), "BTCUSDT", zap.NewNop())
	connected := make(chan bool, 4)
	feed.OnConnected = func(v bool) { connected <- v }

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go feed.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := feed.Latest(time.Now(), time.Second)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	q, _ := feed.Latest(time.Now(), time.Second)
	assert.Equal(t, 90800.1, q.Bid)
	assert.Equal(t, 90800.3, q.Ask)
	assert.True(t, <-connected)
}

func TestBookTickerQtyDoesNotShadowPrices(t *testing.T) {
	var bt bookTicker
	frame := `{"s":"BTCUSDT","b":"90800.1","B":"31.21","a":"90800.3","A":"40.66"}`
	require.NoError(t, sonic.Unmarshal([]byte(frame), &bt))

	assert.Equal(t, "90800.1", bt.Bid)
	assert.Equal(t, "90800.3", bt.Ask)
	assert.Equal(t, "31.21", bt.BidQty)
	assert.Equal(t, "40.66", bt.AskQty)
}

func TestNormInterval(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"15m", "15m", true},
		{"candle15m", "15m", true},
		{" 60m ", "1h", true},
		{"1H", "1h", true},
		{"240m", "4h", true},
		{"1M", "1M", true},
		{"10m", "10m", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormInterval(tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
	}
}
