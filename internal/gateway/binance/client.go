// Package binance: REST-клиент Binance USDT-M фьючерсов, реализующий gateway.Gateway.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"liq_engine/internal/gateway"

	"github.com/bytedance/sonic"
)

const defaultBaseURL = "https://fapi.binance.com"

type Config struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"-"`
	APISecret  string        `yaml:"-"`
	RecvWindow time.Duration `yaml:"recv_window"`
	Timeout    time.Duration `yaml:"timeout"`
}

type Client struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	apiSecret string
	recvMs    int64
	now       func() time.Time
}

var (
	_ gateway.Gateway      = (*Client)(nil)
	_ gateway.CandleSource = (*Client)(nil)
)

func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	recv := cfg.RecvWindow
	if recv <= 0 {
		recv = 5 * time.Second
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		baseURL:   base,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		recvMs:    recv.Milliseconds(),
		now:       time.Now,
	}
}

func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// do выполняет запрос и декодирует ответ в out. signed: добавить timestamp/подпись.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, signed bool, out any) error {
	if params == nil {
		params = url.Values{}
	}
	query := params.Encode()
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.recvMs, 10))
		query = params.Encode()
		query += "&signature=" + c.sign(query)
	}

	u := c.baseURL + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return &gateway.Error{Op: op, Kind: gateway.KindHard, Msg: "new request", Err: err}
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &gateway.Error{Op: op, Kind: gateway.KindSoft, Msg: "do", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &gateway.Error{Op: op, Kind: gateway.KindSoft, Msg: "read body", Err: err}
	}

	if resp.StatusCode/100 != 2 {
		return classify(op, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return &gateway.Error{Op: op, Kind: gateway.KindHard, Msg: "decode: " + truncate(string(data)), Err: err}
	}
	return nil
}

func truncate(s string) string {
	const max = 256
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
