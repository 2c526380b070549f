package marketdata

import "strings"

var klineIntervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// NormInterval приводит таймфрейм к виду klines Binance ("candle15m", "60m" -> "15m", "1h").
func NormInterval(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "1M" {
		return s, true
	}
	s = strings.TrimPrefix(strings.ToLower(s), "candle")
	switch s {
	case "60m":
		s = "1h"
	case "120m":
		s = "2h"
	case "240m":
		s = "4h"
	case "24h":
		s = "1d"
	}
	return s, klineIntervals[s]
}
