package binance

import (
	"net/http"

	"liq_engine/internal/gateway"

	"github.com/bytedance/sonic"
)

// apiError: тело ошибки Binance: {"code":-2011,"msg":"Unknown order sent."}
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify переводит HTTP-статус и код Binance в gateway.Kind.
func classify(op string, status int, body []byte) error {
	var ae apiError
	_ = sonic.Unmarshal(body, &ae)
	msg := ae.Msg
	if msg == "" {
		msg = truncate(string(body))
	}

	kind := kindForCode(ae.Code)
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		kind = gateway.KindSoft
	case status >= 500:
		kind = gateway.KindSoft
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = gateway.KindHard
	}
	return &gateway.Error{Op: op, Kind: kind, Code: ae.Code, Msg: msg}
}

func kindForCode(code int) gateway.Kind {
	switch code {
	case -1000, -1001, -1003, -1006, -1007, -1008, -1021:
		// неизвестная/таймаут/лимиты/рассинхрон времени
		return gateway.KindSoft
	case -1002, -1022, -2014, -2015:
		// ключи и подпись
		return gateway.KindHard
	case -4116, -4015:
		return gateway.KindDuplicate
	case -2011, -2013:
		return gateway.KindNotFound
	case 0:
		return gateway.KindHard
	}
	return gateway.KindRejected
}
