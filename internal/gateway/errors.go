package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind: класс ошибки шлюза.
type Kind string

const (
	// KindSoft: временная: сеть, таймаут, rate limit, 5xx. Ретраится.
	KindSoft Kind = "soft"
	// KindHard: фатальная: авторизация, непонятный ответ. Включает SAFE_MODE.
	KindHard Kind = "hard"
	// KindDuplicate: client id уже занят живым ордером.
	KindDuplicate Kind = "duplicate"
	// KindNotFound: ордера нет (уже исполнен или отменён).
	KindNotFound Kind = "not_found"
	// KindRejected: биржа отклонила заявку по бизнес-причине (цена, объём).
	KindRejected Kind = "rejected"
)

type Error struct {
	Op   string
	Kind Kind
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Code != 0 {
		s += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Msg != "" {
		s += " " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(op string, kind Kind, code int, msg string) *Error {
	return &Error{Op: op, Kind: kind, Code: code, Msg: msg}
}

// KindOf классифицирует произвольную ошибку. Неизвестные сетевые ошибки: soft.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindSoft
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindSoft
	}
	return KindSoft
}

func IsSoft(err error) bool      { return KindOf(err) == KindSoft }
func IsHard(err error) bool      { return KindOf(err) == KindHard }
func IsDuplicate(err error) bool { return KindOf(err) == KindDuplicate }
func IsNotFound(err error) bool  { return KindOf(err) == KindNotFound }
func IsRejected(err error) bool  { return KindOf(err) == KindRejected }

// ErrExhausted оборачивает последнюю ошибку после исчерпания ретраев.
type ErrExhausted struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ErrExhausted) Unwrap() error { return e.Last }

func IsExhausted(err error) bool {
	var ex *ErrExhausted
	return errors.As(err, &ex)
}
