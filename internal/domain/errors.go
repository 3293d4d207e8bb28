package domain

import (
	"errors"
	"fmt"
)

// Tipos de error del adapter de exchange. Se comparan con errors.Is.
var (
	ErrAuth        = errors.New("authentication failed")
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
	ErrNetwork     = errors.New("network error")
	ErrTimeout     = errors.New("timeout")
	ErrData        = errors.New("invalid data")
	ErrRejected    = errors.New("rejected by exchange")
	ErrConfig      = errors.New("adapter misconfigured")
)

// ExchangeError lleva el contexto de un fallo del exchange y su tipo.
type ExchangeError struct {
	Kind   error
	Op     string
	Status int
	Msg    string
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.Kind, e.Status, e.Msg)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *ExchangeError) Unwrap() error { return e.Kind }

// NewExchangeError es un atajo para construir errores tipados.
func NewExchangeError(kind error, op string, status int, msg string) *ExchangeError {
	return &ExchangeError{Kind: kind, Op: op, Status: status, Msg: msg}
}

// OrderErrorCodeFor mapea un error del adapter a un OrderErrorCode.
func OrderErrorCodeFor(err error) OrderErrorCode {
	switch {
	case err == nil:
		return OrderErrNone
	case errors.Is(err, ErrAuth):
		return OrderErrAuth
	case errors.Is(err, ErrRateLimited):
		return OrderErrRateLimited
	case errors.Is(err, ErrTimeout):
		return OrderErrUnknown
	case errors.Is(err, ErrRejected):
		return OrderErrRejected
	case errors.Is(err, ErrNotFound):
		return OrderErrNotSubmitted
	case errors.Is(err, ErrData):
		return OrderErrBook
	}
	return OrderErrNetwork
}
