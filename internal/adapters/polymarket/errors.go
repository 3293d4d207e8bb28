package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// statusError convierte una respuesta HTTP no exitosa en un *domain.ExchangeError.
func statusError(op string, status int, body []byte) error {
	msg := errorMessage(body)
	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = domain.ErrAuth
	case status == http.StatusNotFound:
		kind = domain.ErrNotFound
	case status == http.StatusTooManyRequests:
		kind = domain.ErrRateLimited
	case status >= 500:
		kind = domain.ErrNetwork
	default:
		kind = domain.ErrRejected
	}
	// El CLOB responde 400 con "Unauthorized/Invalid api key" cuando las creds expiran.
	if kind == domain.ErrRejected && strings.Contains(strings.ToLower(msg), "api key") {
		kind = domain.ErrAuth
	}
	return domain.NewExchangeError(kind, op, status, msg)
}

// transportError clasifica un fallo de red. Un timeout deja el resultado en duda.
func transportError(op string, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return domain.NewExchangeError(domain.ErrTimeout, op, 0, err.Error())
	case errors.Is(err, context.Canceled):
		return err
	}
	return domain.NewExchangeError(domain.ErrNetwork, op, 0, err.Error())
}

// dataError marca una respuesta con forma inválida.
func dataError(op string, err error) error {
	return domain.NewExchangeError(domain.ErrData, op, 0, err.Error())
}

func errorMessage(body []byte) string {
	var e apiErrorBody
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
