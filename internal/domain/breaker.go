package domain

import "time"

// CircuitBreaker pausa el envío de órdenes tras fallos consecutivos y
// detiene el bot si el PnL realizado cae por debajo del drawdown máximo.
type CircuitBreaker struct {
	ConsecutiveFailures int
	MaxFailures         int
	CooldownUntil       time.Time
	CooldownDuration    time.Duration
	RealizedPnL         float64
	MaxDrawdown         float64 // umbral negativo en USDC; 0 desactiva
	Triggered           bool
	TriggeredReason     string
}

// IsOpen returns true if trading is allowed (circuit not triggered).
func (cb *CircuitBreaker) IsOpen() bool {
	if cb.Triggered {
		return false
	}
	if time.Now().Before(cb.CooldownUntil) {
		return false
	}
	return true
}

// RecordFailure registra un fallo terminal de ejecución y puede abrir el cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.ConsecutiveFailures++
	if cb.MaxFailures > 0 && cb.ConsecutiveFailures >= cb.MaxFailures {
		cb.CooldownUntil = time.Now().Add(cb.CooldownDuration)
		cb.ConsecutiveFailures = 0
		cb.TriggeredReason = "consecutive failures"
	}
}

// RecordSuccess resets the consecutive failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.ConsecutiveFailures = 0
}

// RecordPnL acumula PnL realizado; por debajo de MaxDrawdown el breaker queda disparado.
func (cb *CircuitBreaker) RecordPnL(pnl float64) {
	cb.RealizedPnL += pnl
	if cb.MaxDrawdown < 0 && cb.RealizedPnL < cb.MaxDrawdown {
		cb.Triggered = true
		cb.TriggeredReason = "max drawdown exceeded"
	}
}
