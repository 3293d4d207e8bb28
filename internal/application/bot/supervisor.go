package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// Supervisor corre un bot engine por usuario. Un bot que no arranca o que se
// detiene no para a los demás.
type Supervisor struct {
	engines []*Engine
	logger  *slog.Logger

	mu     sync.Mutex
	failed map[string]error
}

// NewSupervisor agrupa los bots. logger nil usa slog.Default.
func NewSupervisor(logger *slog.Logger, engines ...*Engine) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{engines: engines, logger: logger, failed: make(map[string]error)}
}

// Run bloquea hasta que todos los bots terminan. Devuelve los errores de arranque
// de los usuarios que no pudieron entrar a su loop.
func (s *Supervisor) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, e := range s.engines {
		g.Go(func() error {
			if err := e.Run(ctx); err != nil {
				s.logger.Error("bot: engine failed", "user", e.UserID(), "err", err)
				s.mu.Lock()
				s.failed[e.UserID()] = err
				s.mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	errs := make([]error, 0, len(s.failed))
	for _, err := range s.failed {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("bot.Supervisor: %w", err)
	}
	return nil
}

// Stats devuelve las estadísticas de todos los bots ordenadas por usuario.
func (s *Supervisor) Stats() []domain.BotStats {
	out := make([]domain.BotStats, 0, len(s.engines))
	for _, e := range s.engines {
		st := e.Stats()
		s.mu.Lock()
		if err, ok := s.failed[e.UserID()]; ok && !st.Halted {
			st.Halted = true
			st.HaltReason = "startup: " + err.Error()
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Len devuelve el número de bots.
func (s *Supervisor) Len() int { return len(s.engines) }
