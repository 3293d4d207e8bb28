package main

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polycopy/internal/metrics"
)

const shutdownTimeout = 15 * time.Second

// run bloquea hasta la señal de salida o hasta que todos los bots terminan.
// Los bots se detienen antes que el hub; el sink se vacía al final.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	if a.cfg.Metrics.Addr != "" {
		srv := metrics.Serve(a.cfg.Metrics.Addr)
		defer metrics.Shutdown(srv)
		slog.Info("metrics listening", "addr", a.cfg.Metrics.Addr)
	}

	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHub()
	botCtx, stopBots := context.WithCancel(ctx)
	defer stopBots()

	var g errgroup.Group
	g.Go(func() error {
		// Si el hub cae, no hay feed: se paran los bots.
		defer stopBots()
		return a.hub.Run(hubCtx)
	})

	var botsErr error
	g.Go(func() error {
		defer stopHub()
		botsErr = a.supervisor.Run(botCtx)
		return nil
	})

	if every := a.cfg.ReportEvery(); every > 0 {
		g.Go(func() error {
			a.reportLoop(botCtx, every)
			return nil
		})
	}

	hubErr := g.Wait()
	a.report()

	if hubErr != nil {
		return hubErr
	}
	return botsErr
}

func (a *app) reportLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.notifier.Report(ctx, a.supervisor.Stats()); err != nil {
				slog.Warn("report failed", "err", err)
			}
		}
	}
}

// report envía el resumen final aunque ctx ya esté cancelado.
func (a *app) report() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.notifier.Report(ctx, a.supervisor.Stats()); err != nil {
		slog.Warn("final report failed", "err", err)
	}
}

// close vacía la cola de eventos y cierra storage y RPC.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.sink != nil {
		if err := a.sink.Close(ctx); err != nil {
			slog.Warn("event sink did not drain", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("storage close failed", "err", err)
		}
	}
	if a.chain != nil {
		a.chain.Close()
	}
}
