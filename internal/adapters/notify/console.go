package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// Console implementa ports.Notifier: eventos al log y reporte periódico como tabla.
type Console struct {
	out    io.Writer
	logger *slog.Logger
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(logger *slog.Logger) *Console {
	return NewConsoleWriter(os.Stdout, logger)
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{out: w, logger: logger}
}

func (c *Console) NotifyFill(_ context.Context, r domain.OrderResult) error {
	c.logger.Info("fill",
		"user", r.UserID,
		"side", r.Side,
		"type", r.Type,
		"instrument", shortID(r.InstrumentID),
		"shares", r.FilledShares,
		"price", r.FilledPrice,
		"usd", fmt.Sprintf("%.2f", r.FilledUSD()),
	)
	return nil
}

func (c *Console) NotifyFlash(_ context.Context, ev domain.FlashMoveEvent) error {
	c.logger.Info("flash move",
		"instrument", shortID(ev.InstrumentID),
		"direction", ev.Direction(),
		"old", ev.OldPrice,
		"new", ev.NewPrice,
		"velocity", fmt.Sprintf("%.3f", ev.Velocity),
		"confidence", fmt.Sprintf("%.2f", ev.Confidence),
	)
	return nil
}

func (c *Console) NotifyHalt(_ context.Context, userID, reason string) error {
	c.logger.Warn("bot halted", "user", userID, "reason", reason)
	return nil
}

// Report imprime una fila por usuario con su actividad acumulada.
func (c *Console) Report(_ context.Context, stats []domain.BotStats) error {
	now := time.Now().Format("15:04:05")
	if len(stats) == 0 {
		fmt.Fprintf(c.out, "[%s] no active bots\n", now)
		return nil
	}

	var volume, pnl float64
	halted := 0
	for _, s := range stats {
		volume += s.VolumeUSD
		pnl += s.RealizedPnL
		if s.Halted {
			halted++
		}
	}
	fmt.Fprintf(c.out, "\n[%s] %d bots | vol $%.2f | pnl %s | halted %d\n", now, len(stats), volume, signedUSD(pnl), halted)

	table := tablewriter.NewWriter(c.out)
	table.Header("User", "Up", "Signals", "Dedup", "Flash", "Orders", "Fills", "Fail", "Fill%", "Quotes", "Volume", "PnL", "Open", "State")
	for _, s := range stats {
		state := "running"
		if s.Halted {
			state = "HALT " + truncate(s.HaltReason, 24)
		}
		table.Append(
			s.UserID,
			uptime(s.StartedAt),
			fmt.Sprintf("%d", s.SignalsSeen),
			fmt.Sprintf("%d", s.SignalsDeduped),
			fmt.Sprintf("%d", s.FlashEvents),
			fmt.Sprintf("%d", s.OrdersSubmitted),
			fmt.Sprintf("%d", s.OrdersFilled),
			fmt.Sprintf("%d", s.OrdersFailed),
			fmt.Sprintf("%.0f%%", s.FillRate()*100),
			fmt.Sprintf("%d", s.QuotesPlaced),
			fmt.Sprintf("$%.2f", s.VolumeUSD),
			signedUSD(s.RealizedPnL),
			fmt.Sprintf("%d", s.OpenPositions),
			state,
		)
	}
	table.Render()
	return nil
}

func uptime(since time.Time) string {
	if since.IsZero() {
		return "-"
	}
	return time.Since(since).Truncate(time.Second).String()
}

func signedUSD(v float64) string {
	if v < 0 {
		return fmt.Sprintf("-$%.2f", -v)
	}
	return fmt.Sprintf("+$%.2f", v)
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + ".." + id[len(id)-4:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
