package notify_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/adapters/notify"
	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

var (
	_ ports.Notifier = (*notify.Console)(nil)
	_ ports.Notifier = (*notify.Telegram)(nil)
	_ ports.Notifier = notify.Multi(nil)
)

func TestConsole_Report_Table(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, slog.New(slog.NewTextHandler(&buf, nil)))

	stats := []domain.BotStats{
		{UserID: "alice", StartedAt: time.Now().Add(-time.Minute), OrdersSubmitted: 4, OrdersFilled: 3, VolumeUSD: 42.5, RealizedPnL: 1.25},
		{UserID: "bob", Halted: true, HaltReason: "drawdown", RealizedPnL: -3},
	}
	require.NoError(t, c.Report(context.Background(), stats))

	out := buf.String()
	assert.Contains(t, out, "2 bots")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "75%")
	assert.Contains(t, out, "$42.50")
	assert.Contains(t, out, "+$1.25")
	assert.Contains(t, out, "-$3.00")
	assert.Contains(t, out, "HALT drawdown")
}

func TestConsole_Report_Empty(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, nil)
	require.NoError(t, c.Report(context.Background(), nil))
	assert.Contains(t, buf.String(), "no active bots")
}

func TestConsole_EventsGoToLogger(t *testing.T) {
	var logs bytes.Buffer
	c := notify.NewConsoleWriter(&bytes.Buffer{}, slog.New(slog.NewTextHandler(&logs, nil)))

	ctx := context.Background()
	require.NoError(t, c.NotifyFill(ctx, domain.OrderResult{UserID: "alice", Side: domain.SideBuy, FilledShares: 10, FilledPrice: 0.5}))
	require.NoError(t, c.NotifyFlash(ctx, domain.FlashMoveEvent{InstrumentID: "tok", OldPrice: 0.4, NewPrice: 0.5}))
	require.NoError(t, c.NotifyHalt(ctx, "bob", "too many failures"))

	out := logs.String()
	assert.Contains(t, out, "usd=5.00")
	assert.Contains(t, out, "direction=BUY")
	assert.Contains(t, out, `reason="too many failures"`)
}

type failingNotifier struct{ *notify.Console }

func (failingNotifier) NotifyHalt(context.Context, string, string) error { return errors.New("boom") }

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	var a, b bytes.Buffer
	m := notify.Multi{
		notify.NewConsoleWriter(&a, slog.New(slog.NewTextHandler(&a, nil))),
		notify.NewConsoleWriter(&b, slog.New(slog.NewTextHandler(&b, nil))),
	}
	require.NoError(t, m.NotifyHalt(context.Background(), "u", "x"))
	assert.Contains(t, a.String(), "bot halted")
	assert.Contains(t, b.String(), "bot halted")

	m = append(m, failingNotifier{})
	err := m.NotifyHalt(context.Background(), "u", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
