package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/polycopy/config"
	"github.com/alejandrodnm/polycopy/internal/adapters/notify"
	"github.com/alejandrodnm/polycopy/internal/adapters/paper"
	"github.com/alejandrodnm/polycopy/internal/adapters/polymarket"
	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
	"github.com/alejandrodnm/polycopy/internal/adapters/wallet"
	"github.com/alejandrodnm/polycopy/internal/application/bot"
	"github.com/alejandrodnm/polycopy/internal/application/execution"
	"github.com/alejandrodnm/polycopy/internal/application/flash"
	"github.com/alejandrodnm/polycopy/internal/application/hub"
	"github.com/alejandrodnm/polycopy/internal/application/marketmaking"
	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

// app agrupa todo lo que vive durante el proceso.
type app struct {
	cfg        *config.Config
	hub        *hub.Hub
	supervisor *bot.Supervisor
	notifier   ports.Notifier
	sink       *storage.AsyncSink
	store      ports.Store
	chain      *polymarket.ChainReader
}

// build conecta adapters, hub y un bot por usuario. Un usuario que no se puede
// construir se registra y se salta; sin ningún bot es un error.
func build(ctx context.Context, cfg *config.Config, dryRun bool) (*app, error) {
	client := polymarket.NewClient(polymarket.Endpoints{
		CLOB:    cfg.API.CLOBBase,
		Gamma:   cfg.API.GammaBase,
		Data:    cfg.API.DataBase,
		Timeout: cfg.RequestTimeout(),
	})

	chain, err := polymarket.DialChain(ctx, cfg.API.RPCURL)
	if err != nil {
		if !dryRun {
			return nil, fmt.Errorf("connect polygon rpc: %w", err)
		}
		slog.Warn("polygon rpc unavailable, trader balances fall back to the paper balance", "err", err)
		chain = nil
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		if chain != nil {
			chain.Close()
		}
		return nil, err
	}
	sink := storage.NewAsyncSink(store, cfg.Storage.QueueSize, slog.Default())

	notifier, err := buildNotifier(cfg.Telegram)
	if err != nil {
		slog.Warn("telegram disabled", "err", err)
	}

	detector := flash.New(flash.Config{
		Window:              cfg.Flash.Window(),
		VelocityThreshold:   cfg.Flash.VelocityThreshold,
		ConfidenceThreshold: cfg.Flash.ConfidenceThreshold,
		Cooldown:            cfg.Flash.Cooldown(),
		MaxTickAge:          cfg.Flash.MaxTickAge(),
		VolumeReference:     cfg.Flash.VolumeReference,
	})

	h := hub.New(
		polymarket.NewDialer(cfg.API.WSBase, cfg.Hub.PingInterval()),
		hub.Config{
			Buffer:              cfg.Hub.SubscriberBuffer,
			ReconnectBase:       cfg.Hub.ReconnectBase(),
			ReconnectMax:        cfg.Hub.ReconnectMax(),
			ReconnectMultiplier: cfg.Hub.ReconnectMultiplier,
			WalletPoll:          cfg.Hub.WalletPoll(),
			MaxSignalAge:        cfg.Hub.MaxSignalAge(),
			WalletPageSize:      cfg.Hub.WalletTradesPageSize,
		},
		hub.WithLogger(slog.Default()),
		hub.WithFlashDetector(detector),
		hub.WithWalletSource(client),
	)

	a := &app{
		cfg:      cfg,
		hub:      h,
		notifier: notifier,
		sink:     sink,
		store:    store,
		chain:    chain,
	}

	var engines []*bot.Engine
	for _, u := range cfg.Users {
		e, err := a.buildBot(ctx, client, u, dryRun)
		if err != nil {
			slog.Error("user skipped", "user", u.ID, "err", err)
			continue
		}
		engines = append(engines, e)
	}
	if len(engines) == 0 {
		a.close()
		return nil, errors.New("no bot could be started")
	}
	a.supervisor = bot.NewSupervisor(slog.Default(), engines...)
	return a, nil
}

func (a *app) buildBot(ctx context.Context, client *polymarket.Client, u config.UserConfig, dryRun bool) (*bot.Engine, error) {
	logger := slog.Default().With("user", u.ID)

	ex, address, err := a.userExchange(ctx, client, u, dryRun)
	if err != nil {
		return nil, err
	}

	exec := execution.New(ex, execution.Config{
		OrderTimeout:     a.cfg.Execution.OrderTimeout(),
		DefaultTickSize:  a.cfg.Execution.DefaultTickSize,
		DefaultMinShares: a.cfg.Sizing.DefaultMinShares,
	}, logger)

	mm := a.cfg.MarketMaking
	return bot.New(bot.Config{
		UserID:        u.ID,
		Address:       address,
		Targets:       u.Targets,
		Markets:       u.Markets,
		Multiplier:    u.Multiplier,
		MaxTradeUSD:   u.MaxTradeUSD,
		MinShares:     u.MinShares,
		USDFloor:      a.cfg.Sizing.USDFloor,
		FlashTrading:  u.FlashTrading,
		FlashTradeUSD: u.FlashTradeUSD,
		MarketMaking:  u.MarketMaking,
		DedupWindow:   a.cfg.Hub.MaxSignalAge() * 2,
		SyncEvery:     mm.Refresh(),
		CallTimeout:   a.cfg.RequestTimeout(),
		MaxFailures:   a.cfg.Execution.MaxConsecutiveFailures,
		Cooldown:      a.cfg.Execution.Cooldown(),
		MaxDrawdown:   a.cfg.Execution.MaxDrawdown,
	}, bot.Deps{
		Hub:       a.hub,
		Exchange:  ex,
		Executor:  exec,
		Emitter:   a.sink,
		Snapshots: a.store,
		Notifier:  a.notifier,
		MarketMaking: marketmaking.Config{
			Thresholds: domain.LiquidityThresholds{
				HighMaxSpread:   mm.HighMaxSpread,
				HighMinDepth:    mm.HighMinDepth,
				MediumMaxSpread: mm.MediumMaxSpread,
				MediumMinDepth:  mm.MediumMinDepth,
				LowMinDepth:     mm.LowMinDepth,
			},
			Skew: domain.SkewParams{
				NeutralBand:  mm.NeutralBand,
				SkewPerShare: mm.SkewPerShare,
				MaxSkew:      mm.MaxSkew,
			},
			SkewThreshold: mm.SkewThreshold,
			QuoteShares:   mm.QuoteShares,
			Refresh:       mm.Refresh(),
		},
		Logger: logger,
	})
}

// userExchange devuelve el Exchange del usuario y la dirección con la que lee su saldo.
func (a *app) userExchange(ctx context.Context, client *polymarket.Client, u config.UserConfig, dryRun bool) (ports.Exchange, string, error) {
	if dryRun {
		owner := u.Address
		if owner == "" {
			owner = "paper:" + u.ID
		}
		opts := []paper.Option{paper.WithOwner(owner)}
		if a.chain != nil {
			opts = append(opts, paper.WithChain(a.chain))
		}
		return paper.NewExchange(client, a.cfg.Execution.PaperBalance, opts...), owner, nil
	}

	signer, err := wallet.NewKeySigner(u.PrivateKey)
	if err != nil {
		return nil, "", err
	}
	auth, err := polymarket.NewAuthClient(client, signer, u.Address, u.SignatureType)
	if err != nil {
		return nil, "", err
	}
	if err := auth.EnsureCreds(ctx); err != nil {
		return nil, "", fmt.Errorf("derive api credentials: %w", err)
	}
	slog.Info("authenticated with Polymarket CLOB", "user", u.ID, "address", auth.Address())
	return polymarket.NewTradingClient(auth, a.chain), auth.Address(), nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (ports.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := storage.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	default:
		s, err := storage.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %q: %w", cfg.DSN, err)
		}
		return s, nil
	}
}

// buildNotifier siempre devuelve al menos la consola. Un Telegram mal configurado
// se devuelve como error junto a la consola sola.
func buildNotifier(cfg config.TelegramConfig) (ports.Notifier, error) {
	console := notify.NewConsole(slog.Default())
	if !cfg.Enabled {
		return console, nil
	}
	tg, err := notify.NewTelegram(cfg.Token, cfg.ChatID, cfg.Cooldown())
	if err != nil {
		return console, err
	}
	return notify.Multi{console, tg}, nil
}
