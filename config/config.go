package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del proceso.
type Config struct {
	API          APIConfig          `yaml:"api"`
	Hub          HubConfig          `yaml:"hub"`
	Flash        FlashConfig        `yaml:"flash"`
	Sizing       SizingConfig       `yaml:"sizing"`
	MarketMaking MarketMakingConfig `yaml:"market_making"`
	Execution    ExecutionConfig    `yaml:"execution"`
	Users        []UserConfig       `yaml:"users"`
	Storage      StorageConfig      `yaml:"storage"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Log          LogConfig          `yaml:"log"`

	ReportEverySeconds int `yaml:"report_every_seconds"` // 0 = solo al salir
}

// APIConfig contiene los endpoints del exchange y de Polygon.
type APIConfig struct {
	CLOBBase              string `yaml:"clob_base"`
	GammaBase             string `yaml:"gamma_base"`
	DataBase              string `yaml:"data_base"`
	WSBase                string `yaml:"ws_base"`
	RPCURL                string `yaml:"rpc_url"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// HubConfig controla el fan-out y la reconexión del feed.
type HubConfig struct {
	SubscriberBuffer     int     `yaml:"subscriber_buffer"`
	ReconnectBaseMillis  int     `yaml:"reconnect_base_ms"`
	ReconnectMaxSeconds  int     `yaml:"reconnect_max_seconds"`
	ReconnectMultiplier  float64 `yaml:"reconnect_multiplier"`
	PingSeconds          int     `yaml:"ping_seconds"`
	WalletPollSeconds    int     `yaml:"wallet_poll_seconds"`
	MaxSignalAgeSeconds  int     `yaml:"max_signal_age_seconds"`
	WalletTradesPageSize int     `yaml:"wallet_trades_page_size"`
}

// FlashConfig son los umbrales del detector de flash moves.
type FlashConfig struct {
	WindowSeconds       int     `yaml:"window_seconds"`
	VelocityThreshold   float64 `yaml:"velocity_threshold"`   // cambio relativo en la ventana (0.03 = 3%)
	ConfidenceThreshold float64 `yaml:"confidence_threshold"` // 0..1
	CooldownSeconds     int     `yaml:"cooldown_seconds"`
	MaxTickAgeSeconds   int     `yaml:"max_tick_age_seconds"`
	VolumeReference     float64 `yaml:"volume_reference"` // USDC en ventana que puntúa 1.0
}

// SizingConfig son los mínimos del exchange que aplican a todos los usuarios.
type SizingConfig struct {
	USDFloor         float64 `yaml:"usd_floor"`
	DefaultMinShares float64 `yaml:"default_min_shares"`
}

// MarketMakingConfig son los cortes de liquidez y el skew de inventario.
type MarketMakingConfig struct {
	HighMaxSpread   float64 `yaml:"high_max_spread"`
	HighMinDepth    float64 `yaml:"high_min_depth"`
	MediumMaxSpread float64 `yaml:"medium_max_spread"`
	MediumMinDepth  float64 `yaml:"medium_min_depth"`
	LowMinDepth     float64 `yaml:"low_min_depth"`
	NeutralBand     float64 `yaml:"neutral_band"`   // shares netas sin skew
	SkewThreshold   float64 `yaml:"skew_threshold"` // cambio de skew que fuerza re-quote
	SkewPerShare    float64 `yaml:"skew_per_share"`
	MaxSkew         float64 `yaml:"max_skew"`
	QuoteShares     float64 `yaml:"quote_shares"`
	RefreshSeconds  int     `yaml:"refresh_seconds"`
}

// ExecutionConfig controla el envío de órdenes y el circuit breaker.
type ExecutionConfig struct {
	OrderTimeoutSeconds    int     `yaml:"order_timeout_seconds"`
	DefaultTickSize        float64 `yaml:"default_tick_size"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	CooldownSeconds        int     `yaml:"cooldown_seconds"`
	MaxDrawdown            float64 `yaml:"max_drawdown"` // USDC, positivo; 0 desactiva
	PaperBalance           float64 `yaml:"paper_balance"`
}

// UserConfig es un follower con su propio bot engine.
type UserConfig struct {
	ID            string   `yaml:"id"`
	Address       string   `yaml:"address"`         // funder; vacío = dirección del signer
	PrivateKeyEnv string   `yaml:"private_key_env"` // variable con la key; default POLY_PRIVATE_KEY
	SignatureType int      `yaml:"signature_type"`  // 0 EOA, 1 proxy, 2 gnosis safe
	Targets       []string `yaml:"targets"`         // wallets a copiar
	Multiplier    float64  `yaml:"multiplier"`
	RiskProfile   string   `yaml:"risk_profile"` // conservative | balanced | degen
	MaxTradeUSD   float64  `yaml:"max_trade_usd"`
	MinShares     float64  `yaml:"min_shares"`
	Markets       []string `yaml:"markets"` // condition ids para flash y market making
	MarketMaking  bool     `yaml:"market_making"`
	FlashTrading  bool     `yaml:"flash_trading"`
	FlashTradeUSD float64  `yaml:"flash_trade_usd"`

	PrivateKey string `yaml:"-"`
}

// StorageConfig controla dónde se persisten los eventos.
type StorageConfig struct {
	Driver    string `yaml:"driver"` // sqlite | postgres
	DSN       string `yaml:"dsn"`    // ruta SQLite, ":memory:" o URL de Postgres
	QueueSize int    `yaml:"queue_size"`
}

// MetricsConfig controla el endpoint de Prometheus.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // vacío desactiva
}

// TelegramConfig controla las alertas por Telegram.
type TelegramConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Token           string `yaml:"-"`
	ChatID          string `yaml:"chat_id"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse interpreta un documento YAML y aplica overrides de entorno y defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("POLYGON_RPC_URL"); v != "" {
		cfg.API.RPCURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	// Las keys nunca viven en el YAML.
	for i := range cfg.Users {
		u := &cfg.Users[i]
		env := u.PrivateKeyEnv
		if env == "" {
			env = "POLY_PRIVATE_KEY"
		}
		u.PrivateKey = strings.TrimPrefix(strings.TrimSpace(os.Getenv(env)), "0x")
		if u.Address == "" {
			u.Address = os.Getenv("POLY_FUNDER")
		}
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.GammaBase == "" {
		cfg.API.GammaBase = "https://gamma-api.polymarket.com"
	}
	if cfg.API.DataBase == "" {
		cfg.API.DataBase = "https://data-api.polymarket.com"
	}
	if cfg.API.WSBase == "" {
		cfg.API.WSBase = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if cfg.API.RPCURL == "" {
		cfg.API.RPCURL = "https://polygon-rpc.com"
	}
	if cfg.API.RequestTimeoutSeconds <= 0 {
		cfg.API.RequestTimeoutSeconds = 10
	}

	if cfg.Hub.SubscriberBuffer <= 0 {
		cfg.Hub.SubscriberBuffer = 256
	}
	if cfg.Hub.ReconnectBaseMillis <= 0 {
		cfg.Hub.ReconnectBaseMillis = 500
	}
	if cfg.Hub.ReconnectMaxSeconds <= 0 {
		cfg.Hub.ReconnectMaxSeconds = 30
	}
	if cfg.Hub.ReconnectMultiplier <= 1 {
		cfg.Hub.ReconnectMultiplier = 2
	}
	if cfg.Hub.PingSeconds <= 0 {
		cfg.Hub.PingSeconds = 10
	}
	if cfg.Hub.WalletPollSeconds <= 0 {
		cfg.Hub.WalletPollSeconds = 5
	}
	if cfg.Hub.MaxSignalAgeSeconds <= 0 {
		cfg.Hub.MaxSignalAgeSeconds = 300
	}
	if cfg.Hub.WalletTradesPageSize <= 0 {
		cfg.Hub.WalletTradesPageSize = 50
	}

	if cfg.Flash.WindowSeconds <= 0 {
		cfg.Flash.WindowSeconds = 60
	}
	if cfg.Flash.VelocityThreshold <= 0 {
		cfg.Flash.VelocityThreshold = 0.03
	}
	if cfg.Flash.ConfidenceThreshold <= 0 {
		cfg.Flash.ConfidenceThreshold = 0.7
	}
	if cfg.Flash.CooldownSeconds <= 0 {
		cfg.Flash.CooldownSeconds = 120
	}
	if cfg.Flash.MaxTickAgeSeconds <= 0 {
		cfg.Flash.MaxTickAgeSeconds = 30
	}
	if cfg.Flash.VolumeReference <= 0 {
		cfg.Flash.VolumeReference = 1000
	}

	if cfg.Sizing.USDFloor <= 0 {
		cfg.Sizing.USDFloor = 1.0
	}
	if cfg.Sizing.DefaultMinShares <= 0 {
		cfg.Sizing.DefaultMinShares = 5
	}

	mm := &cfg.MarketMaking
	if mm.HighMaxSpread <= 0 {
		mm.HighMaxSpread = 0.02
	}
	if mm.HighMinDepth <= 0 {
		mm.HighMinDepth = 500
	}
	if mm.MediumMaxSpread <= 0 {
		mm.MediumMaxSpread = 0.05
	}
	if mm.MediumMinDepth <= 0 {
		mm.MediumMinDepth = 100
	}
	if mm.LowMinDepth <= 0 {
		mm.LowMinDepth = 20
	}
	if mm.NeutralBand <= 0 {
		mm.NeutralBand = 50
	}
	if mm.SkewThreshold <= 0 {
		mm.SkewThreshold = 0.005
	}
	if mm.SkewPerShare <= 0 {
		mm.SkewPerShare = 0.0002
	}
	if mm.MaxSkew <= 0 {
		mm.MaxSkew = 0.03
	}
	if mm.QuoteShares <= 0 {
		mm.QuoteShares = 10
	}
	if mm.RefreshSeconds <= 0 {
		mm.RefreshSeconds = 15
	}

	if cfg.Execution.OrderTimeoutSeconds <= 0 {
		cfg.Execution.OrderTimeoutSeconds = 10
	}
	if cfg.Execution.DefaultTickSize <= 0 {
		cfg.Execution.DefaultTickSize = 0.01
	}
	if cfg.Execution.MaxConsecutiveFailures <= 0 {
		cfg.Execution.MaxConsecutiveFailures = 5
	}
	if cfg.Execution.CooldownSeconds <= 0 {
		cfg.Execution.CooldownSeconds = 300
	}
	if cfg.Execution.PaperBalance <= 0 {
		cfg.Execution.PaperBalance = 1000
	}

	for i := range cfg.Users {
		u := &cfg.Users[i]
		if u.RiskProfile == "" {
			u.RiskProfile = "balanced"
		}
		if u.MinShares <= 0 {
			u.MinShares = cfg.Sizing.DefaultMinShares
		}
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polycopy.db"
	}
	if cfg.Storage.QueueSize <= 0 {
		cfg.Storage.QueueSize = 1024
	}
	if cfg.Telegram.CooldownSeconds <= 0 {
		cfg.Telegram.CooldownSeconds = 30
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

var riskProfiles = map[string]bool{"conservative": true, "balanced": true, "degen": true}

// Validate comprueba lo que impediría arrancar un bot engine.
// Con live=true cada usuario necesita su private key.
func (c *Config) Validate(live bool) error {
	var errs []error
	if len(c.Users) == 0 {
		errs = append(errs, errors.New("no users configured"))
	}
	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		name := u.ID
		if name == "" {
			name = "#" + strconv.Itoa(i)
			errs = append(errs, fmt.Errorf("user %s: missing id", name))
		}
		if seen[u.ID] {
			errs = append(errs, fmt.Errorf("user %s: duplicate id", name))
		}
		seen[u.ID] = true
		if u.Multiplier <= 0 {
			errs = append(errs, fmt.Errorf("user %s: multiplier must be > 0", name))
		}
		if !riskProfiles[u.RiskProfile] {
			errs = append(errs, fmt.Errorf("user %s: unknown risk_profile %q", name, u.RiskProfile))
		}
		if u.MaxTradeUSD < 0 {
			errs = append(errs, fmt.Errorf("user %s: max_trade_usd must be >= 0", name))
		}
		if u.FlashTrading && u.FlashTradeUSD <= 0 {
			errs = append(errs, fmt.Errorf("user %s: flash_trading needs flash_trade_usd > 0", name))
		}
		if (u.FlashTrading || u.MarketMaking) && len(u.Markets) == 0 {
			errs = append(errs, fmt.Errorf("user %s: flash_trading/market_making need markets", name))
		}
		if len(u.Targets) == 0 && !u.FlashTrading && !u.MarketMaking {
			errs = append(errs, fmt.Errorf("user %s: nothing to do (no targets, flash or market making)", name))
		}
		if u.SignatureType < 0 || u.SignatureType > 2 {
			errs = append(errs, fmt.Errorf("user %s: signature_type must be 0, 1 or 2", name))
		}
		if live && u.PrivateKey == "" {
			errs = append(errs, fmt.Errorf("user %s: private key not set", name))
		}
	}
	if c.Flash.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("flash.confidence_threshold must be <= 1"))
	}
	if c.Storage.Driver != "sqlite" && c.Storage.Driver != "postgres" {
		errs = append(errs, fmt.Errorf("storage.driver %q not supported", c.Storage.Driver))
	}
	if c.Telegram.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == "") {
		errs = append(errs, errors.New("telegram enabled without TELEGRAM_BOT_TOKEN/chat_id"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config.Validate: %w", err)
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// RequestTimeout devuelve el timeout HTTP del adapter.
func (c *Config) RequestTimeout() time.Duration { return seconds(c.API.RequestTimeoutSeconds) }

// ReportEvery devuelve el intervalo del reporte periódico (0 = desactivado).
func (c *Config) ReportEvery() time.Duration { return seconds(c.ReportEverySeconds) }

// ReconnectBase devuelve la espera inicial de reconexión.
func (h HubConfig) ReconnectBase() time.Duration {
	return time.Duration(h.ReconnectBaseMillis) * time.Millisecond
}

// ReconnectMax devuelve la espera máxima de reconexión.
func (h HubConfig) ReconnectMax() time.Duration { return seconds(h.ReconnectMaxSeconds) }

// PingInterval devuelve el intervalo de keep-alive del websocket.
func (h HubConfig) PingInterval() time.Duration { return seconds(h.PingSeconds) }

// WalletPoll devuelve el intervalo de polling de wallets objetivo.
func (h HubConfig) WalletPoll() time.Duration { return seconds(h.WalletPollSeconds) }

// MaxSignalAge devuelve la antigüedad máxima de un trade copiable.
func (h HubConfig) MaxSignalAge() time.Duration { return seconds(h.MaxSignalAgeSeconds) }

// Window devuelve la ventana del detector.
func (f FlashConfig) Window() time.Duration { return seconds(f.WindowSeconds) }

// Cooldown devuelve el cooldown tras un flash move.
func (f FlashConfig) Cooldown() time.Duration { return seconds(f.CooldownSeconds) }

// MaxTickAge devuelve la antigüedad máxima aceptada para un tick.
func (f FlashConfig) MaxTickAge() time.Duration { return seconds(f.MaxTickAgeSeconds) }

// Refresh devuelve el intervalo de re-evaluación del market maker.
func (m MarketMakingConfig) Refresh() time.Duration { return seconds(m.RefreshSeconds) }

// OrderTimeout devuelve el timeout por llamada de ejecución.
func (e ExecutionConfig) OrderTimeout() time.Duration { return seconds(e.OrderTimeoutSeconds) }

// Cooldown devuelve la pausa del circuit breaker.
func (e ExecutionConfig) Cooldown() time.Duration { return seconds(e.CooldownSeconds) }

// Cooldown devuelve el mínimo entre alertas de Telegram del mismo tipo.
func (t TelegramConfig) Cooldown() time.Duration { return seconds(t.CooldownSeconds) }
