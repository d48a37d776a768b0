package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/fxpulse/internal/domain"
)

const (
	StorageWAL      = "wal"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"

	StateFile = "file"
	StateSQL  = "sql"

	DefaultFxRatesURL = "https://api.freecurrencyapi.com/v1/latest"
	DefaultVertoFxURL = "https://api-v3.vertofx.com"
)

// Config is the resolved service configuration.
type Config struct {
	ServerAddr      string
	RefreshInterval time.Duration
	CleanupInterval time.Duration

	Storage Storage
	State   State

	CacheMaxEntries int

	RaceTimeout      time.Duration
	GuardTTL         time.Duration
	SnapshotInterval time.Duration

	Margins domain.MarginSettings

	FxRates FxRates
	VertoFx VertoFx
	Bybit   Bybit

	RateLimits map[string]Backoff
}

// Storage selects where snapshots, margins and cost prices live.
type Storage struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	WALDir string `yaml:"wal_dir"`
}

// State selects where tracker state and durable cache entries live.
type State struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type FxRates struct {
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	APIKey   string        `yaml:"-"`
}

type VertoFx struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	PairDelay  time.Duration `yaml:"pair_delay"`
	FullTTL    time.Duration `yaml:"full_ttl"`
	PartialTTL time.Duration `yaml:"partial_ttl"`
	Token      string        `yaml:"-"`
}

type Bybit struct {
	BaseURL       string        `yaml:"base_url"`
	FallbackURL   string        `yaml:"fallback_url"`
	OffersURL     string        `yaml:"offers_url"`
	Testnet       bool          `yaml:"testnet"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxPages      int           `yaml:"max_pages"`
	OfferAmount   string        `yaml:"offer_amount"`
	HistoryWindow time.Duration `yaml:"history_window"`
	APIKey        string        `yaml:"-"`
	APISecret     string        `yaml:"-"`
}

// Backoff cooldown bounds for one provider.
type Backoff struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// ConfigTmp mirrors the yaml file. Decimals are kept as strings until validated.
type ConfigTmp struct {
	ServerAddr       string             `yaml:"server_addr"`
	RefreshInterval  time.Duration      `yaml:"refresh_interval"`
	CleanupInterval  time.Duration      `yaml:"cleanup_interval"`
	Storage          Storage            `yaml:"storage"`
	State            State              `yaml:"state"`
	CacheMaxEntries  int                `yaml:"cache_max_entries"`
	RaceTimeout      time.Duration      `yaml:"race_timeout"`
	GuardTTL         time.Duration      `yaml:"guard_ttl"`
	SnapshotInterval time.Duration      `yaml:"snapshot_interval"`
	UsdMarginPct     string             `yaml:"usd_margin_pct,omitempty"`
	OtherMarginPct   string             `yaml:"other_margin_pct,omitempty"`
	FxRates          FxRates            `yaml:"fxrates"`
	VertoFx          VertoFx            `yaml:"vertofx"`
	Bybit            Bybit              `yaml:"bybit"`
	RateLimits       map[string]Backoff `yaml:"rate_limits,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() ConfigTmp {
	margins := domain.DefaultMargins()

	return ConfigTmp{
		ServerAddr:       ":8080",
		RefreshInterval:  5 * time.Minute,
		CleanupInterval:  30 * time.Minute,
		Storage:          Storage{Driver: StorageSQLite, DSN: "fxpulse.db", WALDir: "./wal/rates"},
		State:            State{Backend: StateFile, Path: "fxpulse_state.json"},
		CacheMaxEntries:  1000,
		RaceTimeout:      1500 * time.Millisecond,
		GuardTTL:         8 * time.Second,
		SnapshotInterval: 6 * time.Hour,
		UsdMarginPct:     margins.USDMarginPct.String(),
		OtherMarginPct:   margins.OtherMarginPct.String(),
		FxRates: FxRates{
			BaseURL:  DefaultFxRatesURL,
			Timeout:  5 * time.Second,
			CacheTTL: 10 * time.Minute,
		},
		VertoFx: VertoFx{
			BaseURL:    DefaultVertoFxURL,
			Timeout:    5 * time.Second,
			PairDelay:  100 * time.Millisecond,
			FullTTL:    5 * time.Minute,
			PartialTTL: time.Minute,
		},
		Bybit: Bybit{
			FallbackURL:   "https://api.bytick.com",
			Timeout:       10 * time.Second,
			MaxPages:      200,
			OfferAmount:   "100000",
			HistoryWindow: 24 * time.Hour,
		},
		RateLimits: map[string]Backoff{
			"vertofx": {Base: 2 * time.Minute, Max: 30 * time.Minute},
		},
	}
}

// Get loads the yaml file at path over the defaults and reads provider secrets from
// the environment. An empty path yields the defaults.
func Get(path string) (Config, error) {
	tmp := Default()

	if path != "" {
		f, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(f, &tmp); err != nil {
			return Config{}, fmt.Errorf("failed to parse yaml config %s: %w", path, err)
		}
	}

	tmp.FxRates.APIKey = os.Getenv("FX_API_KEY")
	tmp.VertoFx.Token = os.Getenv("VERTOFX_TOKEN")
	tmp.Bybit.APIKey = os.Getenv("BYBIT_API_KEY")
	tmp.Bybit.APISecret = os.Getenv("BYBIT_API_SECRET")

	return tmp.resolve()
}

func (c ConfigTmp) resolve() (Config, error) {
	usdMargin, err := decimal.NewFromString(c.UsdMarginPct)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'usd_margin_pct' param in yaml config (must be a decimal), error: %w", err)
	}
	otherMargin, err := decimal.NewFromString(c.OtherMarginPct)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'other_margin_pct' param in yaml config (must be a decimal), error: %w", err)
	}
	if usdMargin.IsNegative() || otherMargin.IsNegative() {
		return Config{}, fmt.Errorf("margins must not be negative")
	}

	if c.Bybit.OfferAmount != "" {
		amount, err := decimal.NewFromString(c.Bybit.OfferAmount)
		if err != nil || !amount.IsPositive() {
			return Config{}, fmt.Errorf("incorrect 'bybit.offer_amount' param in yaml config: %q", c.Bybit.OfferAmount)
		}
	}

	switch c.Storage.Driver {
	case StorageWAL, StorageSQLite, StoragePostgres:
	default:
		return Config{}, fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Storage.Driver == StoragePostgres && c.Storage.DSN == "" {
		return Config{}, fmt.Errorf("storage.dsn is required for postgres")
	}

	switch c.State.Backend {
	case StateFile:
	case StateSQL:
		if c.Storage.Driver == StorageWAL {
			return Config{}, fmt.Errorf("state backend 'sql' needs a sql storage driver")
		}
	default:
		return Config{}, fmt.Errorf("unsupported state backend: %s", c.State.Backend)
	}

	if c.RefreshInterval <= 0 {
		return Config{}, fmt.Errorf("refresh_interval must be positive")
	}

	for provider, b := range c.RateLimits {
		if b.Base <= 0 || b.Max < b.Base {
			return Config{}, fmt.Errorf("invalid rate limit backoff for %s: base %s, max %s", provider, b.Base, b.Max)
		}
	}

	return Config{
		ServerAddr:       c.ServerAddr,
		RefreshInterval:  c.RefreshInterval,
		CleanupInterval:  c.CleanupInterval,
		Storage:          c.Storage,
		State:            c.State,
		CacheMaxEntries:  c.CacheMaxEntries,
		RaceTimeout:      c.RaceTimeout,
		GuardTTL:         c.GuardTTL,
		SnapshotInterval: c.SnapshotInterval,
		Margins:          domain.MarginSettings{USDMarginPct: usdMargin, OtherMarginPct: otherMargin},
		FxRates:          c.FxRates,
		VertoFx:          c.VertoFx,
		Bybit:            c.Bybit,
		RateLimits:       c.RateLimits,
	}, nil
}

// Write saves c as yaml to path.
func Write(path string, c ConfigTmp) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, out, 0o600)
}
