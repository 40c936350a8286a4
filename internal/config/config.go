// Package config loads the custody bank configuration from a YAML file,
// an optional .env file and CUSTODY_* environment variables, in that order
// of increasing precedence.
package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

// Config is the complete daemon configuration.
type Config struct {
	Bank      BankConfig      `yaml:"bank"`
	Assets    []AssetConfig   `yaml:"assets"`
	Access    AccessConfig    `yaml:"access"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Chain     ChainConfig     `yaml:"chain"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dev       DevConfig       `yaml:"dev"`
	Log       LogConfig       `yaml:"log"`
}

// BankConfig holds the bank-wide settings.
type BankConfig struct {
	// Custodian is the account holding all custody funds.
	Custodian         string `yaml:"custodian" env:"CUSTODY_BANK_CUSTODIAN"`
	ReferenceAsset    string `yaml:"reference_asset" env:"CUSTODY_BANK_REFERENCE_ASSET"`
	ReferenceDecimals uint8  `yaml:"reference_decimals" env:"CUSTODY_BANK_REFERENCE_DECIMALS"`
	// Limits are raw reference-asset amounts in base 10.
	CapacityLimit     string        `yaml:"capacity_limit" env:"CUSTODY_BANK_CAPACITY_LIMIT"`
	WithdrawalLimit   string        `yaml:"withdrawal_limit" env:"CUSTODY_BANK_WITHDRAWAL_LIMIT"`
	StalenessWindow   time.Duration `yaml:"staleness_window" env:"CUSTODY_BANK_STALENESS_WINDOW"`
	AutoCreditInbound bool          `yaml:"auto_credit_inbound" env:"CUSTODY_BANK_AUTO_CREDIT_INBOUND"`
	JournalSize       int           `yaml:"journal_size" env:"CUSTODY_BANK_JOURNAL_SIZE"`
}

// AssetConfig is an asset registered at first boot.
type AssetConfig struct {
	Asset       string `yaml:"asset"`
	PriceSource string `yaml:"price_source"`
	Decimals    uint8  `yaml:"decimals"`
}

// AccessConfig seeds the role sets at first boot.
type AccessConfig struct {
	SuperAdmin         string   `yaml:"super_admin" env:"CUSTODY_ACCESS_SUPER_ADMIN"`
	Administrators     []string `yaml:"administrators"`
	Treasury           []string `yaml:"treasury"`
	EmergencyOperators []string `yaml:"emergency_operators"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr           string        `yaml:"addr" env:"CUSTODY_HTTP_ADDR"`
	JWTSecret      string        `yaml:"jwt_secret" env:"CUSTODY_HTTP_JWT_SECRET"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps" env:"CUSTODY_HTTP_RATE_LIMIT_RPS"`
	RateLimitBurst int           `yaml:"rate_limit_burst" env:"CUSTODY_HTTP_RATE_LIMIT_BURST"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"CUSTODY_HTTP_READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"CUSTODY_HTTP_WRITE_TIMEOUT"`
}

// DatabaseConfig configures the Postgres checkpoint store.
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled" env:"CUSTODY_DATABASE_ENABLED"`
	URL     string `yaml:"url" env:"CUSTODY_DATABASE_URL"`
	// ForwardInterval is how often emitted records are copied to the store.
	ForwardInterval time.Duration `yaml:"forward_interval" env:"CUSTODY_DATABASE_FORWARD_INTERVAL"`
}

// ChainConfig configures the Neo N3 RPC connection used by neofeeds price
// sources.
type ChainConfig struct {
	RPCURL    string        `yaml:"rpc_url" env:"CUSTODY_CHAIN_RPC_URL"`
	NetworkID uint32        `yaml:"network_id" env:"CUSTODY_CHAIN_NETWORK_ID"`
	Timeout   time.Duration `yaml:"timeout" env:"CUSTODY_CHAIN_TIMEOUT"`
	// RouterHash is the conversion venue. Empty disables conversion deposits.
	RouterHash string `yaml:"router_hash" env:"CUSTODY_CHAIN_ROUTER_HASH"`
}

// SchedulerConfig holds cron specs. Empty disables a job.
type SchedulerConfig struct {
	CheckpointSpec string `yaml:"checkpoint" env:"CUSTODY_SCHEDULER_CHECKPOINT"`
	FreshnessSpec  string `yaml:"freshness" env:"CUSTODY_SCHEDULER_FRESHNESS"`
}

// DevConfig drives the in-process collaborators used outside a chain
// deployment.
type DevConfig struct {
	// Feeds serve "static:<name>" price sources.
	Feeds []StaticFeed `yaml:"feeds"`
	// Rates configure the in-memory conversion venue.
	Rates []VenueRate `yaml:"rates"`
	// Wallets are funded on the in-process rails at startup.
	Wallets []Wallet `yaml:"wallets"`
}

// Wallet seeds Account with Amount raw units of Asset.
type Wallet struct {
	Account string `yaml:"account"`
	Asset   string `yaml:"asset"`
	Amount  string `yaml:"amount"`
}

// Parse returns the wallet's account, asset and amount.
func (w Wallet) Parse() (account, asset util.Uint160, amount *big.Int, err error) {
	if account, err = custody.ParseAccount(w.Account); err != nil {
		return account, asset, nil, fmt.Errorf("account: %w", err)
	}
	if asset, err = custody.ParseAsset(w.Asset); err != nil {
		return account, asset, nil, fmt.Errorf("asset: %w", err)
	}
	amount, err = positive("amount", w.Amount)
	return account, asset, amount, err
}

// StaticFeed is a fixed price with PriceDecimals=8.
type StaticFeed struct {
	Name  string `yaml:"name"`
	Price string `yaml:"price"`
}

// VenueRate converts Asset into the reference asset at Num/Den.
type VenueRate struct {
	Asset string `yaml:"asset"`
	Num   string `yaml:"num"`
	Den   string `yaml:"den"`
}

// LogConfig mirrors logger.Config with environment overrides.
type LogConfig struct {
	Level  string `yaml:"level" env:"CUSTODY_LOG_LEVEL"`
	Format string `yaml:"format" env:"CUSTODY_LOG_FORMAT"`
}

// Logger returns the logger configuration.
func (c LogConfig) Logger() logger.Config {
	return logger.Config{Level: c.Level, Format: c.Format}
}

// Default returns a configuration usable for local development once a super
// admin and JWT secret are supplied.
func Default() *Config {
	return &Config{
		Bank: BankConfig{
			ReferenceAsset:    "native",
			ReferenceDecimals: 8,
			CapacityLimit:     "100000000000000",
			WithdrawalLimit:   "1000000000000",
			StalenessWindow:   time.Hour,
			JournalSize:       1024,
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{ForwardInterval: 5 * time.Second},
		Chain:    ChainConfig{Timeout: 10 * time.Second},
		Scheduler: SchedulerConfig{
			CheckpointSpec: "@every 1m",
			FreshnessSpec:  "@every 5m",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (skipped when empty), then envFile (skipped when missing),
// then CUSTODY_* variables, and validates the result.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !stderrors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects incomplete or malformed settings.
func (c *Config) Validate() error {
	if _, err := custody.ParseAccount(c.Bank.Custodian); err != nil {
		return fmt.Errorf("bank.custodian: %w", err)
	}
	if _, err := custody.ParseAsset(c.Bank.ReferenceAsset); err != nil {
		return fmt.Errorf("bank.reference_asset: %w", err)
	}
	if _, _, err := c.Bank.Limits(); err != nil {
		return err
	}
	if c.Bank.StalenessWindow <= 0 {
		return fmt.Errorf("bank.staleness_window must be positive")
	}

	for i, a := range c.Assets {
		if _, err := custody.ParseAsset(a.Asset); err != nil {
			return fmt.Errorf("assets[%d].asset: %w", i, err)
		}
		if strings.TrimSpace(a.PriceSource) == "" {
			return fmt.Errorf("assets[%d].price_source is required", i)
		}
	}

	if _, err := c.Access.Grants(); err != nil {
		return err
	}
	if _, err := custody.ParseAccount(c.Access.SuperAdmin); err != nil {
		return fmt.Errorf("access.super_admin: %w", err)
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if len(c.HTTP.JWTSecret) < 32 {
		return fmt.Errorf("http.jwt_secret must be at least 32 bytes")
	}
	if c.HTTP.RateLimitRPS <= 0 || c.HTTP.RateLimitBurst <= 0 {
		return fmt.Errorf("http rate limit must be positive")
	}

	if c.Database.Enabled && c.Database.URL == "" {
		return fmt.Errorf("database.url is required when the database is enabled")
	}

	if c.Chain.RouterHash != "" {
		if _, err := custody.ParseAccount(c.Chain.RouterHash); err != nil {
			return fmt.Errorf("chain.router_hash: %w", err)
		}
	}
	if c.usesChainFeeds() && c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required for neofeeds price sources")
	}

	for name, spec := range map[string]string{
		"scheduler.checkpoint": c.Scheduler.CheckpointSpec,
		"scheduler.freshness":  c.Scheduler.FreshnessSpec,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for i, f := range c.Dev.Feeds {
		if f.Name == "" {
			return fmt.Errorf("dev.feeds[%d].name is required", i)
		}
		if _, err := custody.ParseAmount(f.Price); err != nil {
			return fmt.Errorf("dev.feeds[%d].price: %w", i, err)
		}
	}
	for i, r := range c.Dev.Rates {
		if _, err := custody.ParseAsset(r.Asset); err != nil {
			return fmt.Errorf("dev.rates[%d].asset: %w", i, err)
		}
		if _, _, err := r.Ratio(); err != nil {
			return fmt.Errorf("dev.rates[%d]: %w", i, err)
		}
	}
	for i, w := range c.Dev.Wallets {
		if _, _, _, err := w.Parse(); err != nil {
			return fmt.Errorf("dev.wallets[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *Config) usesChainFeeds() bool {
	for _, a := range c.Assets {
		if strings.HasPrefix(a.PriceSource, "neofeeds:") {
			return true
		}
	}
	return false
}

// Limits parses the capacity and withdrawal limits. Both must be positive.
func (b BankConfig) Limits() (capacityLimit, withdrawalLimit *big.Int, err error) {
	if capacityLimit, err = positive("bank.capacity_limit", b.CapacityLimit); err != nil {
		return nil, nil, err
	}
	if withdrawalLimit, err = positive("bank.withdrawal_limit", b.WithdrawalLimit); err != nil {
		return nil, nil, err
	}
	return capacityLimit, withdrawalLimit, nil
}

// Grants parses the bootstrap role lists.
func (a AccessConfig) Grants() (map[custody.Role][]util.Uint160, error) {
	out := make(map[custody.Role][]util.Uint160)
	for role, list := range map[custody.Role][]string{
		custody.RoleAdministrator:     a.Administrators,
		custody.RoleTreasury:          a.Treasury,
		custody.RoleEmergencyOperator: a.EmergencyOperators,
	} {
		for _, s := range list {
			u, err := custody.ParseAccount(s)
			if err != nil {
				return nil, fmt.Errorf("access.%s: %w", role, err)
			}
			out[role] = append(out[role], u)
		}
	}
	return out, nil
}

// Ratio parses the venue rate.
func (r VenueRate) Ratio() (num, den *big.Int, err error) {
	if num, err = positive("num", r.Num); err != nil {
		return nil, nil, err
	}
	if den, err = positive("den", r.Den); err != nil {
		return nil, nil, err
	}
	return num, den, nil
}

func positive(field, s string) (*big.Int, error) {
	v, err := custody.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if !custody.Positive(v) {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return v, nil
}
