package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Wallets  WalletsConfig  `mapstructure:"wallets"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	AES      AESConfig      `mapstructure:"aes"`
	Log      LogConfig      `mapstructure:"log"`
	DryRun   bool           `mapstructure:"dry_run"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type ChainConfig struct {
	Name           string `mapstructure:"name"`
	RPCURL         string `mapstructure:"rpc_url"`
	ChainID        int64  `mapstructure:"chain_id"`
	NativeSymbol   string `mapstructure:"native_symbol"`
	StableAddress  string `mapstructure:"stable_address"`  // USDC contract
	StableDecimals int32  `mapstructure:"stable_decimals"` // 6 on most chains
	AssetDecimals  int32  `mapstructure:"asset_decimals"`  // synthetic asset tokens
}

type VaultConfig struct {
	Address    string `mapstructure:"address"`
	PrivateKey string `mapstructure:"private_key"` // hex, env only: DCA_VAULT_PRIVATE_KEY
}

type OracleConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type TradingConfig struct {
	MinUSDPerWallet  float64  `mapstructure:"min_usd_per_wallet"`
	MaxUSDPerWallet  float64  `mapstructure:"max_usd_per_wallet"`
	MinOrderValue    float64  `mapstructure:"min_order_value"`
	MinProfitPercent float64  `mapstructure:"min_profit_percent"`
	SellSlippage     float64  `mapstructure:"sell_slippage"`
	PriceSlippage    float64  `mapstructure:"price_slippage"` // oracle quote margin
	OrderExpiryDays  int      `mapstructure:"order_expiry_days"`
	MaxHoldDays      int      `mapstructure:"max_hold_days"`
	MaxLossCount     int      `mapstructure:"max_loss_count"`
	Tickers          []string `mapstructure:"tickers"` // empty = all oracle pools
	LiquidationMode  bool     `mapstructure:"liquidation_mode"`
}

type WalletsConfig struct {
	Total            int     `mapstructure:"total"`
	GasAllocation    float64 `mapstructure:"gas_allocation"`     // native units per wallet
	GasReserve       float64 `mapstructure:"gas_reserve"`        // native kept back on abandonment
	VaultGasReserve  float64 `mapstructure:"vault_gas_reserve"`  // vault never topped below this
	GasTopUpFraction float64 `mapstructure:"gas_topup_fraction"` // top up below this share of allocation
}

type MonitorConfig struct {
	CycleInterval     time.Duration `mapstructure:"cycle_interval"`
	StatusEveryCycles int           `mapstructure:"status_every_cycles"`
}

type AESConfig struct {
	Key string `mapstructure:"key"` // 32-byte hex-encoded key for AES-256
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: DCA_.
// Nested keys use underscore: DCA_DATABASE_HOST, DCA_VAULT_PRIVATE_KEY, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "dca_trader")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("chain.name", "arbitrum")
	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.chain_id", 42161)
	v.SetDefault("chain.native_symbol", "ETH")
	v.SetDefault("chain.stable_address", "")
	v.SetDefault("chain.stable_decimals", 6)
	v.SetDefault("chain.asset_decimals", 18)
	v.SetDefault("vault.address", "")
	v.SetDefault("vault.private_key", "")
	v.SetDefault("oracle.base_url", "https://api.sharesdao.com:8443")
	v.SetDefault("oracle.timeout", "10s")
	v.SetDefault("oracle.cache_ttl", "60s")
	v.SetDefault("trading.min_usd_per_wallet", 10)
	v.SetDefault("trading.max_usd_per_wallet", 100)
	v.SetDefault("trading.min_order_value", 5)
	v.SetDefault("trading.min_profit_percent", 5)
	v.SetDefault("trading.sell_slippage", 0.02)
	v.SetDefault("trading.price_slippage", 0.005)
	v.SetDefault("trading.order_expiry_days", 7)
	v.SetDefault("trading.max_hold_days", 30)
	v.SetDefault("trading.max_loss_count", 3)
	v.SetDefault("trading.tickers", []string{})
	v.SetDefault("trading.liquidation_mode", false)
	v.SetDefault("wallets.total", 10)
	v.SetDefault("wallets.gas_allocation", 0.5)
	v.SetDefault("wallets.gas_reserve", 0.01)
	v.SetDefault("wallets.vault_gas_reserve", 1.0)
	v.SetDefault("wallets.gas_topup_fraction", 0.3)
	v.SetDefault("monitor.cycle_interval", "5m")
	v.SetDefault("monitor.status_every_cycles", 10)
	v.SetDefault("aes.key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("dry_run", false)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: DCA_CHAIN_RPC_URL -> chain.rpc_url
	v.SetEnvPrefix("DCA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional when env vars cover the required fields
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Validate reports configuration problems that make the trader unrunnable.
func (c *Config) Validate() []string {
	var errs []string
	// Dry runs use the simulated chain and an ephemeral vault, so neither a
	// node endpoint nor a vault address is needed.
	if !c.DryRun && c.Chain.RPCURL == "" {
		errs = append(errs, "chain.rpc_url is not set")
	}
	if c.Chain.StableAddress == "" {
		errs = append(errs, "chain.stable_address is not set")
	}
	if !c.DryRun && c.Vault.Address == "" {
		errs = append(errs, "vault.address is not set")
	}
	if !c.DryRun && c.Vault.PrivateKey == "" {
		errs = append(errs, "vault.private_key is not set (DCA_VAULT_PRIVATE_KEY)")
	}
	if c.AES.Key == "" {
		errs = append(errs, "aes.key is not set (DCA_AES_KEY)")
	}
	if c.Trading.MaxUSDPerWallet <= c.Trading.MinUSDPerWallet {
		errs = append(errs, "trading.max_usd_per_wallet must exceed trading.min_usd_per_wallet")
	}
	if c.Trading.MinProfitPercent <= 0 {
		errs = append(errs, "trading.min_profit_percent must be positive")
	}
	if c.Trading.MaxHoldDays <= 0 {
		errs = append(errs, "trading.max_hold_days must be positive")
	}
	return errs
}
