/*
Package config loads process configuration.

SOURCES (later wins):
  1. .env in the working directory, if present (godotenv)
  2. Environment variables (cleanenv, see struct tags)
  3. Command-line flags: -addr, -db, -database-url

SETTLEMENT SETTINGS:
  REFERRAL_REWARD, MIN_WITHDRAWAL and the other settlement variables are
  not interpreted here. SettingsValues turns them into the string-keyed
  map settlement.ParseSettings validates, so the rules live in one place.
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/warp/earning-engine/settlement"
)

// Config is the full process configuration.
type Config struct {
	Addr        string `env:"ADDR" env-default:":8080" env-description:"HTTP listen address"`
	DatabaseURL string `env:"DATABASE_URL" env-description:"PostgreSQL URL; SQLite is used when empty"`
	SQLitePath  string `env:"SQLITE_PATH" env-default:"earnings.db" env-description:"SQLite database path"`
	JWTSecret   string `env:"JWT_SECRET" env-required:"true" env-description:"HMAC key for bearer tokens"`

	LogLevel  string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"LOG_FORMAT" env-default:"text"`

	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" env-default:"*" env-separator:","`
	AuditInterval      time.Duration `env:"LEDGER_AUDIT_INTERVAL" env-default:"1h"`

	ReferralReward        string `env:"REFERRAL_REWARD"`
	ReferralLinksRequired string `env:"REFERRAL_LINKS_REQUIRED"`
	MinWithdrawal         string `env:"MIN_WITHDRAWAL"`
	SupportedCoins        string `env:"SUPPORTED_COINS"`
	RevenueSplitRatio     string `env:"REVENUE_SPLIT_RATIO"`

	CPAGripEnabled     string `env:"CPAGRIP_ENABLED"`
	CPAGripSecret      string `env:"CPAGRIP_SECRET"`
	AdBlueMediaEnabled string `env:"ADBLUEMEDIA_ENABLED"`
	AdBlueMediaSecret  string `env:"ADBLUEMEDIA_SECRET"`
}

// Load reads .env, the environment and then args (usually os.Args[1:]).
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("couldn't load .env: %w", err)
	}

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("couldn't read environment variables: %w", err)
	}
	// env-required only checks presence; JWT_SECRET= would pass.
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("JWT_SECRET must not be empty")
	}

	fl := flag.NewFlagSet("earning-engine", flag.ContinueOnError)
	fl.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fl.StringVar(&cfg.SQLitePath, "db", cfg.SQLitePath, "SQLite database path (\":memory:\" for in-memory)")
	fl.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL URL; overrides -db")
	if err := fl.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SettingsValues returns the settlement settings that are set, keyed the
// way settlement.ParseSettings expects. Unset variables keep their defaults.
func (c *Config) SettingsValues() map[string]string {
	values := make(map[string]string)
	put := func(key, v string) {
		if v != "" {
			values[key] = v
		}
	}

	put(settlement.KeyReferralReward, c.ReferralReward)
	put(settlement.KeyReferralLinksRequired, c.ReferralLinksRequired)
	put(settlement.KeyMinWithdrawal, c.MinWithdrawal)
	put(settlement.KeySupportedCoins, c.SupportedCoins)
	put(settlement.KeyRevenueSplitRatio, c.RevenueSplitRatio)

	put(settlement.NetworkKey(settlement.NetworkCPAGrip, "enabled"), c.CPAGripEnabled)
	put(settlement.NetworkKey(settlement.NetworkCPAGrip, "secret"), c.CPAGripSecret)
	put(settlement.NetworkKey(settlement.NetworkAdBlueMedia, "enabled"), c.AdBlueMediaEnabled)
	put(settlement.NetworkKey(settlement.NetworkAdBlueMedia, "secret"), c.AdBlueMediaSecret)

	return values
}

// Settings parses and validates SettingsValues.
func (c *Config) Settings() (settlement.Settings, error) {
	s, err := settlement.ParseSettings(c.SettingsValues())
	if err != nil {
		return settlement.Settings{}, fmt.Errorf("invalid settlement settings: %w", err)
	}
	return s, nil
}

// UsePostgres reports whether DatabaseURL selects the Postgres store.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}
