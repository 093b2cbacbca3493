package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env            string `yaml:"env" env:"ENV" env-default:"local"`
	StoragePath    string `yaml:"storage_path" env:"STORAGE_PATH" env-required:"true"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH"`

	AccessSecret string `yaml:"access_secret" env:"ACCESS_SECRET" env-required:"true"`

	Session   SessionConfig   `yaml:"session"`
	Tokens    TokensConfig    `yaml:"tokens"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
}

type SessionConfig struct {
	AccessTTL time.Duration `yaml:"access_ttl" env:"SESSION_ACCESS_TTL" env-default:"15m"`
	TTL       time.Duration `yaml:"ttl" env:"SESSION_TTL" env-default:"720h"`
	Limit     int           `yaml:"limit" env:"SESSION_LIMIT" env-default:"5"`
	// Policy is "evict" (oldest active session is deactivated) or
	// "reject" (the new login fails).
	Policy        string `yaml:"policy" env:"SESSION_LIMIT_POLICY" env-default:"evict"`
	RetentionDays int    `yaml:"retention_days" env:"SESSION_RETENTION_DAYS" env-default:"30"`
}

type TokensConfig struct {
	ResetTTL      time.Duration `yaml:"reset_ttl" env:"TOKEN_RESET_TTL" env-default:"1h"`
	VerifyTTL     time.Duration `yaml:"verify_ttl" env:"TOKEN_VERIFY_TTL" env-default:"24h"`
	IssueWindow   time.Duration `yaml:"issue_window" env:"TOKEN_ISSUE_WINDOW" env-default:"15m"`
	IssueMaxHits  int           `yaml:"issue_max_hits" env:"TOKEN_ISSUE_MAX_HITS" env-default:"3"`
	RetentionDays int           `yaml:"retention_days" env:"TOKEN_RETENTION_DAYS" env-default:"7"`
}

type RateLimitConfig struct {
	// Backends is the failover order; the first healthy one serves
	// requests. Known values: redis, sqlite, memory.
	Backends      []string      `yaml:"backends" env:"RATELIMIT_BACKENDS" env-separator:"," env-default:"sqlite,memory"`
	RedisAddr     string        `yaml:"redis_addr" env:"RATELIMIT_REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"RATELIMIT_REDIS_PASSWORD"`
	Timeout       time.Duration `yaml:"timeout" env:"RATELIMIT_TIMEOUT" env-default:"250ms"`
	Cooldown      time.Duration `yaml:"cooldown" env:"RATELIMIT_COOLDOWN" env-default:"30s"`
	CounterGrace  time.Duration `yaml:"counter_grace" env:"RATELIMIT_COUNTER_GRACE" env-default:"1h"`

	Login         ScopeConfig `yaml:"login"`
	Registration  ScopeConfig `yaml:"registration"`
	PasswordReset ScopeConfig `yaml:"password_reset"`
	API           ScopeConfig `yaml:"api"`
}

// ScopeConfig is one window/limit pair for a named endpoint scope.
type ScopeConfig struct {
	Window  time.Duration `yaml:"window" env-default:"1m"`
	MaxHits int           `yaml:"max_hits" env-default:"60"`
}

type SweeperConfig struct {
	Interval  time.Duration `yaml:"interval" env:"SWEEPER_INTERVAL" env-default:"5m"`
	BatchSize int           `yaml:"batch_size" env:"SWEEPER_BATCH_SIZE" env-default:"500"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	return &cfg
}

// fetchConfigPath fetches config path from command line flag or environment variable.
// Priority: flag > env > default.
// Default value is empty string.
func fetchConfigPath() string {
	var res string

	if !flag.Parsed() {
		flag.StringVar(&res, "config", "", "path to config file")
	}
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
