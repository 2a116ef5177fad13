package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/example/slot-scheduler/internal/domain/reservation"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Selection SelectionConfig `yaml:"selection"`
	Transport TransportConfig `yaml:"transport"`
	Users     UsersConfig     `yaml:"users"`
	API       APIConfig       `yaml:"api"`
	OTEL      OTELConfig      `yaml:"otel"`
}

type ServerConfig struct {
	ListenAddr         string   `yaml:"listen_addr"`
	GinMode            string   `yaml:"gin_mode"`
	RateLimitPerSec    float64  `yaml:"rate_limit_per_sec"`
	RateBurst          int      `yaml:"rate_burst"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

type SchedulerConfig struct {
	PollIntervalSeconds       int `yaml:"poll_interval_seconds"`
	BatchSize                 int `yaml:"batch_size"`
	LeadTimeMinutes           int `yaml:"lead_time_minutes"`
	ImmediateThresholdSeconds int `yaml:"immediate_threshold_seconds"`
	EarlyMarginSeconds        int `yaml:"early_margin_seconds"`
	WaitStepSeconds           int `yaml:"wait_step_seconds"`
	MaxRetries                int `yaml:"max_retries"`
	RetryDelayMillis          int `yaml:"retry_delay_ms"`
	SlotCacheSeconds          int `yaml:"slot_cache_seconds"`

	PollInterval       time.Duration `yaml:"-"`
	LeadTime           time.Duration `yaml:"-"`
	ImmediateThreshold time.Duration `yaml:"-"`
	EarlyMargin        time.Duration `yaml:"-"`
	WaitStep           time.Duration `yaml:"-"`
	RetryDelay         time.Duration `yaml:"-"`
	SlotCacheTTL       time.Duration `yaml:"-"`
}

type SelectionConfig struct {
	TargetTime   string `yaml:"target_time"`
	DaysAhead    int    `yaml:"days_ahead"`
	Timezone     string `yaml:"timezone"`
	IncludeExtra bool   `yaml:"include_extra"`

	MinTimeOfDay time.Duration  `yaml:"-"`
	Location     *time.Location `yaml:"-"`
}

type TransportConfig struct {
	// Mode is "live" or "fixture".
	Mode    string        `yaml:"mode"`
	Live    LiveConfig    `yaml:"live"`
	Fixture FixtureConfig `yaml:"fixture"`
}

type LiveConfig struct {
	BaseURL        string   `yaml:"base_url"`
	Account        string   `yaml:"account"`
	Schedule       string   `yaml:"schedule"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	RequestsPerSec float64  `yaml:"requests_per_sec"`
	Burst          int      `yaml:"burst"`
	TitleKeywords  []string `yaml:"title_keywords"`
	ExtraKeywords  []string `yaml:"extra_keywords"`
	UserAgent      string   `yaml:"user_agent"`

	Timeout time.Duration `yaml:"-"`
}

type FixtureConfig struct {
	EventsPath          string   `yaml:"events_path"`
	BookOutcome         string   `yaml:"book_outcome"`
	ConfirmOutcome      string   `yaml:"confirm_outcome"`
	Script              []string `yaml:"script"`
	ServerOffsetSeconds int      `yaml:"server_offset_seconds"`
	RollingFirstSlot    bool     `yaml:"rolling_first_slot"`
}

type UsersConfig struct {
	Path string `yaml:"path"`
	// HashKey and BlockKey seal stored passwords (base64, or a path to a file holding it).
	HashKey  string `yaml:"hash_key"`
	BlockKey string `yaml:"block_key"`

	HashKeyBytes  []byte `yaml:"-"`
	BlockKeyBytes []byte `yaml:"-"`
}

type APIConfig struct {
	// KeyHash is a bcrypt hash of the X-API-Key value. Empty disables the check.
	KeyHash string `yaml:"key_hash"`
}

type OTELConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			GinMode:         "release",
			RateLimitPerSec: 10,
			RateBurst:       20,
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver:                 "sqlite",
			DSN:                    "slotsched.db",
			MaxOpenConns:           10,
			MaxIdleConns:           10,
			ConnMaxLifetimeMinutes: 5,
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds:       10,
			BatchSize:                 25,
			LeadTimeMinutes:           24 * 60,
			ImmediateThresholdSeconds: 40,
			EarlyMarginSeconds:        30,
			WaitStepSeconds:           10,
			MaxRetries:                5,
			RetryDelayMillis:          1000,
			SlotCacheSeconds:          30,
		},
		Selection: SelectionConfig{
			TargetTime: "18:00",
			DaysAhead:  1,
			Timezone:   "UTC",
		},
		Transport: TransportConfig{
			Mode: "fixture",
			Live: LiveConfig{
				BaseURL:        "https://www.supersaas.com",
				TimeoutSeconds: 10,
				RequestsPerSec: 5,
				Burst:          10,
				TitleKeywords:  []string{"community"},
				ExtraKeywords:  []string{"certified"},
				UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
			},
			Fixture: FixtureConfig{
				EventsPath:     "data/events.json",
				BookOutcome:    string(reservation.OutcomeOK),
				ConfirmOutcome: string(reservation.OutcomeOK),
			},
		},
		Users: UsersConfig{Path: "users.json"},
		OTEL: OTELConfig{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "slotsched",
			SampleRatio: 1.0,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path, an
// optional .env file and SLOTSCHED_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf(".env: %w", err)
	}
	applyEnv(&cfg)

	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.ListenAddr = getenv("SLOTSCHED_LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Server.GinMode = getenv("GIN_MODE", cfg.Server.GinMode)
	cfg.Log.Level = getenv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = getbool("LOG_PRETTY", cfg.Log.Pretty)
	cfg.Database.Driver = getenv("SLOTSCHED_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getenv("DATABASE_URL", cfg.Database.DSN)
	cfg.Scheduler.PollIntervalSeconds = getint("SCHED_POLL_SECONDS", cfg.Scheduler.PollIntervalSeconds)
	cfg.Transport.Mode = getenv("SLOTSCHED_TRANSPORT", cfg.Transport.Mode)
	cfg.Users.Path = getenv("SLOTSCHED_USERS_PATH", cfg.Users.Path)
	cfg.Users.HashKey = getenv("CREDENTIAL_HASH_KEY", cfg.Users.HashKey)
	cfg.Users.BlockKey = getenv("CREDENTIAL_BLOCK_KEY", cfg.Users.BlockKey)
	cfg.API.KeyHash = getenv("SLOTSCHED_API_KEY_HASH", cfg.API.KeyHash)
	cfg.OTEL.Enabled = getbool("OTEL_ENABLED", cfg.OTEL.Enabled)
	cfg.OTEL.Endpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTEL.Endpoint)
}

func (cfg *Config) finalize() error {
	s := &cfg.Scheduler
	if s.PollIntervalSeconds < 1 {
		return fmt.Errorf("invalid scheduler.poll_interval_seconds")
	}
	if s.BatchSize <= 0 {
		log.Warn().Msg("scheduler.batch_size is not set or invalid; defaulting to 25")
		s.BatchSize = 25
	}
	if s.LeadTimeMinutes < 0 || s.ImmediateThresholdSeconds < 0 || s.EarlyMarginSeconds < 0 {
		return errors.New("scheduler lead time, threshold and margin must be >= 0")
	}
	if s.WaitStepSeconds < 1 {
		s.WaitStepSeconds = 10
	}
	if s.MaxRetries < 1 {
		return errors.New("scheduler.max_retries must be >= 1")
	}
	if s.RetryDelayMillis < 0 {
		return errors.New("scheduler.retry_delay_ms must be >= 0")
	}
	s.PollInterval = time.Duration(s.PollIntervalSeconds) * time.Second
	s.LeadTime = time.Duration(s.LeadTimeMinutes) * time.Minute
	s.ImmediateThreshold = time.Duration(s.ImmediateThresholdSeconds) * time.Second
	s.EarlyMargin = time.Duration(s.EarlyMarginSeconds) * time.Second
	s.WaitStep = time.Duration(s.WaitStepSeconds) * time.Second
	s.RetryDelay = time.Duration(s.RetryDelayMillis) * time.Millisecond
	s.SlotCacheTTL = time.Duration(s.SlotCacheSeconds) * time.Second

	sel := &cfg.Selection
	tod, err := reservation.ParseTimeOfDay(sel.TargetTime)
	if err != nil {
		return fmt.Errorf("invalid selection.target_time (want HH:MM): %w", err)
	}
	sel.MinTimeOfDay = tod
	if sel.Timezone == "" {
		sel.Timezone = "UTC"
	}
	sel.Location, err = time.LoadLocation(sel.Timezone)
	if err != nil {
		return fmt.Errorf("invalid selection.timezone: %w", err)
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "warning" {
		cfg.Log.Level = "warn"
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be one of: debug, info, warn, error")
	}

	switch cfg.Server.GinMode {
	case "debug", "release", "test":
	default:
		cfg.Server.GinMode = "release"
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres (got %q)", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return errors.New("database.dsn must not be empty")
	}

	switch cfg.Transport.Mode {
	case "live":
		l := &cfg.Transport.Live
		if l.Account == "" || l.Schedule == "" {
			return errors.New("transport.live.account and transport.live.schedule are required")
		}
		if l.TimeoutSeconds <= 0 {
			l.TimeoutSeconds = 10
		}
		l.Timeout = time.Duration(l.TimeoutSeconds) * time.Second
		if l.Burst < 1 {
			l.Burst = 1
		}
	case "fixture":
		f := cfg.Transport.Fixture
		if _, err := reservation.ParseOutcome(f.BookOutcome); err != nil {
			return fmt.Errorf("transport.fixture.book_outcome: %w", err)
		}
		if _, err := reservation.ParseConfirmOutcome(f.ConfirmOutcome); err != nil {
			return fmt.Errorf("transport.fixture.confirm_outcome: %w", err)
		}
		for _, o := range f.Script {
			if _, err := reservation.ParseOutcome(o); err != nil {
				return fmt.Errorf("transport.fixture.script: %w", err)
			}
		}
	default:
		return fmt.Errorf("transport.mode must be live or fixture (got %q)", cfg.Transport.Mode)
	}

	if (cfg.Users.HashKey == "") != (cfg.Users.BlockKey == "") {
		return errors.New("users.hash_key and users.block_key must be set together")
	}
	if cfg.Users.HashKey != "" {
		if cfg.Users.HashKeyBytes, err = decodeB64(cfg.Users.HashKey); err != nil {
			return fmt.Errorf("users.hash_key: %w", err)
		}
		if cfg.Users.BlockKeyBytes, err = decodeB64(cfg.Users.BlockKey); err != nil {
			return fmt.Errorf("users.block_key: %w", err)
		}
		switch len(cfg.Users.BlockKeyBytes) {
		case 16, 24, 32:
		default:
			return fmt.Errorf("users.block_key must decode to 16, 24 or 32 bytes (got %d)", len(cfg.Users.BlockKeyBytes))
		}
	}

	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("otel.sample_ratio must be in [0,1]")
	}
	return nil
}

func decodeB64(s string) ([]byte, error) {
	if b, err := os.ReadFile(s); err == nil {
		// allow pointing to file path for k8s secret mounts
		s = string(b)
	}
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
