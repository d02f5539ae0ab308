package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	JWT         JWTConfig       `mapstructure:"jwt"`
	Policy      PolicyConfig    `mapstructure:"policy"`
	Meeting     MeetingConfig   `mapstructure:"meeting"`
	Email       EmailConfig     `mapstructure:"email"`
	Worker      WorkerConfig    `mapstructure:"worker"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host" envconfig:"DB_HOST"`
	Port     int    `mapstructure:"port" envconfig:"DB_PORT"`
	User     string `mapstructure:"user" envconfig:"DB_USER"`
	Password string `mapstructure:"password" envconfig:"DB_PASSWORD"`
	Name     string `mapstructure:"name" envconfig:"DB_NAME"`
	SSLMode  string `mapstructure:"sslmode" envconfig:"DB_SSLMODE"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url" envconfig:"REDIS_URL"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret" envconfig:"JWT_SECRET"`
}

// PolicyConfig holds the payer/scheduling business thresholds. These are
// product-owned numbers; the defaults mirror current policy but every one
// is overridable per environment.
type PolicyConfig struct {
	HorizonDays       int           `mapstructure:"horizon_days"`
	MinLeadHours      int           `mapstructure:"min_lead_hours"`
	LowTrustLeadDays  int           `mapstructure:"low_trust_lead_days"`
	LeadMonths        int           `mapstructure:"lead_months"`
	LeadLimit         int           `mapstructure:"lead_limit"`
	PerMonthLimit     int           `mapstructure:"per_month_limit"`
	OverbookingFactor float64       `mapstructure:"overbooking_factor"`
	BufferNudge       float64       `mapstructure:"buffer_nudge"`
	LastMinuteWindow  time.Duration `mapstructure:"last_minute_window"`
	CapacityWindow    time.Duration `mapstructure:"capacity_window"`
}

type MeetingConfig struct {
	BaseURL         string        `mapstructure:"base_url" envconfig:"MEETING_BASE_URL"`
	APIKey          string        `mapstructure:"api_key" envconfig:"MEETING_API_KEY"`
	WaitingRoomBase string        `mapstructure:"waiting_room_base"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type EmailConfig struct {
	Host     string `mapstructure:"host" envconfig:"SMTP_HOST"`
	Port     int    `mapstructure:"port" envconfig:"SMTP_PORT"`
	Username string `mapstructure:"username" envconfig:"SMTP_USERNAME"`
	Password string `mapstructure:"password" envconfig:"SMTP_PASSWORD"`
	From     string `mapstructure:"from" envconfig:"SMTP_FROM"`
}

type WorkerConfig struct {
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	TerminationWindowDays int           `mapstructure:"termination_window_days"`
	VacancyLookaheadFrom  time.Duration `mapstructure:"vacancy_lookahead_from"`
	VacancyLookaheadTo    time.Duration `mapstructure:"vacancy_lookahead_to"`
	MaxInFlight           int           `mapstructure:"max_in_flight"`
	PacePerSecond         float64       `mapstructure:"pace_per_second"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

func setDefaults() {
	viper.SetDefault("environment", "production")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("policy.horizon_days", 90)
	viper.SetDefault("policy.min_lead_hours", 1)
	viper.SetDefault("policy.low_trust_lead_days", 3)
	viper.SetDefault("policy.lead_months", 2)
	viper.SetDefault("policy.lead_limit", 5)
	viper.SetDefault("policy.per_month_limit", 1)
	viper.SetDefault("policy.overbooking_factor", 1.0)
	viper.SetDefault("policy.buffer_nudge", 0.1)
	viper.SetDefault("policy.last_minute_window", 4*time.Hour)
	viper.SetDefault("policy.capacity_window", 30*24*time.Hour)
	viper.SetDefault("meeting.waiting_room_base", "https://visit.example.com/waiting")
	viper.SetDefault("meeting.timeout", 10*time.Second)
	viper.SetDefault("worker.sweep_interval", 15*time.Minute)
	viper.SetDefault("worker.termination_window_days", 7)
	viper.SetDefault("worker.vacancy_lookahead_from", time.Hour)
	viper.SetDefault("worker.vacancy_lookahead_to", 2*time.Hour)
	viper.SetDefault("worker.max_in_flight", 20)
	viper.SetDefault("worker.pace_per_second", 5)
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_second", 50)
	viper.SetDefault("rate_limit.burst", 100)
}

// LoadConfig reads config.yaml and overlays environment variables for the
// secret-bearing sections.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("", &cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to process database env: %w", err)
	}
	if err := envconfig.Process("", &cfg.Redis); err != nil {
		return nil, fmt.Errorf("failed to process redis env: %w", err)
	}
	if err := envconfig.Process("", &cfg.Meeting); err != nil {
		return nil, fmt.Errorf("failed to process meeting env: %w", err)
	}
	if err := envconfig.Process("", &cfg.JWT); err != nil {
		return nil, fmt.Errorf("failed to process jwt env: %w", err)
	}
	if err := envconfig.Process("", &cfg.Email); err != nil {
		return nil, fmt.Errorf("failed to process email env: %w", err)
	}

	return &cfg, nil
}

// EffectiveOverbookingFactor applies the non-production easing and the
// optional caller-requested buffer nudge.
func (c *Config) EffectiveOverbookingFactor(withBuffer bool) float64 {
	factor := c.Policy.OverbookingFactor
	if c.Environment != "production" {
		factor += 0.5
	}
	if withBuffer {
		factor += c.Policy.BufferNudge
	}
	return factor
}
