package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/fundingdesk/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ErrMissingCredentials is returned when the Bitfinex API key or secret is empty.
var ErrMissingCredentials = errors.New("BFX_API_KEY and BFX_API_SECRET must be set")

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Bitfinex BitfinexConfig `mapstructure:"bitfinex"`
	Funding  FundingConfig  `mapstructure:"funding"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Auth            AuthConfig    `mapstructure:"auth"`
}

// AuthConfig guards the HTTP API. Auth is off when JWTSecret is empty.
type AuthConfig struct {
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type BitfinexConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`

	WebSocketURL string `mapstructure:"websocket_url"`
	RESTURL      string `mapstructure:"rest_url"`
	PublicURL    string `mapstructure:"public_url"`

	IncludeWallet  bool          `mapstructure:"include_wallet"`
	PreflightCheck bool          `mapstructure:"preflight_check"`
	FrameTimeout   time.Duration `mapstructure:"frame_timeout"`
	AuthTimeout    time.Duration `mapstructure:"auth_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	Retry     RetryConfig     `mapstructure:"retry"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RetryConfig struct {
	MaxAttempts     uint          `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

type FundingConfig struct {
	FrameBudget  int  `mapstructure:"frame_budget"`
	BorrowerOnly bool `mapstructure:"borrower_only"`
	KeepAlive    bool `mapstructure:"keep_alive"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/fundingd")
	}

	v.SetEnvPrefix("FUNDING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.auth.username", "")
	v.SetDefault("server.auth.password", "")
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.token_ttl", "12h")

	v.SetDefault("bitfinex.api_key", "")
	v.SetDefault("bitfinex.api_secret", "")
	v.SetDefault("bitfinex.websocket_url", "wss://api-pub.bitfinex.com/ws/2")
	v.SetDefault("bitfinex.rest_url", "https://api.bitfinex.com/v2")
	v.SetDefault("bitfinex.public_url", "https://api-pub.bitfinex.com/v2")
	v.SetDefault("bitfinex.include_wallet", false)
	v.SetDefault("bitfinex.preflight_check", true)
	v.SetDefault("bitfinex.frame_timeout", "20s")
	v.SetDefault("bitfinex.auth_timeout", "15s")
	v.SetDefault("bitfinex.request_timeout", "10s")
	v.SetDefault("bitfinex.retry.max_attempts", 3)
	v.SetDefault("bitfinex.retry.initial_interval", "1s")
	v.SetDefault("bitfinex.retry.max_interval", "4s")
	v.SetDefault("bitfinex.rate_limit.requests_per_minute", 60)
	v.SetDefault("bitfinex.rate_limit.burst", 5)

	v.SetDefault("funding.frame_budget", 10)
	v.SetDefault("funding.borrower_only", true)
	v.SetDefault("funding.keep_alive", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.api_key", secretNames.APIKey)
	v.SetDefault("gcp.secret_names.api_secret", secretNames.APISecret)
	v.SetDefault("gcp.secret_names.jwt_secret", secretNames.JWTSecret)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("BFX_API_KEY"); apiKey != "" {
		config.Bitfinex.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BFX_API_SECRET"); apiSecret != "" {
		config.Bitfinex.APISecret = apiSecret
	}
	if jwtSecret := os.Getenv("FUNDING_JWT_SECRET"); jwtSecret != "" {
		config.Server.Auth.JWTSecret = jwtSecret
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// Validate checks the settings the exchange client cannot run without.
func (c *Config) Validate() error {
	if c.Bitfinex.APIKey == "" || c.Bitfinex.APISecret == "" {
		return ErrMissingCredentials
	}
	if c.Funding.FrameBudget <= 0 {
		return fmt.Errorf("funding.frame_budget must be positive, got %d", c.Funding.FrameBudget)
	}
	if c.Bitfinex.Retry.MaxAttempts == 0 {
		return fmt.Errorf("bitfinex.retry.max_attempts must be positive")
	}
	if c.Server.Auth.JWTSecret != "" && (c.Server.Auth.Username == "" || c.Server.Auth.Password == "") {
		return fmt.Errorf("server.auth.username and server.auth.password are required when a JWT secret is set")
	}
	return nil
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	applySecrets(ctx, config, secretManager)

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// applySecrets fills only the credentials not already set by file or env.
func applySecrets(ctx context.Context, config *Config, store secrets.Store) {
	if config.Bitfinex.APIKey == "" {
		config.Bitfinex.APIKey = store.GetSecretWithDefault(ctx, config.GCP.SecretNames.APIKey, "")
	}
	if config.Bitfinex.APISecret == "" {
		config.Bitfinex.APISecret = store.GetSecretWithDefault(ctx, config.GCP.SecretNames.APISecret, "")
	}
	if config.Server.Auth.JWTSecret == "" {
		config.Server.Auth.JWTSecret = store.GetSecretWithDefault(ctx, config.GCP.SecretNames.JWTSecret, "")
	}
}
