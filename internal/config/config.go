package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/coveredcall/pkg/gateway"
	"github.com/gregtusar/coveredcall/pkg/pricing"
	"github.com/gregtusar/coveredcall/pkg/reconcile"
	"github.com/gregtusar/coveredcall/pkg/secrets"
	"github.com/gregtusar/coveredcall/pkg/strategy"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// Empty disables the pause/resume endpoints.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type GatewayConfig struct {
	Mode           string        `mapstructure:"mode"` // "paper" or "bridge"
	URL            string        `mapstructure:"url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MessagesPerSec float64       `mapstructure:"messages_per_sec"`
	MessageBurst   int           `mapstructure:"message_burst"`
	// Paper mode fills orders as soon as a quote crosses them.
	AutoFill bool `mapstructure:"auto_fill"`
}

type TradingConfig struct {
	Symbol          string  `mapstructure:"symbol"`
	DTELow          int     `mapstructure:"dte_low"`
	DTEHigh         int     `mapstructure:"dte_high"`
	Weeks           int     `mapstructure:"weeks"`
	StrikeSteps     int     `mapstructure:"strike_steps"`
	StrikeIncrement float64 `mapstructure:"strike_increment"`
	StrikePremium   float64 `mapstructure:"strike_premium"`
	MinTheta        float64 `mapstructure:"min_theta"`
	CloseDTE        int     `mapstructure:"close_dte"`
	CloseTheta      float64 `mapstructure:"close_theta"`
}

type EngineConfig struct {
	Pricing             string        `mapstructure:"pricing"` // "ladder" or "jitter"
	Seed                int64         `mapstructure:"seed"`
	AckTimeout          time.Duration `mapstructure:"ack_timeout"`
	SettlePause         time.Duration `mapstructure:"settle_pause"`
	ExpirationTolerance time.Duration `mapstructure:"expiration_tolerance"`
	StrikeTolerance     float64       `mapstructure:"strike_tolerance"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// Load reads defaults, then an optional .env file, the YAML config file and
// COVEREDCALL_* environment variables, in increasing priority.
func Load(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("error loading env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/coveredcall-trader")
	}

	v.SetEnvPrefix("COVEREDCALL")
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

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.jwt_secret", "")

	v.SetDefault("gateway.mode", "paper")
	v.SetDefault("gateway.url", "ws://127.0.0.1:7497/bridge")
	v.SetDefault("gateway.reconnect_delay", 5*time.Second)
	v.SetDefault("gateway.max_reconnects", 10)
	v.SetDefault("gateway.request_timeout", 10*time.Second)
	v.SetDefault("gateway.messages_per_sec", 45.0)
	v.SetDefault("gateway.message_burst", 10)
	v.SetDefault("gateway.auto_fill", true)

	th := strategy.DefaultThresholdConfig("AFRM")
	v.SetDefault("trading.symbol", th.Symbol)
	v.SetDefault("trading.dte_low", 0)
	v.SetDefault("trading.dte_high", 45)
	v.SetDefault("trading.weeks", th.Weeks)
	v.SetDefault("trading.strike_steps", th.StrikeSteps)
	v.SetDefault("trading.strike_increment", th.StrikeIncrement.InexactFloat64())
	v.SetDefault("trading.strike_premium", th.StrikePremium.InexactFloat64())
	v.SetDefault("trading.min_theta", th.MinTheta.InexactFloat64())
	v.SetDefault("trading.close_dte", th.CloseDTE)
	v.SetDefault("trading.close_theta", th.CloseTheta.InexactFloat64())

	rc := reconcile.DefaultConfig()
	v.SetDefault("engine.pricing", "ladder")
	v.SetDefault("engine.seed", 0)
	v.SetDefault("engine.ack_timeout", 30*time.Second)
	v.SetDefault("engine.settle_pause", rc.SettlePause)
	v.SetDefault("engine.expiration_tolerance", rc.ExpirationTolerance)
	v.SetDefault("engine.strike_tolerance", rc.StrikeTolerance.InexactFloat64())

	v.SetDefault("database.path", "./data/journal")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.api_jwt_secret", secretNames.APIJWTSecret)
}

func overrideFromEnv(config *Config) {
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" && config.GCP.CredentialsFile == "" {
		config.GCP.CredentialsFile = creds
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	if config.Server.JWTSecret == "" {
		config.Server.JWTSecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.APIJWTSecret, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

func (c *Config) Validate() error {
	switch c.Gateway.Mode {
	case "paper", "bridge":
	default:
		return fmt.Errorf("unknown gateway mode %q", c.Gateway.Mode)
	}
	switch c.Engine.Pricing {
	case "ladder", "jitter":
	default:
		return fmt.Errorf("unknown pricing strategy %q", c.Engine.Pricing)
	}
	if c.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol is required")
	}
	if c.Trading.DTELow < 0 || c.Trading.DTELow > c.Trading.DTEHigh {
		return fmt.Errorf("invalid DTE window [%d, %d]", c.Trading.DTELow, c.Trading.DTEHigh)
	}
	return nil
}

// PricingFactory builds the per-trade price strategy named by engine.pricing.
func (c EngineConfig) PricingFactory() pricing.Factory {
	if c.Pricing == "jitter" {
		seed := c.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return pricing.JitteredFactory(seed)
	}
	return pricing.NewDeterministicLadder
}

func (c EngineConfig) Reconcile() reconcile.Config {
	return reconcile.Config{
		ExpirationTolerance: c.ExpirationTolerance,
		StrikeTolerance:     decimal.NewFromFloat(c.StrikeTolerance),
		SettlePause:         c.SettlePause,
	}
}

func (c TradingConfig) Threshold() strategy.ThresholdConfig {
	return strategy.ThresholdConfig{
		Symbol:          c.Symbol,
		Weeks:           c.Weeks,
		StrikeSteps:     c.StrikeSteps,
		StrikeIncrement: decimal.NewFromFloat(c.StrikeIncrement),
		StrikePremium:   decimal.NewFromFloat(c.StrikePremium),
		MinTheta:        decimal.NewFromFloat(c.MinTheta),
		CloseDTE:        c.CloseDTE,
		CloseTheta:      decimal.NewFromFloat(c.CloseTheta),
	}
}

func (c GatewayConfig) Bridge() gateway.BridgeConfig {
	return gateway.BridgeConfig{
		URL:            c.URL,
		ReconnectDelay: c.ReconnectDelay,
		MaxReconnects:  c.MaxReconnects,
		RequestTimeout: c.RequestTimeout,
		MessagesPerSec: c.MessagesPerSec,
		MessageBurst:   c.MessageBurst,
	}
}
