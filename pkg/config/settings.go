package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database          DbSettings         `mapstructure:"database"`
	OrderStore        OrderStoreSettings `mapstructure:"order_store"`
	Broker            BrokerSettings     `mapstructure:"broker"`
	PollInterval      time.Duration      `mapstructure:"poll_interval" validate:"gt=0"`
	SweepInterval     time.Duration      `mapstructure:"sweep_interval" validate:"gt=0"`
	ProcessingTimeout time.Duration      `mapstructure:"processing_timeout" validate:"gt=0"` // age after which a processing item is reclaimed
	BatchSize         int                `mapstructure:"batch_size" validate:"gt=0"`
	MaxAttempts       int                `mapstructure:"max_attempts" validate:"gt=0"`
	DeadLetterTopic   string             `mapstructure:"dead_letter_topic"`
	Retry             RetrySettings      `mapstructure:"retry"`
	Pricing           PricingSettings    `mapstructure:"pricing"`
	Payment           PaymentSettings    `mapstructure:"payment"`
	Notify            NotifySettings     `mapstructure:"notify"`
	HTTP              HTTPSettings       `mapstructure:"http"`
	Observability     Observability      `mapstructure:"observability"` // Observability settings
}

// RetrySettings shape the backoff shared by durable writes and queue retries.
type RetrySettings struct {
	MaxRetries    int           `mapstructure:"max_retries" validate:"gte=0"`
	InitialDelay  time.Duration `mapstructure:"initial_delay" validate:"gt=0"`
	MaxDelay      time.Duration `mapstructure:"max_delay" validate:"gtefield=InitialDelay"`
	BackoffFactor float64       `mapstructure:"backoff_factor" validate:"gte=1"`
	Jitter        bool          `mapstructure:"jitter"`
}

type PricingSettings struct {
	TaxRate            float64 `mapstructure:"tax_rate" validate:"gte=0,lt=1"`
	FeePercent         float64 `mapstructure:"fee_percent" validate:"gte=0,lt=1"`
	FeeFixed           float64 `mapstructure:"fee_fixed" validate:"gte=0"`
	PassFeesToCustomer bool    `mapstructure:"pass_fees_to_customer"`
}

type PaymentSettings struct {
	BaseURL     string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey      string        `mapstructure:"api_key"`
	Currency    string        `mapstructure:"currency" validate:"required,len=3"`
	MaxAmount   float64       `mapstructure:"max_amount" validate:"gt=0"`
	LinkTTL     time.Duration `mapstructure:"link_ttl" validate:"gt=0"`
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
}

type NotifySettings struct {
	Topic   string        `mapstructure:"topic"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type HTTPSettings struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"` // empty leaves the admin routes open
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// LoadFromFile reads pipeline.yaml from filePath, merges the
// pipeline.<ENVIRONMENT>.yaml overlay when present and applies ORDERPIPE_*
// environment variables on top.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	setDefaults()
	viper.SetConfigType("yaml") // Set the config type to YAML
	viper.SetConfigName("pipeline")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	if err := mergeConfig(filePath, "pipeline."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	setDefaults()
	viper.AutomaticEnv()
	viper.SetEnvPrefix("ORDERPIPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like ORDERPIPE_DATABASE_TYPE

	// Keys without defaults must be bound explicitly to be seen by Unmarshal
	for _, key := range []string{
		"database.dsn",
		"database.uri",
		"order_store.dsn",
		"order_store.uri",
		"order_store.database",
		"broker.url",
		"broker.project_id",
		"dead_letter_topic",
		"payment.base_url",
		"payment.api_key",
		"http.jwt_secret",
		"observability.tracing_url",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	return viper.Unmarshal(c)
}

func setDefaults() {
	viper.SetDefault("database.type", "postgres")
	viper.SetDefault("order_store.type", "postgres")
	viper.SetDefault("order_store.collection", "orders")
	viper.SetDefault("order_store.write_retries", 3)
	viper.SetDefault("order_store.write_backoff", time.Second)
	viper.SetDefault("broker.type", "none")
	viper.SetDefault("broker.pool_size", 5)
	viper.SetDefault("broker.exchange", "orders")
	viper.SetDefault("poll_interval", 5*time.Second)
	viper.SetDefault("sweep_interval", time.Minute)
	viper.SetDefault("processing_timeout", 5*time.Minute)
	viper.SetDefault("batch_size", 10)
	viper.SetDefault("max_attempts", 3)
	viper.SetDefault("retry.max_retries", 3)
	viper.SetDefault("retry.initial_delay", time.Second)
	viper.SetDefault("retry.max_delay", 30*time.Second)
	viper.SetDefault("retry.backoff_factor", 2.0)
	viper.SetDefault("retry.jitter", true)
	viper.SetDefault("pricing.tax_rate", 0.09)
	viper.SetDefault("pricing.fee_percent", 0.029)
	viper.SetDefault("pricing.fee_fixed", 0.30)
	viper.SetDefault("pricing.pass_fees_to_customer", true)
	viper.SetDefault("payment.currency", "usd")
	viper.SetDefault("payment.max_amount", 10000.0)
	viper.SetDefault("payment.link_ttl", 24*time.Hour)
	viper.SetDefault("payment.call_timeout", 15*time.Second)
	viper.SetDefault("notify.topic", "order-notifications")
	viper.SetDefault("notify.timeout", 10*time.Second)
	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("observability.service_name", "order-pipeline")
	viper.SetDefault("observability.log_level", "info")
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
