package config

import "time"

// DbSettings selects and locates the durable queue store.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=postgres spanner memory"`
	DSN  string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI  string `mapstructure:"uri" validate:"required_if=Type spanner"`
}

// OrderStoreSettings selects the durable tier behind the order cache and the
// retry discipline used for writes to it.
type OrderStoreSettings struct {
	Type         string        `mapstructure:"type" validate:"required,oneof=postgres mongo memory"`
	DSN          string        `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI          string        `mapstructure:"uri" validate:"required_if=Type mongo"`
	Database     string        `mapstructure:"database" validate:"required_if=Type mongo"`
	Collection   string        `mapstructure:"collection"`
	WriteRetries int           `mapstructure:"write_retries" validate:"gte=0,lte=10"`
	WriteBackoff time.Duration `mapstructure:"write_backoff" validate:"gte=0"`
}
