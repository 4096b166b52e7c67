package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	PayOS    PayOSConfig
	Queue    QueueConfig
	Payment  PaymentConfig
}

type ServerConfig struct {
	Port         string        `envconfig:"SERVER_PORT" default:"8080"`
	Env          string        `envconfig:"SERVER_ENV" default:"development"`
	ReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"10s"`
}

type DatabaseConfig struct {
	DSN             string        `envconfig:"DB_DSN" default:"gendercare:gendercare@tcp(localhost:3306)/gendercare?charset=utf8mb4&parseTime=True&loc=Local"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"100"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"1h"`
}

type JWTConfig struct {
	AccessSecret string `envconfig:"JWT_ACCESS_SECRET" default:"change-me-in-production"`
	Issuer       string `envconfig:"JWT_ISSUER" default:"gender-care"`
}

// PayOSConfig holds gateway credentials. The checksum key signs outbound
// create-link requests and verifies inbound webhook bodies.
type PayOSConfig struct {
	BaseURL     string `envconfig:"PAYOS_BASE_URL" default:"https://api-merchant.payos.vn"`
	ClientID    string `envconfig:"PAYOS_CLIENT_ID"`
	APIKey      string `envconfig:"PAYOS_API_KEY"`
	ChecksumKey string `envconfig:"PAYOS_CHECKSUM_KEY"`
}

// QueueConfig configures the dead-letter exchange. An empty RabbitURL
// switches the publisher to log-only mode.
type QueueConfig struct {
	RabbitURL string `envconfig:"RABBIT_URL"`
	Exchange  string `envconfig:"QUEUE_EXCHANGE" default:"payments"`
}

type PaymentConfig struct {
	AppointmentWindow  time.Duration `envconfig:"PAYMENT_APPOINTMENT_WINDOW" default:"15m"`
	ConsultationWindow time.Duration `envconfig:"PAYMENT_CONSULTATION_WINDOW" default:"10m"`
	PollTimeout        time.Duration `envconfig:"PAYMENT_POLL_TIMEOUT" default:"10s"`
	SweepInterval      time.Duration `envconfig:"PAYMENT_SWEEP_INTERVAL" default:"1m"`
	SweepBatch         int           `envconfig:"PAYMENT_SWEEP_BATCH" default:"100"`
}

func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}
