package config

import (
	"fmt"
	"strings"
	"time"
)

// Settings are the process-level options, resolved from flags and
// RISKLINE_* environment variables.
type Settings struct {
	Workspace  string
	DBDriver   string
	DSN        string
	PolicyFile string

	Addr             string
	BasePath         string
	JWTSecret        string
	AllowActorHeader bool

	LogLevel  string
	LogFormat string

	SweepSchedule    string
	DeliverySchedule string
	DeliveryBatch    int
	MaxAttempts      int

	Sender SenderSettings
}

type SenderSettings struct {
	Kind          string
	WebhookURL    string
	WebhookSecret string
	Timeout       time.Duration
	RedisAddr     string
	RedisKey      string
	KafkaBrokers  []string
	KafkaTopic    string
}

// Sender kinds.
const (
	SenderLog     = "log"
	SenderWebhook = "webhook"
	SenderRedis   = "redis"
	SenderKafka   = "kafka"
)

func (s Settings) Validate() error {
	switch s.DBDriver {
	case "", "sqlite":
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db driver %q", s.DBDriver)
	}
	switch strings.ToLower(s.Sender.Kind) {
	case "", SenderLog:
	case SenderWebhook:
		if s.Sender.WebhookURL == "" {
			return fmt.Errorf("webhook sender requires a url")
		}
	case SenderRedis:
		if s.Sender.RedisAddr == "" {
			return fmt.Errorf("redis sender requires an address")
		}
	case SenderKafka:
		if len(s.Sender.KafkaBrokers) == 0 || s.Sender.KafkaTopic == "" {
			return fmt.Errorf("kafka sender requires brokers and a topic")
		}
	default:
		return fmt.Errorf("unknown sender %q", s.Sender.Kind)
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must not be negative")
	}
	return nil
}
