package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/repo"
)

const defaultWebhookTimeout = 5 * time.Second

// Sender hands one notification to a delivery channel. A nil error means the
// channel accepted it.
type Sender interface {
	Name() string
	Send(ctx context.Context, n domain.Notification) error
}

// Message is the wire form shared by every sender.
type Message struct {
	ID            string         `json:"id"`
	EventType     string         `json:"event_type"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	RecipientRole string         `json:"recipient_role,omitempty"`
	RecipientUnit *int64         `json:"recipient_unit,omitempty"`
	RecipientUser string         `json:"recipient_user,omitempty"`
	RuleID        string         `json:"rule_id,omitempty"`
	Stage         string         `json:"stage,omitempty"`
	Payload       map[string]any `json:"payload"`
	TriggeredBy   string         `json:"triggered_by,omitempty"`
	CreatedAt     string         `json:"created_at"`
	DueAt         string         `json:"due_at,omitempty"`
	Attempt       int            `json:"attempt"`
}

func NewMessage(n domain.Notification) Message {
	m := Message{
		ID:            n.ID,
		EventType:     n.EventType,
		EntityType:    n.EntityType,
		EntityID:      n.EntityID,
		RecipientRole: string(n.RecipientRole),
		RecipientUnit: n.RecipientUnit,
		RecipientUser: n.RecipientUser,
		RuleID:        n.RuleID,
		Stage:         n.Stage,
		Payload:       n.Payload,
		TriggeredBy:   n.TriggeredBy,
		CreatedAt:     repo.FormatTime(n.CreatedAt),
		Attempt:       n.Attempts + 1,
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	if n.DueAt != nil {
		m.DueAt = repo.FormatTime(*n.DueAt)
	}
	return m
}

// NewSender builds the sender selected by settings.
func NewSender(s config.SenderSettings, logger *slog.Logger) (Sender, error) {
	switch strings.ToLower(s.Kind) {
	case "", config.SenderLog:
		return LogSender{Logger: logger}, nil
	case config.SenderWebhook:
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		return &WebhookSender{URL: s.WebhookURL, Secret: s.WebhookSecret, Client: &http.Client{Timeout: timeout}}, nil
	case config.SenderRedis:
		return NewRedisSender(s.RedisAddr, s.RedisKey), nil
	case config.SenderKafka:
		return NewKafkaSender(s.KafkaBrokers, s.KafkaTopic), nil
	}
	return nil, fmt.Errorf("unknown sender %q", s.Kind)
}

// LogSender writes notifications to the log. It is the default when no
// channel is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (LogSender) Name() string { return config.SenderLog }

func (s LogSender) Send(_ context.Context, n domain.Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"component", "notify",
		"id", n.ID,
		"event", n.EventType,
		"entity", n.EntityID,
		"recipient_role", n.RecipientRole,
		"recipient_user", n.RecipientUser,
		"rule", n.RuleID,
	)
	return nil
}

// WebhookSender POSTs the message as JSON. When Secret is set the body is
// signed with HMAC-SHA256 in X-Riskline-Signature.
type WebhookSender struct {
	URL    string
	Secret string
	Client *http.Client
}

func (*WebhookSender) Name() string { return config.SenderWebhook }

func (s *WebhookSender) Send(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(NewMessage(n))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Riskline-Event", n.EventType)
	req.Header.Set("X-Riskline-Delivery", n.ID)
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Riskline-Signature", "sha256="+Sign(s.Secret, data))
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

const defaultRedisKey = "riskline:notifications"

// RedisSender appends messages to a redis list for downstream consumers.
type RedisSender struct {
	Client *redis.Client
	Key    string
}

func NewRedisSender(addr, key string) *RedisSender {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisSender{Client: redis.NewClient(&redis.Options{Addr: addr}), Key: key}
}

func (*RedisSender) Name() string { return config.SenderRedis }

func (s *RedisSender) Send(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(NewMessage(n))
	if err != nil {
		return err
	}
	if err := s.Client.RPush(ctx, s.Key, data).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", s.Key, err)
	}
	return nil
}

func (s *RedisSender) Close() error { return s.Client.Close() }

// KafkaSender publishes messages keyed by entity id so events of one entity
// stay ordered within a partition.
type KafkaSender struct {
	Writer *kafka.Writer
}

func NewKafkaSender(brokers []string, topic string) *KafkaSender {
	return &KafkaSender{Writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}}
}

func (*KafkaSender) Name() string { return config.SenderKafka }

func (s *KafkaSender) Send(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(NewMessage(n))
	if err != nil {
		return err
	}
	return s.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.EntityID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(n.EventType)},
			{Key: "delivery_id", Value: []byte(n.ID)},
		},
	})
}

func (s *KafkaSender) Close() error { return s.Writer.Close() }
