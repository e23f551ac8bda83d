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
	"net/http"
	"strings"
	"time"

	"EPaymentGateway/internal/models"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes events keyed by merchant id so one merchant's
// events stay on one partition.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		topic: topic,
	}
}

func (k *KafkaNotifier) Notify(ctx context.Context, ev Event) error {
	v, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.MerchantID),
		Value: v,
		Time:  ev.OccurredAt,
	})
}

func (k *KafkaNotifier) Close() error { return k.writer.Close() }

// MerchantLookup resolves a merchant's webhook URL.
type MerchantLookup interface {
	GetMerchant(ctx context.Context, merchantID string) (*models.Merchant, error)
}

// WebhookNotifier POSTs events to the merchant's webhook URL with an
// X-Signature header holding hex(HMAC-SHA256(secret, body)).
type WebhookNotifier struct {
	Merchants MerchantLookup
	Secret    []byte
	Client    *http.Client
	Logger    *zap.Logger
}

func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	m, err := w.Merchants.GetMerchant(ctx, ev.MerchantID)
	if err != nil {
		return err
	}
	if m.WebhookURL == nil || strings.TrimSpace(*m.WebhookURL) == "" {
		if w.Logger != nil {
			w.Logger.Debug("merchant has no webhook url; notification dropped", zap.String("merchant_id", ev.MerchantID))
		}
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *m.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(w.Secret, body))
	req.Header.Set("X-Notification-Id", fmt.Sprintf("%d", ev.NotificationID))

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", ev.OrderID, resp.StatusCode)
	}
	return nil
}

// LogNotifier only logs events. Used when no transport is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, ev Event) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger.Info("order status notification",
		zap.Int64("notification_id", ev.NotificationID),
		zap.String("merchant_id", ev.MerchantID),
		zap.String("order_id", ev.OrderID),
		zap.String("status", string(ev.Status)),
	)
	return nil
}
