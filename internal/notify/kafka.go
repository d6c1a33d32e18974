package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"orderflow/backend/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTransport publishes each notification as a JSON message keyed by its id.
type KafkaTransport struct {
	writer messageWriter
}

func NewKafkaTransport(brokers []string, topic string) (*KafkaTransport, error) {
	addrs := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			addrs = append(addrs, broker)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kafka transport requires at least one broker")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka transport requires a topic")
	}

	return &KafkaTransport{writer: &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}, nil
}

type notificationMessage struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	UserID    string         `json:"user_id,omitempty"`
	ForAdmin  bool           `json:"for_admin"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

func (t *KafkaTransport) Publish(ctx context.Context, notification domain.Notification) error {
	payload, err := json.Marshal(notificationMessage{
		ID:        notification.ID,
		Type:      notification.Type,
		Title:     notification.Title,
		Message:   notification.Message,
		UserID:    notification.UserID,
		ForAdmin:  notification.ForAdmin,
		Data:      notification.Data,
		CreatedAt: notification.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	audience := "user"
	if notification.ForAdmin {
		audience = "admin"
	}
	return t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(notification.ID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(notification.Type)},
			{Key: "audience", Value: []byte(audience)},
		},
	})
}

func (t *KafkaTransport) Close() error {
	return t.writer.Close()
}
