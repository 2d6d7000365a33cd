// Package kafka publishes lifecycle transitions to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/tranvictor/txtracker"
)

const DefaultTopic = "txtracker.lifecycle"

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// eventData is the published payload.
type eventData struct {
	Action  string          `json:"action"`
	ChainID uint64          `json:"chainId"`
	Address string          `json:"address"`
	At      int64           `json:"at"`
	State   json.RawMessage `json:"state"`
}

// Publisher implements txtracker.EventSink.
type Publisher struct {
	writer messageWriter
	topic  string
}

// NewPublisher writes to topic on brokers. Messages are keyed by chain and
// address so one wallet's transitions stay ordered within a partition.
func NewPublisher(brokers []string, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireAll,
			BatchSize:              100,
			BatchTimeout:           10 * time.Millisecond,
		},
		topic: topic,
	}
}

// Publish writes event and waits for the broker acknowledgement.
func (p *Publisher) Publish(ctx context.Context, event txtracker.Event) error {
	state, err := txtracker.MarshalSnapshot(event.State)
	if err != nil {
		return fmt.Errorf("couldn't encode state: %w", err)
	}
	payload, err := json.Marshal(eventData{
		Action:  event.Action,
		ChainID: event.Context.ChainID,
		Address: event.Context.Address.Hex(),
		At:      event.At.UnixMilli(),
		State:   state,
	})
	if err != nil {
		return fmt.Errorf("couldn't encode event: %w", err)
	}

	msg := kafka.Message{Key: []byte(messageKey(event.Context)), Value: payload}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		logger.WithFields(logger.Fields{
			"topic":  p.topic,
			"action": event.Action,
			"error":  err,
		}).Warn("Kafka publish failed")
		return fmt.Errorf("kafka write error: %w", err)
	}
	return nil
}

// Close flushes pending writes and closes the connection.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func messageKey(wc txtracker.WalletContext) string {
	return strconv.FormatUint(wc.ChainID, 10) + ":" + strings.ToLower(wc.Address.Hex())
}
