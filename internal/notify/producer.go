// Package notify publishes recording boundary events to Kafka.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

const (
	ActionStarted = "recording_started"
	ActionStopped = "recording_stopped"
)

// Event describes one recording boundary
type Event struct {
	SessionID      string     `json:"session_id"`
	Action         string     `json:"action"`
	Engine         string     `json:"engine"`
	Experiment     int        `json:"experiment"`
	Recording      int        `json:"recording"`
	BasePath       string     `json:"base_path"`
	Containers     []string   `json:"containers"`
	ChannelCount   int        `json:"channel_count"`
	Samples        int64      `json:"samples,omitempty"`
	SkippedSamples int64      `json:"skipped_samples,omitempty"`
	Events         int64      `json:"events,omitempty"`
	Spikes         int64      `json:"spikes,omitempty"`
	StartTime      time.Time  `json:"start_time"`
	StopTime       *time.Time `json:"stop_time,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// messageWriter is the part of kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes events to one topic
type Producer struct {
	writer messageWriter
	topic  string
}

// NewProducer creates a synchronous producer for brokers (comma separated
// list accepted in each element).
func NewProducer(brokers []string, topic string) (*Producer, error) {
	addrs := splitBrokers(brokers)
	if len(addrs) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	slog.Info("Connecting to Kafka", "brokers", strings.Join(addrs, ","), "topic", topic)

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer, topic: topic}, nil
}

func splitBrokers(brokers []string) []string {
	var out []string
	for _, b := range brokers {
		for _, part := range strings.Split(b, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Publish sends one event, keyed by session so that the start and stop of
// a recording land on the same partition.
func (p *Producer) Publish(ctx context.Context, ev Event) error {
	msg, err := buildMessage(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to kafka: %w", err)
	}
	slog.Debug("Recording event published", "topic", p.topic, "action", ev.Action, "recording", ev.Recording)
	return nil
}

func buildMessage(ev Event) (kafka.Message, error) {
	if ev.SessionID == "" {
		return kafka.Message{}, errors.New("session_id is required")
	}
	if ev.Action == "" {
		return kafka.Message{}, errors.New("action is required")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	return kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(ev.Action)},
			{Key: "source", Value: []byte("kwikrec")},
		},
	}, nil
}

// Close flushes and closes the writer
func (p *Producer) Close() error {
	return p.writer.Close()
}
