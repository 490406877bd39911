// Package publisher sends session summaries to Kafka.
package publisher

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/stackprof/internal/metrics"
	"github.com/getsentry/stackprof/internal/session"
)

const (
	maxFunctions        = 100
	maxExamplesPerFrame = 1
)

type (
	// Writer is the part of kafka.Writer the publisher needs.
	Writer interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// SessionKafkaMessage is the summary of a session we send to Kafka.
	SessionKafkaMessage struct {
		ID          string                    `json:"session_id"`
		Program     string                    `json:"program"`
		Contexts    []string                  `json:"contexts"`
		Duration    float64                   `json:"duration"`
		Interval    float64                   `json:"interval"`
		SampleCount int                       `json:"sample_count"`
		Timestamp   int64                     `json:"timestamp"`
		Functions   []metrics.FunctionMetrics `json:"functions"`
	}

	Publisher struct {
		writer Writer
		topic  string
	}
)

// NewWriter returns a Kafka writer configured like every producer of the
// service.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Async:        true,
		Balancer:     kafka.CRC32Balancer{},
		BatchSize:    10,
		Compression:  kafka.Lz4,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func New(w Writer, topic string) *Publisher {
	return &Publisher{writer: w, topic: topic}
}

func buildSessionKafkaMessage(s *session.Session) SessionKafkaMessage {
	ma := metrics.NewAggregator(maxFunctions, maxExamplesPerFrame)
	ma.AddSession(s)
	contexts := make([]string, 0, len(s.Roots))
	for _, r := range s.Roots {
		contexts = append(contexts, r.Frame.Function)
	}
	return SessionKafkaMessage{
		ID:          s.ID,
		Program:     s.Program,
		Contexts:    contexts,
		Duration:    s.Duration,
		Interval:    s.Interval,
		SampleCount: s.SampleCount,
		Timestamp:   s.StartTime.Time().Unix(),
		Functions:   ma.ToMetrics(),
	}
}

// Publish sends the summary of the session, keyed by its id.
func (p *Publisher) Publish(ctx context.Context, s *session.Session) error {
	b, err := json.Marshal(buildSessionKafkaMessage(s))
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(s.ID),
		Value: b,
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
