/*
Package events publishes payment state changes to downstream consumers.

PURPOSE:
  The settlement engine emits a payments.PaymentEvent after every
  committed transition (created, succeeded, failed). This package carries
  those events to a broker.

BACKENDS:
  log       zap line per event, the default for local runs
  kafka     one message per event on a topic, keyed by payment id
  rabbitmq  persistent message on a durable queue

SEE ALSO:
  - payments/ports.go: Publisher interface
  - config/config.go: EVENTS_BACKEND and broker settings
*/
package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/warp/copay-engine/payments"
)

const (
	BackendLog      = "log"
	BackendKafka    = "kafka"
	BackendRabbitMQ = "rabbitmq"
)

// Publisher is a payments.Publisher that owns a broker connection.
type Publisher interface {
	payments.Publisher
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend      string
	KafkaBrokers []string
	KafkaTopic   string
	AMQPURL      string
	AMQPQueue    string
}

// New builds the publisher named by cfg.Backend.
func New(cfg Config, logger *zap.Logger) (Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Backend) {
	case "", BackendLog:
		return NewLogPublisher(logger), nil
	case BackendKafka:
		if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopic == "" {
			return nil, fmt.Errorf("kafka backend needs brokers and a topic")
		}
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case BackendRabbitMQ:
		return DialRabbitMQ(cfg.AMQPURL, cfg.AMQPQueue)
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}

func encode(event payments.PaymentEvent) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	return body, nil
}

// =============================================================================
// LOG BACKEND
// =============================================================================

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, event payments.PaymentEvent) error {
	p.logger.Info("payment event",
		zap.String("type", string(event.Type)),
		zap.String("payment_id", string(event.PaymentID)),
		zap.String("patient_id", string(event.PatientID)),
		zap.String("status", string(event.Status)),
		zap.String("amount", event.Amount.StringFixed(2)),
		zap.String("charge_id", event.ProcessorChargeID),
		zap.String("failure_code", event.FailureCode),
		zap.Time("occurred_at", event.OccurredAt),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
