package reward

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"dustsweep/internal/observability"
)

// KafkaLedger publishes credits to a Kafka topic, keyed by consolidation id.
type KafkaLedger struct {
	topic    string
	producer sarama.SyncProducer
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// KafkaOption configures KafkaLedger.
type KafkaOption func(*KafkaLedger)

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) KafkaOption {
	return func(l *KafkaLedger) { l.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) KafkaOption {
	return func(l *KafkaLedger) { l.logger = lg }
}

var _ Ledger = (*KafkaLedger)(nil)

// ProducerConfig returns the producer settings used by NewKafkaLedger:
// acks from all in-sync replicas and an idempotent producer.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "dustsweep"
	cfg.Version = sarama.V2_1_0_0

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 10
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	// SyncProducer requires both.
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	return cfg
}

// NewKafkaLedger connects a synchronous producer to brokers.
func NewKafkaLedger(brokers []string, topic string, opts ...KafkaOption) (*KafkaLedger, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka ledger: no brokers")
	}
	producer, err := sarama.NewSyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, errors.Wrap(err, "kafka ledger: create producer")
	}
	l, err := NewKafkaLedgerWithProducer(producer, topic, opts...)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	return l, nil
}

// NewKafkaLedgerWithProducer wraps an existing producer.
func NewKafkaLedgerWithProducer(p sarama.SyncProducer, topic string, opts ...KafkaOption) (*KafkaLedger, error) {
	if topic == "" {
		return nil, errors.New("kafka ledger: topic is empty")
	}
	l := &KafkaLedger{
		topic:    topic,
		producer: p,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Credit publishes c and waits for the broker acknowledgement.
// The producer takes no context, so ctx is only checked before sending.
func (l *KafkaLedger) Credit(ctx context.Context, c Credit) (err error) {
	defer func() { l.metrics.RecordReward(err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode credit")
	}

	msg := &sarama.ProducerMessage{
		Topic:     l.topic,
		Key:       sarama.StringEncoder(c.ConsolidationID),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: c.ConfirmedAt,
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte("consolidation.confirmed")},
		},
	}
	partition, offset, err := l.producer.SendMessage(msg)
	if err != nil {
		return errors.Wrapf(err, "publish credit %s", c.ConsolidationID)
	}
	l.logger.Debug("reward credit published",
		zap.String("consolidation_id", c.ConsolidationID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close closes the producer.
func (l *KafkaLedger) Close() error {
	if l.producer != nil {
		return l.producer.Close()
	}
	return nil
}
