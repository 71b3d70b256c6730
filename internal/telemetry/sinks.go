package telemetry

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/util"
)

// LogSink writes events to the structured logger
type LogSink struct {
	log *zap.SugaredLogger
}

// NewLogSink creates a sink logging under the "event" component
func NewLogSink() *LogSink {
	return &LogSink{log: util.Named("event")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Handle(e Event) {
	kv := make([]interface{}, 0, 2+2*len(e.Fields))
	kv = append(kv, "kind", string(e.Kind))
	for k, v := range e.Fields {
		kv = append(kv, k, v)
	}
	switch e.Severity {
	case SeverityDebug:
		s.log.Debugw(e.Message, kv...)
	case SeverityInfo:
		s.log.Infow(e.Message, kv...)
	case SeverityWarn:
		s.log.Warnw(e.Message, kv...)
	default:
		s.log.Errorw(e.Message, kv...)
	}
}

// KafkaSink publishes events as JSON to a topic, keyed by kind
type KafkaSink struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewKafkaSink creates an async writer for the configured brokers
func NewKafkaSink(cfg *config.KafkaConfig) *KafkaSink {
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 100 * time.Millisecond
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			BatchSize:    100,
			BatchTimeout: batch,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				util.Warnf("Kafka: "+msg, args...)
			}),
		},
		timeout: 5 * time.Second,
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Handle(e Event) {
	msg, err := EncodeKafka(e)
	if err != nil {
		util.Warnf("Failed to encode event for Kafka: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		util.Warnf("Failed to publish event to Kafka: %v", err)
	}
}

// Close flushes pending messages
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// EncodeKafka renders an event as a Kafka message
func EncodeKafka(e Event) (kafka.Message, error) {
	data, err := sonic.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.Kind),
		Value: data,
		Time:  e.Time,
	}, nil
}
