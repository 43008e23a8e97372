package relay

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/IBM/sarama"

	"github.com/mirkobrombin/go-mural/v1/eventbus"
)

// KafkaSink produces events to a Kafka topic. Messages are keyed by
// canvas ID so every event of a canvas lands on the same partition and
// keeps its order.
type KafkaSink struct {
	client    sarama.Client
	producer  sarama.SyncProducer
	topic     string
	published uint64
}

// NewKafkaSink connects to the given brokers. A nil config selects
// sane defaults.
func NewKafkaSink(brokers []string, topic string, config *sarama.Config) (*KafkaSink, error) {
	if config == nil {
		config = sarama.NewConfig()
	}
	config.Producer.Return.Successes = true

	client, err := sarama.NewClient(brokers, config)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &KafkaSink{
		client:   client,
		producer: producer,
		topic:    topic,
	}, nil
}

// Publish implements Sink.Publish.
func (s *KafkaSink) Publish(ctx context.Context, ev eventbus.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(ev.Canvas),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return err
	}
	atomic.AddUint64(&s.published, 1)
	return nil
}

// Close implements Sink.Close.
func (s *KafkaSink) Close() error {
	err := s.producer.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// Published returns the number of events published so far.
func (s *KafkaSink) Published() uint64 {
	return atomic.LoadUint64(&s.published)
}
