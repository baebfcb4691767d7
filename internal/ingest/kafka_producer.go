package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaProducer publishes driver location reports to the location topic.
// Publishing is best-effort from the request path; the consumer worker
// mirrors the stream into Redis GEO.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ev models.LocationEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
