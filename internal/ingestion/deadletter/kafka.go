package deadletter

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/kafka"
)

type publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Kafka forwards letters to a dead-letter topic as JSON.
type Kafka struct {
	producer publisher
}

func NewKafka(p *kafka.Producer) *Kafka {
	return &Kafka{producer: p}
}

func (k *Kafka) Record(ctx context.Context, l Letter) error {
	return k.producer.Publish(ctx, kafka.Event{Key: l.Key, Value: l})
}
