package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Brokers pings a Kafka cluster through any one of its seed brokers.
type Brokers []string

// Ping dials the seed brokers in order and asks the first one that answers
// for cluster metadata. It fails only when none of them can be reached.
func (b Brokers) Ping(ctx context.Context) error {
	if len(b) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	var errs []error
	for _, addr := range b {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("dialing %s: %w", addr, err))
			continue
		}
		_, err = conn.Brokers()
		conn.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("reading metadata from %s: %w", addr, err))
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}
