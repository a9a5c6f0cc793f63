// Command logship reads newline-delimited JSON log events from files or
// stdin and publishes them to the logsearch Kafka topic.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/logger"
)

// publisher is the part of *kafka.Producer the shipper uses.
type publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

type shipStats struct {
	lines   int
	shipped int
	skipped int
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	batchSize := flag.Int("batch", 100, "events per kafka write")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topic)
	defer producer.Close()

	inputs := flag.Args()
	if len(inputs) == 0 {
		inputs = []string{"-"}
	}
	var total shipStats
	for _, name := range inputs {
		st, err := shipFile(ctx, producer, name, cfg.Kafka.KeyField, *batchSize)
		total.lines += st.lines
		total.shipped += st.shipped
		total.skipped += st.skipped
		if err != nil {
			slog.Error("shipping failed", "input", name, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("shipping complete",
		"topic", cfg.Kafka.Topic,
		"lines", total.lines,
		"shipped", total.shipped,
		"skipped", total.skipped,
	)
}

func shipFile(ctx context.Context, p publisher, name, keyField string, batchSize int) (shipStats, error) {
	if name == "-" {
		return ship(ctx, p, os.Stdin, keyField, batchSize)
	}
	f, err := os.Open(name)
	if err != nil {
		return shipStats{}, fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()
	return ship(ctx, p, f, keyField, batchSize)
}

// ship publishes every JSON object line of r. Blank lines are ignored and
// lines that are not JSON objects are logged and skipped.
func ship(ctx context.Context, p publisher, r io.Reader, keyField string, batchSize int) (shipStats, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	var st shipStats
	batch := make([]kafka.Event, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.PublishBatch(ctx, batch); err != nil {
			return err
		}
		st.shipped += len(batch)
		batch = batch[:0]
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		st.lines++
		event, err := kafka.DecodeJSON[map[string]any]([]byte(line))
		if err != nil || event == nil {
			st.skipped++
			slog.Warn("skipping line that is not a JSON object", "line", st.lines, "error", err)
			continue
		}
		batch = append(batch, kafka.Event{Key: eventKey(event, keyField), Value: json.RawMessage(line)})
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return st, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("reading input: %w", err)
	}
	return st, flush()
}

func eventKey(event map[string]any, keyField string) string {
	if keyField == "" {
		return ""
	}
	switch v := event[keyField].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
