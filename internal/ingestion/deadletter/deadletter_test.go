package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/resilience"
)

func TestReasonFor(t *testing.T) {
	assert.Equal(t, ReasonValidation, ReasonFor(&apperrors.ValidationError{Field: "x"}))
	assert.Equal(t, ReasonEncoding, ReasonFor(&apperrors.EncodingError{Field: "x"}))
	assert.Equal(t, ReasonMalformed, ReasonFor(errors.New("bad json")))

	l := New(SourceKafka, "api", []byte(`{"n":"x"}`), &apperrors.EncodingError{Field: "n"})
	assert.Equal(t, ReasonEncoding, l.Reason)
	assert.Equal(t, `{"n":"x"}`, l.Payload)
	assert.False(t, l.ReceivedAt.IsZero())
}

func TestMemoryKeepsNewestFirst(t *testing.T) {
	m := NewMemory(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Record(ctx, Letter{Key: fmt.Sprint(i)}))
	}
	got, err := m.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "4", got[0].Key)
	assert.Equal(t, "2", got[2].Key)
	assert.Equal(t, int64(5), got[0].ID)

	got, err = m.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	empty, err := NewMemory(0).List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

type failingSink struct{ calls int }

func (f *failingSink) Record(context.Context, Letter) error {
	f.calls++
	return errors.New("db down")
}

func TestGuardedFallsBackAndTrips(t *testing.T) {
	primary := &failingSink{}
	fallback := NewMemory(10)
	m := metrics.New(prometheus.NewRegistry())
	cb := resilience.NewCircuitBreaker("deadletter", resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	})
	g := NewGuarded(primary, fallback, cb, m)

	for i := 0; i < 4; i++ {
		assert.NoError(t, g.Record(context.Background(), Letter{Key: fmt.Sprint(i)}))
	}
	assert.Equal(t, 2, primary.calls)
	assert.Equal(t, resilience.StateOpen, cb.GetState())
	assert.Equal(t, float64(4), testutil.ToFloat64(m.DeadLettersTotal))

	listed, err := g.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, listed, 4)
}

type capturePublisher struct{ events []kafka.Event }

func (c *capturePublisher) Publish(_ context.Context, e kafka.Event) error {
	c.events = append(c.events, e)
	return nil
}

func TestKafkaSinkPublishesLetter(t *testing.T) {
	p := &capturePublisher{}
	k := &Kafka{producer: p}
	require.NoError(t, k.Record(context.Background(), Letter{Key: "api", Reason: ReasonValidation}))
	require.Len(t, p.events, 1)
	assert.Equal(t, "api", p.events[0].Key)
	b, err := json.Marshal(p.events[0].Value)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"reason":"validation"`)
}

// TestPostgresRoundTrip needs a database; set LOGSEARCH_TEST_POSTGRES_DSN to
// run it.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("LOGSEARCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LOGSEARCH_TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	client := postgres.NewFromDB(db)
	defer client.Close()

	ctx := context.Background()
	store, err := NewPostgres(ctx, client)
	require.NoError(t, err)
	key := fmt.Sprintf("test-%d", time.Now().UnixNano())
	require.NoError(t, store.Record(ctx, New(SourceHTTP, key, []byte(`{}`), errors.New("bad"))))

	got, err := store.List(ctx, 50)
	require.NoError(t, err)
	var found bool
	for _, l := range got {
		if l.Key == key {
			found = true
			assert.Equal(t, ReasonMalformed, l.Reason)
		}
	}
	assert.True(t, found)
}
