package publisher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion/deadletter"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/kafka"
)

type captureProducer struct {
	events []kafka.Event
	err    error
}

func (c *captureProducer) PublishBatch(_ context.Context, events []kafka.Event) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, events...)
	return nil
}

func TestPublisherKeysByField(t *testing.T) {
	cp := &captureProducer{}
	p := newPublisher(cp, "target")

	resp, err := p.Submit(context.Background(), []map[string]any{
		{"target": "api", "msg": "a"},
		{"target": 7.0, "msg": "b"},
		{"msg": "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusQueued, resp.Status)
	assert.Equal(t, 3, resp.Accepted)
	require.Len(t, cp.events, 3)
	assert.Equal(t, "api", cp.events[0].Key)
	assert.Equal(t, "7", cp.events[1].Key)
	assert.Equal(t, "", cp.events[2].Key)

	cp.err = errors.New("broker down")
	_, err = p.Submit(context.Background(), []map[string]any{{"msg": "d"}})
	assert.Error(t, err)
}

func openIndex(t *testing.T) *indexer.Index {
	t.Helper()
	s := schema.MustDefine(
		schema.Field{Name: "level", Type: schema.Keyword, Indexed: true, Stored: true},
		schema.Field{Name: "n", Type: schema.Integer, Indexed: true, Stored: true},
	)
	ix, err := indexer.Open(config.IndexConfig{}, s)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestDirectReportsRejectionsPerEvent(t *testing.T) {
	ix := openIndex(t)
	dl := deadletter.NewMemory(10)
	d := NewDirect(ix, dl)

	resp, err := d.Submit(context.Background(), []map[string]any{
		{"level": "INFO", "n": 1},
		{"level": "INFO", "color": "red"},
		{"n": "many"},
		{"level": "WARN"},
	})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusIndexed, resp.Status)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, []uint64{1, 2}, resp.IDs)
	require.Len(t, resp.Rejected, 2)
	assert.Equal(t, ingestion.Rejection{Index: 1, Field: "color", Reason: deadletter.ReasonValidation, Error: resp.Rejected[0].Error}, resp.Rejected[0])
	assert.Equal(t, "n", resp.Rejected[1].Field)
	assert.Equal(t, deadletter.ReasonEncoding, resp.Rejected[1].Reason)

	letters, err := dl.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, deadletter.SourceHTTP, letters[0].Source)
	assert.JSONEq(t, `{"n":"many"}`, letters[0].Payload)
}

func TestDirectFailsOnClosedIndex(t *testing.T) {
	ix := openIndex(t)
	require.NoError(t, ix.Close())
	_, err := NewDirect(ix, nil).Submit(context.Background(), []map[string]any{{"level": "INFO"}})
	assert.ErrorIs(t, err, apperrors.ErrClosed)
}
