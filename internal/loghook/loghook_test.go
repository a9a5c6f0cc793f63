package loghook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/config"
)

func hookSchema() *schema.Schema {
	return schema.MustDefine(
		schema.Field{Name: FieldTimestamp, Type: schema.Timestamp, Indexed: true, Stored: true},
		schema.Field{Name: FieldLevel, Type: schema.Keyword, Indexed: true, Stored: true},
		schema.Field{Name: FieldTarget, Type: schema.Keyword, Indexed: true, Stored: true},
		schema.Field{Name: FieldMessage, Type: schema.Text, Indexed: true, Stored: true},
		schema.Field{Name: "user_id", Type: schema.Integer, Indexed: true, Stored: true},
		schema.Field{Name: "http.status", Type: schema.Integer, Indexed: true, Stored: true},
		schema.Field{Name: "error", Type: schema.Text, Indexed: true, Stored: true},
	)
}

func ids(t *testing.T, ix *indexer.Index, q string) []document.ID {
	t.Helper()
	res, err := ix.Search(context.Background(), q)
	require.NoError(t, err)
	defer res.Close()
	out, err := res.IDs()
	require.NoError(t, err)
	return out
}

func TestRecordsBecomeSearchable(t *testing.T) {
	ix, err := indexer.Open(config.IndexConfig{}, hookSchema())
	require.NoError(t, err)
	defer ix.Close()

	hook := New(ix, Options{})
	l := slog.New(hook)
	l.Info("user logged in", "user_id", 7, "session", "not-in-schema")
	l.With("component", "api").WithGroup("http").Warn("slow request", "status", 503)
	l.Error("payment failed", "error", errors.New("card declined"))
	l.Debug("below level")
	hook.Close()
	require.NoError(t, ix.Flush(context.Background()))

	indexed, dropped, rejected := hook.Stats()
	assert.Equal(t, int64(3), indexed)
	assert.Zero(t, dropped)
	assert.Zero(t, rejected)

	assert.Len(t, ids(t, ix, "level:INFO user_id:7"), 1)
	assert.Len(t, ids(t, ix, "message:logged"), 1)
	assert.Len(t, ids(t, ix, "target:api http.status:503"), 1)
	assert.Len(t, ids(t, ix, "error:declined level:ERROR"), 1)
	assert.Empty(t, ids(t, ix, "message:below"))
	assert.Len(t, ids(t, ix, `timestamp:[* TO "`+time.Now().Add(time.Minute).UTC().Format(time.RFC3339)+`"]`), 3)
}

func TestIndexComponentsAreSkipped(t *testing.T) {
	ix, err := indexer.Open(config.IndexConfig{}, hookSchema())
	require.NoError(t, err)
	defer ix.Close()

	hook := New(ix, Options{SkipComponents: []string{"noisy"}})
	l := slog.New(hook)
	assert.False(t, l.With("component", "indexer").Enabled(context.Background(), slog.LevelError))
	l.With("component", "store").Info("segment persisted")
	l.Info("inline component", "component", "noisy")
	l.Info("kept")
	hook.Close()
	require.NoError(t, ix.Flush(context.Background()))

	assert.Len(t, ids(t, ix, "*"), 1)
	assert.Len(t, ids(t, ix, "message:kept"), 1)
}

type blockingIngester struct {
	s       *schema.Schema
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (b *blockingIngester) Schema() *schema.Schema { return b.s }

func (b *blockingIngester) Ingest(document.Document) (document.ID, error) {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n++
	return document.ID(b.n), nil
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	b := &blockingIngester{s: hookSchema(), release: make(chan struct{})}
	hook := New(b, Options{Buffer: 2})
	l := slog.New(hook)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			l.Info("burst")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("logging blocked on a full queue")
	}

	close(b.release)
	hook.Close()
	hook.Close()
	indexed, dropped, _ := hook.Stats()
	assert.Equal(t, int64(10), indexed+dropped)
	assert.Greater(t, dropped, int64(0))

	l.Info("after close")
	_, droppedAfter, _ := hook.Stats()
	assert.Equal(t, dropped+1, droppedAfter)
}
