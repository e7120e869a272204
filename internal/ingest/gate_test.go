package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LJTian/SourcePulse/internal/collector"
	"github.com/LJTian/SourcePulse/internal/processor"
	"github.com/LJTian/SourcePulse/internal/storage"
)

type memStore struct {
	mu          sync.Mutex
	articles    map[string]*storage.Article
	failURLs    map[string]error
	lastScanned map[uint]time.Time
	logs        []storage.ScanLog
	updateErr   error
	ctxErrs     []error
}

func newMemStore() *memStore {
	return &memStore{
		articles:    map[string]*storage.Article{},
		failURLs:    map[string]error{},
		lastScanned: map[uint]time.Time{},
	}
}

func (m *memStore) InsertArticleIfAbsent(_ context.Context, a *storage.Article) (storage.InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failURLs[a.URL]; err != nil {
		return storage.Inserted, err
	}
	if _, ok := m.articles[a.URL]; ok {
		return storage.AlreadyExists, nil
	}
	m.articles[a.URL] = a
	return storage.Inserted, nil
}

func (m *memStore) UpdateSourceLastScanned(ctx context.Context, id uint, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if m.updateErr != nil {
		return m.updateErr
	}
	m.lastScanned[id] = t
	return nil
}

func (m *memStore) RecordScanOutcome(ctx context.Context, l *storage.ScanLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	m.logs = append(m.logs, *l)
	return nil
}

func fragment(url string) processor.AnnotatedFragment {
	return processor.AnnotatedFragment{
		RawFragment: collector.RawFragment{Title: "t " + url, Body: "b", URL: url, Kind: collector.KindSite},
		ID:          processor.HashURL(url),
		Sentiment:   processor.SentimentNeutral,
		Keywords:    []string{"solar"},
		AnnotatedBy: processor.AnnotatedByLocal,
	}
}

func TestIngestIsIdempotentPerURL(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, nil)
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	scan := gate.Begin(1, started)
	assert.Equal(t, storage.Inserted, scan.Ingest(ctx, fragment("https://example.com/a")))
	assert.Equal(t, storage.AlreadyExists, scan.Ingest(ctx, fragment("https://example.com/a")))
	out := scan.Finish(ctx, true)

	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, 1, out.Duplicates)
	assert.Empty(t, out.Errors)
	assert.Len(t, store.articles, 1)

	// 第二次扫描同一 URL：不新增、不报错
	again := gate.Begin(1, started.Add(time.Hour))
	again.Ingest(ctx, fragment("https://example.com/a"))
	out = again.Finish(ctx, true)
	assert.Equal(t, 0, out.Processed)
	assert.Equal(t, 1, out.Duplicates)
	assert.False(t, out.Failed())
	assert.Len(t, store.articles, 1)
}

func TestIngestIsolatesFragmentErrors(t *testing.T) {
	store := newMemStore()
	store.failURLs["https://example.com/bad"] = errors.New("value too long")
	gate := NewGate(store, nil)
	ctx := context.Background()

	scan := gate.Begin(2, time.Now())
	scan.SetFound(3)
	scan.Ingest(ctx, fragment("https://example.com/1"))
	scan.Ingest(ctx, fragment("https://example.com/bad"))
	scan.Ingest(ctx, fragment("https://example.com/2"))
	out := scan.Finish(ctx, true)

	assert.Equal(t, 3, out.Found)
	assert.Equal(t, 2, out.Processed)
	require.Len(t, out.Errors, 1)
	assert.Contains(t, out.Errors[0], "value too long")
	assert.True(t, out.Advanced)

	require.Len(t, store.logs, 1)
	assert.Contains(t, store.logs[0].Error, "https://example.com/bad")
}

func TestFinishAdvancesToScanStart(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, nil)
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	gate.now = func() time.Time { return started.Add(1500 * time.Millisecond) }

	out := gate.Begin(3, started).Finish(context.Background(), true)
	assert.Equal(t, started, store.lastScanned[3])
	assert.Equal(t, 1500*time.Millisecond, out.Duration)
	require.Len(t, store.logs, 1)
	assert.Equal(t, int64(1500), store.logs[0].DurationMS)
	assert.Equal(t, out.ID, store.logs[0].ID)
}

func TestFinishWithoutAdvance(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, nil)

	scan := gate.Begin(4, time.Now())
	scan.Fail(errors.New("extract source 4: timeout"))
	out := scan.Finish(context.Background(), false)

	_, touched := store.lastScanned[4]
	assert.False(t, touched)
	assert.False(t, out.Advanced)
	assert.Equal(t, "extract source 4: timeout", out.ErrorText())
	require.Len(t, store.logs, 1)
}

func TestFinishWritesOnceEvenWhenCancelled(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scan := gate.Begin(5, time.Now())
	scan.Finish(ctx, true)
	scan.Finish(ctx, true)

	assert.Len(t, store.logs, 1)
	for _, err := range store.ctxErrs {
		assert.NoError(t, err, "outcome writes must not observe cancellation")
	}
}

func TestFinishRecordsLastScannedFailure(t *testing.T) {
	store := newMemStore()
	store.updateErr = errors.New("db down")
	out := NewGate(store, nil).Begin(6, time.Now()).Finish(context.Background(), true)

	assert.False(t, out.Advanced)
	assert.Contains(t, out.ErrorText(), "db down")
}

func TestArticleFromFragment(t *testing.T) {
	f := fragment("https://example.com/x")
	f.Author = "Jane"
	a := ArticleFromFragment(9, f)

	assert.Equal(t, processor.HashURL(f.URL), a.ID)
	assert.Equal(t, uint(9), a.SourceID)
	assert.Equal(t, "Jane", a.Author)
	assert.Equal(t, []string{"solar"}, []string(a.Keywords))
	assert.Equal(t, "site", a.ExtraData["kind"])
	assert.Equal(t, "local", a.ExtraData["annotated_by"])
}
