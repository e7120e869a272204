package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LJTian/SourcePulse/internal/collector"
	"github.com/LJTian/SourcePulse/internal/ingest"
	"github.com/LJTian/SourcePulse/internal/processor"
	"github.com/LJTian/SourcePulse/internal/storage"
)

var scanStart = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return scanStart }

// memStore 同时充当数据源表、文章表与扫描记录表
type memStore struct {
	mu          sync.Mutex
	sources     []storage.Source
	listErr     error
	listCalls   int
	articles    map[string]*storage.Article
	lastScanned map[uint]time.Time
	logs        []storage.ScanLog
}

func newMemStore(sources ...storage.Source) *memStore {
	return &memStore{
		sources:     sources,
		articles:    map[string]*storage.Article{},
		lastScanned: map[uint]time.Time{},
	}
}

func (m *memStore) ListActiveSources(context.Context) ([]storage.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]storage.Source(nil), m.sources...), nil
}

func (m *memStore) InsertArticleIfAbsent(_ context.Context, a *storage.Article) (storage.InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.articles[a.URL]; ok {
		return storage.AlreadyExists, nil
	}
	m.articles[a.URL] = a
	return storage.Inserted, nil
}

func (m *memStore) UpdateSourceLastScanned(_ context.Context, id uint, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastScanned[id] = t
	return nil
}

func (m *memStore) RecordScanOutcome(_ context.Context, l *storage.ScanLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *l)
	return nil
}

func (m *memStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

// funcExtractor 按数据源 ID 返回预设结果
type funcExtractor struct {
	calls atomic.Int32
	fn    func(ctx context.Context, t collector.Target) ([]collector.RawFragment, error)
}

func (f *funcExtractor) Extract(ctx context.Context, t collector.Target) ([]collector.RawFragment, error) {
	f.calls.Add(1)
	return f.fn(ctx, t)
}

func frags(sourceID uint, n int) []collector.RawFragment {
	out := make([]collector.RawFragment, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, collector.RawFragment{
			Title: fmt.Sprintf("Headline %d from source %d", i, sourceID),
			Body:  "Solar output climbed again this week. Grid operators welcomed the strong growth.",
			URL:   fmt.Sprintf("https://example.com/%d/%d", sourceID, i),
			Kind:  collector.KindSite,
		})
	}
	return out
}

func source(id uint, last *time.Time) storage.Source {
	return storage.Source{
		ID:             id,
		Name:           fmt.Sprintf("source-%d", id),
		URL:            fmt.Sprintf("https://example.com/%d", id),
		Kind:           collector.KindSite,
		Active:         true,
		CadenceMinutes: 60,
		ResultCap:      5,
		LastScannedAt:  last,
	}
}

func newTestScheduler(t *testing.T, store *memStore, ex Extractor, opts Options) *Scheduler {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedClock
	}
	s, err := New(store, ex, processor.NewAnnotator(nil, 0, nil), ingest.NewGate(store, nil), opts, nil)
	require.NoError(t, err)
	return s
}

func TestIsDue(t *testing.T) {
	last := scanStart.Add(-time.Hour)
	src := source(1, &last)

	assert.True(t, IsDue(source(1, nil), scanStart), "never scanned")
	assert.True(t, IsDue(src, scanStart), "exactly one cadence later")
	assert.False(t, IsDue(src, scanStart.Add(-time.Nanosecond)))
	assert.True(t, IsDue(src, scanStart.Add(time.Minute)))
}

func TestNewRejectsBadTickSpec(t *testing.T) {
	_, err := New(newMemStore(), &funcExtractor{}, nil, nil, Options{TickSpec: "every now and then"}, nil)
	require.Error(t, err)
}

func TestRunOnceScansOnlyDueSources(t *testing.T) {
	recent := scanStart.Add(-10 * time.Minute)
	store := newMemStore(source(1, nil), source(2, &recent))
	ex := &funcExtractor{fn: func(_ context.Context, tg collector.Target) ([]collector.RawFragment, error) {
		return frags(tg.ID, 2), nil
	}}
	s := newTestScheduler(t, store, ex, Options{})

	sum := s.RunOnce(context.Background())

	assert.Equal(t, 2, sum.Active)
	assert.Equal(t, 1, sum.Due)
	require.Len(t, sum.Outcomes, 1)
	assert.EqualValues(t, 1, ex.calls.Load())
	assert.Equal(t, 2, sum.Outcomes[0].Processed)
	assert.Equal(t, scanStart, store.lastScanned[1])
	_, touched := store.lastScanned[2]
	assert.False(t, touched)
}

func TestRunOnceIsolatesFailingSources(t *testing.T) {
	store := newMemStore(source(1, nil), source(2, nil), source(3, nil))
	ex := &funcExtractor{fn: func(_ context.Context, tg collector.Target) ([]collector.RawFragment, error) {
		switch tg.ID {
		case 1:
			return nil, &collector.ExtractError{SourceID: tg.ID, Kind: tg.Kind, Err: errors.New("connection refused")}
		case 2:
			panic("selector exploded")
		}
		return frags(tg.ID, 3), nil
	}}
	s := newTestScheduler(t, store, ex, Options{})

	sum := s.RunOnce(context.Background())
	require.Len(t, sum.Outcomes, 3)

	bySource := map[uint]ingest.Outcome{}
	for _, o := range sum.Outcomes {
		bySource[o.SourceID] = o
	}
	assert.True(t, bySource[1].Failed())
	assert.Contains(t, bySource[1].ErrorText(), "connection refused")
	assert.True(t, bySource[2].Failed())
	assert.Contains(t, bySource[2].ErrorText(), "selector exploded")
	assert.False(t, bySource[3].Failed())
	assert.Equal(t, 3, bySource[3].Processed)

	assert.Len(t, store.logs, 3)
	assert.NotContains(t, store.lastScanned, uint(1))
	assert.NotContains(t, store.lastScanned, uint(2))
	assert.Equal(t, scanStart, store.lastScanned[3])
	assert.Zero(t, s.InFlight())
}

func TestRunOnceRespectsWorkerLimit(t *testing.T) {
	var sources []storage.Source
	for i := uint(1); i <= 6; i++ {
		sources = append(sources, source(i, nil))
	}
	store := newMemStore(sources...)

	var cur, peak atomic.Int32
	ex := &funcExtractor{fn: func(_ context.Context, tg collector.Target) ([]collector.RawFragment, error) {
		n := cur.Add(1)
		defer cur.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return frags(tg.ID, 1), nil
	}}
	s := newTestScheduler(t, store, ex, Options{Workers: 2})

	sum := s.RunOnce(context.Background())
	assert.Len(t, sum.Outcomes, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunOnceListErrorIsReported(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("db down")
	s := newTestScheduler(t, store, &funcExtractor{}, Options{})

	sum := s.RunOnce(context.Background())
	assert.Equal(t, "db down", sum.Error)
	assert.Empty(t, sum.Outcomes)
}

func TestInFlightSourceIsSkippedAndCancellable(t *testing.T) {
	store := newMemStore(source(1, nil))
	entered := make(chan struct{})
	ex := &funcExtractor{fn: func(ctx context.Context, tg collector.Target) ([]collector.RawFragment, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := newTestScheduler(t, store, ex, Options{})

	first := make(chan TickSummary, 1)
	go func() { first <- s.RunOnce(context.Background()) }()
	<-entered

	second := s.RunOnce(context.Background())
	assert.Equal(t, 1, second.Skipped)
	assert.Empty(t, second.Outcomes)

	assert.True(t, s.Cancel(1))
	sum := <-first
	require.Len(t, sum.Outcomes, 1)
	assert.True(t, sum.Outcomes[0].Failed())
	assert.False(t, sum.Outcomes[0].Advanced)
	assert.NotContains(t, store.lastScanned, uint(1))
	assert.False(t, s.Cancel(1))
}

func TestCancelledMidIngestDoesNotAdvance(t *testing.T) {
	store := newMemStore(source(1, nil))
	ctx, cancel := context.WithCancel(context.Background())
	ex := &funcExtractor{fn: func(_ context.Context, tg collector.Target) ([]collector.RawFragment, error) {
		cancel()
		return frags(tg.ID, 3), nil
	}}
	s := newTestScheduler(t, store, ex, Options{})

	sum := s.RunOnce(ctx)
	require.Len(t, sum.Outcomes, 1)
	assert.Zero(t, sum.Outcomes[0].Processed)
	assert.Contains(t, sum.Outcomes[0].ErrorText(), "scan interrupted")
	assert.NotContains(t, store.lastScanned, uint(1))
	assert.Len(t, store.logs, 1)
}

type stubLeaser struct {
	grant    bool
	denied   map[uint]bool
	err      error
	released atomic.Int32
}

func (l *stubLeaser) AcquireScanLease(_ context.Context, id uint, _ time.Duration) (string, bool, error) {
	return "token", l.grant && !l.denied[id], l.err
}

func (l *stubLeaser) ReleaseScanLease(context.Context, uint, string) error {
	l.released.Add(1)
	return nil
}

func TestLeaseHeldElsewhereSkipsScan(t *testing.T) {
	store := newMemStore(source(1, nil))
	ex := &funcExtractor{fn: func(context.Context, collector.Target) ([]collector.RawFragment, error) {
		return nil, nil
	}}
	s := newTestScheduler(t, store, ex, Options{Leaser: &stubLeaser{grant: false}})

	sum := s.RunOnce(context.Background())
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, ex.calls.Load())
	assert.Empty(t, store.logs)
}

func TestLeaseIsReleasedAfterScan(t *testing.T) {
	store := newMemStore(source(1, nil))
	ex := &funcExtractor{fn: func(_ context.Context, tg collector.Target) ([]collector.RawFragment, error) {
		return frags(tg.ID, 1), nil
	}}
	leaser := &stubLeaser{grant: true}
	s := newTestScheduler(t, store, ex, Options{Leaser: leaser})

	sum := s.RunOnce(context.Background())
	require.Len(t, sum.Outcomes, 1)
	assert.EqualValues(t, 1, leaser.released.Load())
}

func TestLeaseErrorStillScans(t *testing.T) {
	store := newMemStore(source(1, nil))
	ex := &funcExtractor{fn: func(_ context.Context, tg collector.Target) ([]collector.RawFragment, error) {
		return frags(tg.ID, 1), nil
	}}
	s := newTestScheduler(t, store, ex, Options{Leaser: &stubLeaser{err: errors.New("redis gone")}})

	sum := s.RunOnce(context.Background())
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, 1, sum.Outcomes[0].Processed)
}

func TestSkipsFromClaimAndLeaseAreCounted(t *testing.T) {
	store := newMemStore(source(1, nil), source(2, nil))
	entered := make(chan struct{})
	ex := &funcExtractor{fn: func(ctx context.Context, tg collector.Target) ([]collector.RawFragment, error) {
		if tg.ID == 2 {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return frags(tg.ID, 1), nil
	}}
	s := newTestScheduler(t, store, ex, Options{
		Workers: 2,
		Leaser:  &stubLeaser{grant: true, denied: map[uint]bool{1: true}},
	})

	first := make(chan TickSummary, 1)
	go func() { first <- s.RunOnce(context.Background()) }()
	<-entered

	second := s.RunOnce(context.Background())
	assert.Equal(t, 2, second.Due)
	assert.Equal(t, 2, second.Skipped)
	assert.Empty(t, second.Outcomes)

	require.True(t, s.Cancel(2))
	sum := <-first
	assert.Equal(t, 1, sum.Skipped)
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, uint(2), sum.Outcomes[0].SourceID)
}

func TestStopCancelsAndWaitsForManualRun(t *testing.T) {
	store := newMemStore(source(1, nil))
	entered := make(chan struct{})
	ex := &funcExtractor{fn: func(ctx context.Context, tg collector.Target) ([]collector.RawFragment, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := newTestScheduler(t, store, ex, Options{Warmup: time.Hour})
	s.Start()

	done := make(chan TickSummary, 1)
	go func() { done <- s.RunOnce(context.Background()) }()
	<-entered

	s.Stop()
	// Stop 返回时这一轮的扫描记录已经写完
	assert.Len(t, store.logs, 1)
	assert.NotContains(t, store.lastScanned, uint(1))

	select {
	case sum := <-done:
		require.Len(t, sum.Outcomes, 1)
		assert.True(t, sum.Outcomes[0].Failed())
		assert.False(t, sum.Outcomes[0].Advanced)
	case <-time.After(time.Second):
		t.Fatal("manual run did not return after Stop")
	}
}

func TestStartStopAreIdempotent(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, &funcExtractor{}, Options{Warmup: 10 * time.Millisecond})

	s.Stop()
	s.Start()
	s.Start()
	assert.True(t, s.Running())

	assert.Eventually(t, func() bool { return store.calls() == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	assert.False(t, s.Running())

	s.Start()
	assert.Eventually(t, func() bool { return store.calls() == 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestTestScanUsesSameExtractor(t *testing.T) {
	ex := &funcExtractor{fn: func(_ context.Context, tg collector.Target) ([]collector.RawFragment, error) {
		return frags(0, tg.ResultCap), nil
	}}
	store := newMemStore()
	s := newTestScheduler(t, store, ex, Options{})

	got, err := s.TestScan(context.Background(), collector.Target{URL: "https://example.com", Kind: collector.KindSite, ResultCap: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.EqualValues(t, 1, ex.calls.Load())
	assert.Empty(t, store.articles)
	assert.Empty(t, store.logs)
}

const longPara = "The council confirmed the schedule after a long public consultation that drew hundreds of comments from residents and local businesses across the district."

func newsPage() string {
	var b strings.Builder
	b.WriteString("<html><body>")
	posts := []struct{ title, body string }{
		{"City opens new transit line downtown", longPara},
		{"Short", longPara},
		{"Markets rally after rate decision", longPara},
		{"Weather warning issued for coast", "Too short body."},
		{"Library extends weekend opening hours", longPara},
	}
	for i, p := range posts {
		fmt.Fprintf(&b, `<article><h2>%s</h2><p>%s</p><a href="/news/%d">more</a></article>`, p.title, p.body, i)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func TestEndToEndScanIngestsQualifyingFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(newsPage()))
	}))
	defer srv.Close()

	src := source(7, nil)
	src.URL = srv.URL
	src.ResultCap = 3
	store := newMemStore(src)
	ex := collector.NewExtractor(nil, collector.Options{FetchTimeout: 5 * time.Second, Now: fixedClock}, nil)
	s := newTestScheduler(t, store, ex, Options{})

	sum := s.RunOnce(context.Background())
	require.Len(t, sum.Outcomes, 1)
	out := sum.Outcomes[0]
	assert.False(t, out.Failed(), out.ErrorText())
	assert.Equal(t, 3, out.Found)
	assert.Equal(t, 3, out.Processed)
	assert.True(t, out.Advanced)
	assert.Equal(t, scanStart, store.lastScanned[7])

	require.Len(t, store.articles, 3)
	for _, path := range []string{"/news/0", "/news/2", "/news/4"} {
		a, ok := store.articles[srv.URL+path]
		require.True(t, ok, path)
		assert.Equal(t, processor.AnnotatedByLocal, a.ExtraData["annotated_by"])
		assert.NotEmpty(t, a.Summary)
	}

	// 第二次扫描：URL 已存在，只计重复
	store.sources[0].LastScannedAt = nil
	again := s.RunOnce(context.Background())
	require.Len(t, again.Outcomes, 1)
	assert.Equal(t, 3, again.Outcomes[0].Duplicates)
	assert.Zero(t, again.Outcomes[0].Processed)
	assert.Len(t, store.articles, 3)
}
