package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/LJTian/SourcePulse/internal/logger"
	"github.com/LJTian/SourcePulse/internal/processor"
	"github.com/LJTian/SourcePulse/internal/storage"
)

// Store 入库闸门依赖的存储能力
type Store interface {
	InsertArticleIfAbsent(ctx context.Context, a *storage.Article) (storage.InsertResult, error)
	UpdateSourceLastScanned(ctx context.Context, id uint, t time.Time) error
	RecordScanOutcome(ctx context.Context, l *storage.ScanLog) error
}

// Outcome 一次扫描的汇总结果
type Outcome struct {
	ID         string
	SourceID   uint
	StartedAt  time.Time
	Found      int
	Processed  int
	Duplicates int
	Errors     []string
	Duration   time.Duration
	// Advanced 是否推进了 LastScannedAt
	Advanced bool
}

// Failed 扫描是否出现过任何错误
func (o Outcome) Failed() bool {
	return len(o.Errors) > 0
}

func (o Outcome) ErrorText() string {
	return strings.Join(o.Errors, "; ")
}

// Gate 保证同一 URL 只入库一次，并在扫描结束时写一条扫描记录
type Gate struct {
	store Store
	now   func() time.Time
	log   *zap.SugaredLogger
}

func NewGate(store Store, log *zap.SugaredLogger) *Gate {
	return &Gate{store: store, now: time.Now, log: logger.OrNop(log)}
}

// Begin 开始一次扫描；startedAt 会在成功结束时写回 LastScannedAt
func (g *Gate) Begin(sourceID uint, startedAt time.Time) *Scan {
	return &Scan{gate: g, outcome: Outcome{ID: uuid.NewString(), SourceID: sourceID, StartedAt: startedAt}}
}

// Scan 单个数据源的一次扫描，同一时刻只被一个任务使用
type Scan struct {
	gate *Gate

	mu       sync.Mutex
	outcome  Outcome
	finished bool
}

func (s *Scan) SetFound(n int) {
	s.mu.Lock()
	s.outcome.Found = n
	s.mu.Unlock()
}

// Ingest 写入一条片段；重复 URL 不算错误，其他存储错误记录后继续
func (s *Scan) Ingest(ctx context.Context, f processor.AnnotatedFragment) storage.InsertResult {
	res, err := s.gate.store.InsertArticleIfAbsent(ctx, ArticleFromFragment(s.outcome.SourceID, f))

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err != nil:
		s.outcome.Errors = append(s.outcome.Errors, fmt.Sprintf("ingest %s: %v", f.URL, err))
	case res == storage.AlreadyExists:
		s.outcome.Duplicates++
	default:
		s.outcome.Processed++
	}
	return res
}

// Fail 记录一个与具体片段无关的错误（例如抓取失败）
func (s *Scan) Fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.outcome.Errors = append(s.outcome.Errors, err.Error())
	s.mu.Unlock()
}

// Finish 写扫描记录，advance 为 true 时把 LastScannedAt 推进到扫描开始时间。
// 写入使用不可取消的 context，进程退出时也不会留下半条记录。只生效一次。
func (s *Scan) Finish(ctx context.Context, advance bool) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return s.outcome
	}
	s.finished = true

	writeCtx := context.WithoutCancel(ctx)
	o := &s.outcome
	if advance {
		if err := s.gate.store.UpdateSourceLastScanned(writeCtx, o.SourceID, o.StartedAt); err != nil {
			o.Errors = append(o.Errors, fmt.Sprintf("update last scanned: %v", err))
		} else {
			o.Advanced = true
		}
	}
	o.Duration = s.gate.now().Sub(o.StartedAt)
	if o.Duration < 0 {
		o.Duration = 0
	}

	l := &storage.ScanLog{
		ID:         o.ID,
		SourceID:   o.SourceID,
		StartedAt:  o.StartedAt,
		Found:      o.Found,
		Processed:  o.Processed,
		Duplicates: o.Duplicates,
		Error:      o.ErrorText(),
		DurationMS: o.Duration.Milliseconds(),
	}
	if err := s.gate.store.RecordScanOutcome(writeCtx, l); err != nil {
		s.gate.log.Errorw("record scan outcome failed", "sourceId", o.SourceID, "error", err)
	}
	return *o
}

// ArticleFromFragment 把标注后的片段转成存储层的文章
func ArticleFromFragment(sourceID uint, f processor.AnnotatedFragment) *storage.Article {
	id := f.ID
	if id == "" {
		id = processor.HashURL(f.URL)
	}
	return &storage.Article{
		ID:          id,
		SourceID:    sourceID,
		Title:       f.Title,
		URL:         f.URL,
		Body:        f.Body,
		Summary:     f.Summary,
		Sentiment:   f.Sentiment,
		Keywords:    datatypes.NewJSONSlice(append([]string{}, f.Keywords...)),
		Author:      f.Author,
		PublishedAt: f.PublishedAt,
		ExtraData: datatypes.JSONMap{
			"kind":         string(f.Kind),
			"annotated_by": f.AnnotatedBy,
		},
	}
}
