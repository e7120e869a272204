package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LJTian/SourcePulse/internal/collector"
	"github.com/LJTian/SourcePulse/internal/ingest"
	"github.com/LJTian/SourcePulse/internal/logger"
	"github.com/LJTian/SourcePulse/internal/metrics"
	"github.com/LJTian/SourcePulse/internal/processor"
	"github.com/LJTian/SourcePulse/internal/storage"
)

const (
	DefaultTickSpec = "@every 15m"
	DefaultWarmup   = 15 * time.Second
	DefaultWorkers  = 3
	defaultLeaseTTL = 10 * time.Minute
)

// SourceStore 调度器读取数据源
type SourceStore interface {
	ListActiveSources(ctx context.Context) ([]storage.Source, error)
}

// Leaser 多实例部署时的扫描租约，可选
type Leaser interface {
	AcquireScanLease(ctx context.Context, sourceID uint, ttl time.Duration) (string, bool, error)
	ReleaseScanLease(ctx context.Context, sourceID uint, token string) error
}

type Extractor interface {
	Extract(ctx context.Context, target collector.Target) ([]collector.RawFragment, error)
}

type Annotator interface {
	Annotate(ctx context.Context, raw collector.RawFragment) processor.AnnotatedFragment
}

type Options struct {
	TickSpec string
	Warmup   time.Duration
	Workers  int
	Leaser   Leaser
	LeaseTTL time.Duration
	Metrics  *metrics.Metrics
	// Now 测试注入时钟
	Now func() time.Time
}

// TickSummary 一轮调度的汇总
type TickSummary struct {
	StartedAt time.Time        `json:"startedAt"`
	Active    int              `json:"active"`
	Due       int              `json:"due"`
	Skipped   int              `json:"skipped"`
	Outcomes  []ingest.Outcome `json:"outcomes"`
	Error     string           `json:"error,omitempty"`
}

type Scheduler struct {
	cron      *cron.Cron
	store     SourceStore
	extractor Extractor
	annotator Annotator
	gate      *ingest.Gate
	leaser    Leaser
	leaseTTL  time.Duration
	workers   int
	warmup    time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
	log       *zap.SugaredLogger

	mu          sync.Mutex
	running     bool
	baseCtx     context.Context
	cancelBase  context.CancelFunc
	warmupTimer *time.Timer
	ticks       sync.WaitGroup
	inflight    map[uint]context.CancelFunc
}

func New(store SourceStore, ex Extractor, ann Annotator, gate *ingest.Gate, opts Options, log *zap.SugaredLogger) (*Scheduler, error) {
	if opts.TickSpec == "" {
		opts.TickSpec = DefaultTickSpec
	}
	if opts.Warmup <= 0 {
		opts.Warmup = DefaultWarmup
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		cron:      cron.New(),
		store:     store,
		extractor: ex,
		annotator: ann,
		gate:      gate,
		leaser:    opts.Leaser,
		leaseTTL:  opts.LeaseTTL,
		workers:   opts.Workers,
		warmup:    opts.Warmup,
		metrics:   opts.Metrics,
		now:       opts.Now,
		log:       logger.OrNop(log),
		inflight:  make(map[uint]context.CancelFunc),
	}

	if _, err := s.cron.AddFunc(opts.TickSpec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid tick spec %q: %w", opts.TickSpec, err)
	}
	return s, nil
}

// Start 启动定时任务，可重复调用
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.cron.Start()
	// 延迟执行首轮采集，避免与服务启动争抢资源
	s.warmupTimer = time.AfterFunc(s.warmup, s.tick)
	s.log.Infow("scheduler started", "warmup", s.warmup, "workers", s.workers)
}

// Stop 停止定时器并作废进行中的扫描；扫描记录仍会完整写入。未启动时调用无副作用。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.warmupTimer != nil {
		s.warmupTimer.Stop()
	}
	cronCtx := s.cron.Stop()
	s.cancelBase()
	s.mu.Unlock()

	<-cronCtx.Done()
	s.ticks.Wait()
	s.log.Info("scheduler stopped")
}

// Running 当前是否处于运行状态
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.baseCtx
	s.ticks.Add(1)
	s.mu.Unlock()
	defer s.ticks.Done()

	s.runTick(ctx)
}

// IsDue 从未扫描过的数据源立即到期；否则 now >= 上次扫描 + 间隔
func IsDue(src storage.Source, now time.Time) bool {
	if src.LastScannedAt == nil {
		return true
	}
	return !now.Before(src.LastScannedAt.Add(src.Cadence()))
}

// RunOnce 手动执行一轮调度。调度器运行中时，这一轮与定时 tick 一样会被 Stop 取消并等待
func (s *Scheduler) RunOnce(ctx context.Context) TickSummary {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return s.runTick(ctx)
	}
	base := s.baseCtx
	s.ticks.Add(1)
	s.mu.Unlock()
	defer s.ticks.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(base, cancel)
	defer stop()
	return s.runTick(ctx)
}

// runTick 挑出到期的数据源并发扫描，单个数据源失败不影响其他
func (s *Scheduler) runTick(ctx context.Context) TickSummary {
	s.metrics.Tick()
	summary := TickSummary{StartedAt: s.now()}

	sources, err := s.store.ListActiveSources(ctx)
	if err != nil {
		s.log.Errorw("list active sources failed", "error", err)
		summary.Error = err.Error()
		return summary
	}
	summary.Active = len(sources)

	var (
		mu   sync.Mutex
		g    errgroup.Group
		busy int
	)
	g.SetLimit(s.workers)

	for _, src := range sources {
		if !IsDue(src, summary.StartedAt) {
			continue
		}
		summary.Due++

		scanCtx, ok := s.claim(ctx, src.ID)
		if !ok {
			s.log.Infow("source already scanning, skipped", "sourceId", src.ID)
			busy++
			continue
		}

		src := src
		g.Go(func() error {
			defer s.release(src.ID)
			out, scanned := s.scan(scanCtx, src)
			mu.Lock()
			defer mu.Unlock()
			if scanned {
				summary.Outcomes = append(summary.Outcomes, out)
			} else {
				summary.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	summary.Skipped += busy

	s.log.Infow("collect tick done", "active", summary.Active, "due", summary.Due,
		"scanned", len(summary.Outcomes), "skipped", summary.Skipped)
	return summary
}

func (s *Scheduler) claim(parent context.Context, id uint) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	s.inflight[id] = cancel
	return ctx, true
}

func (s *Scheduler) release(id uint) {
	s.mu.Lock()
	cancel := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancel 作废某个数据源正在进行的扫描（例如数据源被删除）
func (s *Scheduler) Cancel(sourceID uint) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[sourceID]
	s.mu.Unlock()
	if ok {
		cancel()
		s.log.Infow("scan cancelled", "sourceId", sourceID)
	}
	return ok
}

// InFlight 正在扫描的数据源数量
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// TestScan 一次性验证新数据源，与定时扫描共用同一个 Extractor，不落库
func (s *Scheduler) TestScan(ctx context.Context, target collector.Target) ([]collector.RawFragment, error) {
	return s.extractor.Extract(ctx, target)
}

// scan 扫描单个数据源；返回 false 表示因租约被其他实例持有而跳过
func (s *Scheduler) scan(ctx context.Context, src storage.Source) (out ingest.Outcome, scanned bool) {
	kind := string(src.Kind)
	log := s.log.With("sourceId", src.ID, "kind", kind, "url", src.URL)

	if s.leaser != nil {
		token, ok, err := s.leaser.AcquireScanLease(ctx, src.ID, s.leaseTTL)
		switch {
		case err != nil:
			// 租约只是优化，Redis 不可用时照常扫描
			log.Warnw("scan lease unavailable", "error", err)
		case !ok:
			log.Infow("scan lease held elsewhere, skipped")
			s.metrics.ScanSkipped(kind)
			return ingest.Outcome{}, false
		default:
			defer func() {
				if err := s.leaser.ReleaseScanLease(context.WithoutCancel(ctx), src.ID, token); err != nil {
					log.Warnw("release scan lease failed", "error", err)
				}
			}()
		}
	}

	done := s.metrics.ScanStarted()
	defer done()

	started := s.now()
	sc := s.gate.Begin(src.ID, started)
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("scan panic recovered", "panic", r)
			sc.Fail(fmt.Errorf("panic: %v", r))
			out = sc.Finish(ctx, false)
			scanned = true
			s.metrics.ObserveScan(kind, out)
		}
	}()

	frags, err := s.extractor.Extract(ctx, src.Target())
	if err != nil {
		sc.Fail(err)
		out = sc.Finish(ctx, false)
		log.Warnw("extract failed", "error", err)
		s.metrics.ObserveScan(kind, out)
		return out, true
	}
	sc.SetFound(len(frags))

	// 单个数据源内顺序标注与入库，保持文档顺序
	for _, f := range frags {
		if err := ctx.Err(); err != nil {
			sc.Fail(fmt.Errorf("scan interrupted: %w", err))
			break
		}
		sc.Ingest(ctx, s.annotator.Annotate(ctx, f))
	}

	out = sc.Finish(ctx, ctx.Err() == nil)
	if errors.Is(ctx.Err(), context.Canceled) {
		log.Infow("scan cancelled before completion", "processed", out.Processed)
	}
	log.Infow("scan done", "found", out.Found, "processed", out.Processed,
		"duplicates", out.Duplicates, "errors", len(out.Errors), "duration", out.Duration)
	s.metrics.ObserveScan(kind, out)
	return out, true
}
