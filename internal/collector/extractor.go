package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/LJTian/SourcePulse/internal/browser"
	"github.com/LJTian/SourcePulse/internal/logger"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultContentWait  = 10 * time.Second
)

type Options struct {
	UserAgent    string
	FetchTimeout time.Duration
	ContentWait  time.Duration
	// Settle 渲染后额外等待，0 表示不等
	Settle              time.Duration
	ReadabilityFallback bool
	// Now 测试注入时钟
	Now func() time.Time
}

// Extractor 按数据源类型分发到具体策略。调度扫描与 TestScan 共用这一入口。
type Extractor struct {
	strategies map[Kind]Strategy
	log        *zap.SugaredLogger
}

// NewExtractor pages 为 nil 时只能走 HTTP 路径，浏览器兜底与社交平台都会失败
func NewExtractor(pages PageSource, opts Options, log *zap.SugaredLogger) *Extractor {
	log = logger.OrNop(log)
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.ContentWait <= 0 {
		opts.ContentWait = defaultContentWait
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	render := browser.RenderOptions{
		NavTimeout:  opts.FetchTimeout,
		WaitTimeout: opts.ContentWait,
		Settle:      opts.Settle,
	}

	return &Extractor{
		log: log,
		strategies: map[Kind]Strategy{
			KindSite: &siteStrategy{
				userAgent:   opts.UserAgent,
				timeout:     opts.FetchTimeout,
				pages:       pages,
				render:      render,
				readability: opts.ReadabilityFallback,
				now:         opts.Now,
				log:         log.With("strategy", KindSite),
			},
			KindSocialFeedA: &socialStrategy{
				profile: feedAProfile,
				pages:   pages,
				render:  render,
				now:     opts.Now,
				log:     log.With("strategy", KindSocialFeedA),
			},
			KindSocialFeedB: &socialStrategy{
				profile: feedBProfile,
				pages:   pages,
				render:  render,
				now:     opts.Now,
				log:     log.With("strategy", KindSocialFeedB),
			},
		},
	}
}

// Extract 返回最多 ResultCap 个片段（文档顺序）。软失败返回 nil, nil；
// 硬失败统一包装成 *ExtractError。
func (e *Extractor) Extract(ctx context.Context, target Target) ([]RawFragment, error) {
	strategy, ok := e.strategies[target.Kind]
	if !ok {
		return nil, &ExtractError{SourceID: target.ID, Kind: target.Kind, Err: ErrUnsupportedKind}
	}

	frags, err := strategy.Extract(ctx, target)
	if err != nil {
		return nil, &ExtractError{SourceID: target.ID, Kind: target.Kind, Err: err}
	}
	if target.ResultCap > 0 && len(frags) > target.ResultCap {
		frags = frags[:target.ResultCap]
	}
	e.log.Debugw("extracted fragments", "sourceId", target.ID, "kind", target.Kind, "count", len(frags))
	return frags, nil
}

// Supports 是否为该类型注册了策略
func (e *Extractor) Supports(k Kind) bool {
	_, ok := e.strategies[k]
	return ok
}
