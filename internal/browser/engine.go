package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/LJTian/SourcePulse/internal/logger"
)

// ErrClosed Engine 已在进程退出时释放
var ErrClosed = errors.New("browser engine closed")

const (
	defaultNavTimeout  = 30 * time.Second
	defaultWaitTimeout = 10 * time.Second
	defaultMaxPages    = 3
	// stepTimeout 滚动、静置与读取 DOM 每一步的额外上限
	stepTimeout = 15 * time.Second
)

type Options struct {
	ExecPath  string
	UserAgent string
	// MaxPages 同时打开的标签页上限，超出的扫描在 AcquirePage 处排队
	MaxPages int
}

// RenderOptions 单次渲染的等待策略
type RenderOptions struct {
	// NavTimeout 只约束导航本身，后续各阶段单独计时
	NavTimeout time.Duration
	// WaitSelector 为空时不等待内容标记；超时不算失败
	WaitSelector string
	WaitTimeout  time.Duration
	Scrolls      int
	ScrollDelay  time.Duration
	Settle       time.Duration
}

// Rendered 渲染后的 DOM 与最终地址（可能发生了跳转）
type Rendered struct {
	URL         string
	HTML        string
	MarkerFound bool
}

// Page 一次扫描独占的标签页，用完必须 Release
type Page interface {
	Render(ctx context.Context, url string, opts RenderOptions) (Rendered, error)
	Release()
}

// Engine 进程内共享的 headless 浏览器：首次使用时启动，Close 时释放
type Engine struct {
	opts Options
	log  *zap.SugaredLogger
	sem  chan struct{}

	mu            sync.Mutex
	closed        bool
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
}

func NewEngine(opts Options, log *zap.SugaredLogger) *Engine {
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	return &Engine{
		opts: opts,
		log:  logger.OrNop(log),
		sem:  make(chan struct{}, opts.MaxPages),
	}
}

// AcquirePage 占用一个标签页名额并打开新标签；浏览器尚未启动时在此懒启动
func (e *Engine) AcquirePage(ctx context.Context) (Page, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	browserCtx, err := e.ensure()
	if err != nil {
		<-e.sem
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	t := &tab{
		ctx:    tabCtx,
		cancel: cancelTab,
		idle:   make(chan struct{}, 1),
		done:   func() { <-e.sem },
	}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if lc, ok := ev.(*page.EventLifecycleEvent); ok && lc.Name == "networkIdle" {
			select {
			case t.idle <- struct{}{}:
			default:
			}
		}
	})
	// 首次 Run 才真正创建 target
	if err := chromedp.Run(tabCtx, page.SetLifecycleEventsEnabled(true)); err != nil {
		t.Release()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return t, nil
}

func (e *Engine) ensure() (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if e.browserCtx != nil {
		return e.browserCtx, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.DisableGPU,
	)
	if e.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(e.opts.UserAgent))
	}
	if e.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	e.browserCtx = browserCtx
	e.cancelBrowser = cancelBrowser
	e.cancelAlloc = cancelAlloc
	e.log.Infow("browser engine started", "maxPages", e.opts.MaxPages)
	return browserCtx, nil
}

// Started 浏览器是否已经启动过（用于健康检查与测试）
func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.browserCtx != nil
}

// Close 释放浏览器进程，可重复调用
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	if e.cancelBrowser != nil {
		e.cancelBrowser()
	}
	if e.cancelAlloc != nil {
		e.cancelAlloc()
	}
	if e.browserCtx != nil {
		e.log.Info("browser engine stopped")
	}
	e.browserCtx = nil
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	idle   chan struct{}
	done   func()
	once   sync.Once
}

const scrollJS = `window.scrollTo(0, document.body ? document.body.scrollHeight : 0); document.body ? document.body.scrollHeight : 0`

func (t *tab) Render(ctx context.Context, url string, opts RenderOptions) (Rendered, error) {
	navTimeout := opts.NavTimeout
	if navTimeout <= 0 {
		navTimeout = defaultNavTimeout
	}
	waitFor := opts.WaitTimeout
	if waitFor <= 0 {
		waitFor = defaultWaitTimeout
	}

	select {
	case <-t.idle:
	default:
	}

	navCtx, cancelNav := t.phase(ctx, navTimeout)
	err := chromedp.Run(navCtx, chromedp.Navigate(url))
	cancelNav()
	if err != nil {
		return Rendered{}, fmt.Errorf("navigate %s: %w", url, err)
	}

	idleTimer := time.NewTimer(waitFor)
	select {
	case <-t.idle:
	case <-idleTimer.C:
	case <-ctx.Done():
		idleTimer.Stop()
		return Rendered{}, fmt.Errorf("wait network idle %s: %w", url, ctx.Err())
	case <-t.ctx.Done():
		idleTimer.Stop()
		return Rendered{}, fmt.Errorf("wait network idle %s: %w", url, t.ctx.Err())
	}
	idleTimer.Stop()

	var res Rendered
	if opts.WaitSelector != "" {
		waitCtx, cancelWait := t.phase(ctx, waitFor)
		err := chromedp.Run(waitCtx, chromedp.WaitVisible(opts.WaitSelector, chromedp.ByQuery))
		cancelWait()
		if ctx.Err() != nil {
			return Rendered{}, fmt.Errorf("wait marker %s: %w", url, ctx.Err())
		}
		res.MarkerFound = err == nil
	}

	// 滚动与静置超时只影响内容多少，不影响读取 DOM
	for i := 0; i < opts.Scrolls; i++ {
		var height int
		scrollCtx, cancelScroll := t.phase(ctx, opts.ScrollDelay+stepTimeout)
		err := chromedp.Run(scrollCtx,
			chromedp.Evaluate(scrollJS, &height),
			chromedp.Sleep(opts.ScrollDelay),
		)
		cancelScroll()
		if err != nil {
			break
		}
	}

	if opts.Settle > 0 {
		settleCtx, cancelSettle := t.phase(ctx, opts.Settle+stepTimeout)
		_ = chromedp.Run(settleCtx, chromedp.Sleep(opts.Settle))
		cancelSettle()
	}
	if ctx.Err() != nil {
		return Rendered{}, fmt.Errorf("render %s: %w", url, ctx.Err())
	}

	readCtx, cancelRead := t.phase(ctx, stepTimeout)
	defer cancelRead()
	if err := chromedp.Run(readCtx,
		chromedp.Location(&res.URL),
		chromedp.OuterHTML("html", &res.HTML, chromedp.ByQuery),
	); err != nil {
		return Rendered{}, fmt.Errorf("read dom %s: %w", url, err)
	}
	return res, nil
}

// phase 从标签页上下文派生一个单独计时的阶段上下文，调用方取消（扫描被作废 / 进程退出）时同步中断
func (t *tab) phase(caller context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(t.ctx, d)
	stop := context.AfterFunc(caller, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (t *tab) Release() {
	t.once.Do(func() {
		t.cancel()
		t.done()
	})
}
