package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/LJTian/SourcePulse/internal/browser"
)

const siteMaxBodyBytes = 4 << 20 // 4MB，防止超大页面拖垮解析

// PageSource 提供浏览器标签页；*browser.Engine 实现了它，测试里用假实现
type PageSource interface {
	AcquirePage(ctx context.Context) (browser.Page, error)
}

// siteStrategy 普通网站：先 HTTP 直取，取不到或是前端空壳时再用浏览器渲染
type siteStrategy struct {
	userAgent   string
	timeout     time.Duration
	pages       PageSource
	render      browser.RenderOptions
	readability bool
	now         func() time.Time
	log         *zap.SugaredLogger
}

type fetchedPage struct {
	url         string
	contentType string
	body        []byte
}

func (s *siteStrategy) Extract(ctx context.Context, target Target) ([]RawFragment, error) {
	now := s.now()
	origin, err := url.Parse(target.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", target.URL, err)
	}

	page, fetchErr := s.fetch(ctx, target.URL)
	var static []RawFragment
	if fetchErr == nil {
		if looksLikeFeed(page.contentType, page.body) {
			return parseFeed(page.body, origin, now)
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.body))
		switch {
		case err != nil:
			fetchErr = fmt.Errorf("parse html: %w", err)
		case LooksClientRendered(doc):
			// 脚本多的服务端渲染页面也可能命中空壳判断，静态容器已合格时直接使用
			if frags, _ := ExtractArticles(doc, origin, now); len(frags) > 0 {
				return frags, nil
			}
			s.log.Infow("page looks client-rendered, using browser", "sourceId", target.ID, "url", target.URL)
		default:
			static = s.extractDocument(doc, string(page.body), origin, now)
			if len(static) > 0 {
				return static, nil
			}
			s.log.Infow("static markup yielded nothing, using browser", "sourceId", target.ID, "url", target.URL)
		}
	} else {
		s.log.Warnw("http fetch failed, using browser", "sourceId", target.ID, "url", target.URL, "error", fetchErr)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	rendered, renderErr := s.renderAndExtract(ctx, origin, now)
	if renderErr == nil {
		return rendered, nil
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("http: %v; browser: %w", fetchErr, renderErr)
	}
	if errors.Is(renderErr, context.Canceled) {
		return nil, renderErr
	}
	// HTTP 本身成功，浏览器兜底失败时保留静态结果（可能为空）
	s.log.Warnw("browser fallback failed", "sourceId", target.ID, "url", target.URL, "error", renderErr)
	return static, nil
}

// fetch 用 colly 做一次普通 GET；非 2xx 由 colly 视为错误
func (s *siteStrategy) fetch(ctx context.Context, rawURL string) (*fetchedPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := colly.NewCollector(
		colly.UserAgent(s.userAgent),
		colly.MaxBodySize(siteMaxBodyBytes),
	)
	c.SetRequestTimeout(s.timeout)

	var page *fetchedPage
	c.OnResponse(func(r *colly.Response) {
		page = &fetchedPage{
			url:  r.Request.URL.String(),
			body: r.Body,
		}
		if r.Headers != nil {
			page.contentType = r.Headers.Get("Content-Type")
		}
	})

	if err := c.Visit(rawURL); err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	if page == nil || len(bytes.TrimSpace(page.body)) == 0 {
		return nil, fmt.Errorf("get %s: empty response", rawURL)
	}
	return page, nil
}

func (s *siteStrategy) renderAndExtract(ctx context.Context, origin *url.URL, now time.Time) ([]RawFragment, error) {
	if s.pages == nil {
		return nil, ErrNoBrowser
	}
	p, err := s.pages.AcquirePage(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire page: %w", err)
	}
	defer p.Release()

	res, err := p.Render(ctx, origin.String(), s.render)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse rendered html: %w", err)
	}
	return s.extractDocument(doc, res.HTML, origin, now), nil
}

// extractDocument 静态页与渲染后的 DOM 共用同一套抽取逻辑
func (s *siteStrategy) extractDocument(doc *goquery.Document, markup string, origin *url.URL, now time.Time) []RawFragment {
	frags, matched := ExtractArticles(doc, origin, now)
	if matched || !s.readability {
		return frags
	}
	if f, ok := readabilityFragment(markup, origin, now); ok {
		return []RawFragment{f}
	}
	return nil
}
