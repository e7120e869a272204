package collector

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/LJTian/SourcePulse/internal/browser"
)

// socialProfile 描述一种社交平台页面的结构差异
type socialProfile struct {
	kind            Kind
	marker          string
	postSelectors   []string
	textSelectors   []string
	authorSelectors []string
	minTextLen      int
	mobileHost      string
	scrolls         int
}

var feedAProfile = socialProfile{
	kind:            KindSocialFeedA,
	marker:          `article[data-testid="tweet"]`,
	postSelectors:   []string{`article[data-testid="tweet"]`, `[data-testid="tweet"]`, "article"},
	textSelectors:   []string{`[data-testid="tweetText"]`, "div[lang]", "p"},
	authorSelectors: []string{`[data-testid="User-Name"] span`, `a[role="link"] span`},
	minTextLen:      10,
	mobileHost:      "mobile.",
}

var feedBProfile = socialProfile{
	kind:            KindSocialFeedB,
	marker:          `[role="article"]`,
	postSelectors:   []string{`[role="article"]`, "div[data-ft]", "article"},
	textSelectors:   []string{`[data-ad-preview="message"]`, `[data-testid="post_message"]`, `div[dir="auto"]`, "p"},
	authorSelectors: []string{"h2 strong", "h3 strong", "strong a", "h2 a", "h3 a"},
	minTextLen:      20,
	mobileHost:      "m.",
	scrolls:         3,
}

var permalinkSelectors = []string{
	`a[href*="/status/"]`,
	`a[href*="/posts/"]`,
	`a[href*="story_fbid"]`,
	`a[href*="/permalink/"]`,
}

var loginWallPatterns = []string{"/login", "/i/flow/login", "login.php", "/checkpoint", "/accounts/login"}

const titlePrefixRunes = 80

// socialStrategy 社交平台只能靠浏览器渲染
type socialStrategy struct {
	profile socialProfile
	pages   PageSource
	render  browser.RenderOptions
	now     func() time.Time
	log     *zap.SugaredLogger
}

func (s *socialStrategy) Extract(ctx context.Context, target Target) ([]RawFragment, error) {
	if s.pages == nil {
		return nil, ErrNoBrowser
	}
	now := s.now()

	p, err := s.pages.AcquirePage(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire page: %w", err)
	}
	defer p.Release()

	opts := s.render
	opts.WaitSelector = s.profile.marker
	opts.Scrolls = s.profile.scrolls
	if opts.Scrolls > 0 && opts.ScrollDelay <= 0 {
		opts.ScrollDelay = opts.Settle
	}

	res, err := p.Render(ctx, target.URL, opts)
	if err != nil {
		return nil, err
	}

	if IsLoginWall(res.URL) {
		mobile := MobileVariant(target.URL, s.profile.mobileHost)
		if mobile == "" || mobile == target.URL {
			s.log.Warnw("login wall, no mobile variant", "sourceId", target.ID, "url", res.URL)
			return nil, nil
		}
		s.log.Infow("login wall, retrying mobile variant", "sourceId", target.ID, "url", mobile)
		res, err = p.Render(ctx, mobile, opts)
		if err != nil {
			return nil, fmt.Errorf("mobile variant %s: %w", mobile, err)
		}
		if IsLoginWall(res.URL) {
			s.log.Warnw("login wall on mobile variant", "sourceId", target.ID, "url", res.URL)
			return nil, nil
		}
	}
	if !res.MarkerFound {
		s.log.Infow("content marker not found, extracting anyway", "sourceId", target.ID, "marker", s.profile.marker)
	}

	pageURL := res.URL
	if pageURL == "" {
		pageURL = target.URL
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url %q: %w", pageURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse rendered html: %w", err)
	}
	return ExtractPosts(doc, s.profile, base, now, target.ResultCap), nil
}

// IsLoginWall 按最终地址判断是否被重定向到登录页
func IsLoginWall(finalURL string) bool {
	u, err := url.Parse(finalURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, p := range loginWallPatterns {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// MobileVariant 把 host 换成移动端域名，例如 www.example.com -> m.example.com
func MobileVariant(rawURL, prefix string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || prefix == "" {
		return ""
	}
	host := strings.TrimPrefix(u.Host, "www.")
	if strings.HasPrefix(host, prefix) {
		return rawURL
	}
	u.Host = prefix + host
	return u.String()
}

// ExtractPosts 从渲染后的页面中按平台配置抽取帖子
func ExtractPosts(doc *goquery.Document, profile socialProfile, page *url.URL, now time.Time, limit int) []RawFragment {
	var posts *goquery.Selection
	for _, sel := range profile.postSelectors {
		if found := doc.Find(sel); found.Length() > 0 {
			posts = found
			break
		}
	}
	if posts == nil {
		return nil
	}

	var frags []RawFragment
	posts.EachWithBreak(func(_ int, post *goquery.Selection) bool {
		post = textOnly(post)
		text := firstText(post, profile.textSelectors)
		if text == "" {
			text = Sanitize(post.Text())
		}
		if runeLen(text) < profile.minTextLen {
			return true
		}

		author := firstText(post, profile.authorSelectors)
		title := author
		if title == "" {
			title = truncateRunes(text, titlePrefixRunes)
		}

		frags = append(frags, RawFragment{
			Title:       title,
			Body:        truncateRunes(text, maxBodyRunes),
			URL:         permalink(post, page),
			PublishedAt: publishedAt(post, now),
			Author:      author,
			Kind:        profile.kind,
		})
		return limit <= 0 || len(frags) < limit
	})
	return frags
}

func firstText(s *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		var text string
		s.Find(sel).EachWithBreak(func(_ int, el *goquery.Selection) bool {
			text = Sanitize(el.Text())
			return text == ""
		})
		if text != "" {
			return text
		}
	}
	return ""
}

func permalink(post *goquery.Selection, page *url.URL) string {
	for _, sel := range permalinkSelectors {
		href, ok := post.Find(sel).First().Attr("href")
		if !ok {
			continue
		}
		if u := resolveHref(page, href); u != "" {
			return u
		}
	}
	return page.String()
}
