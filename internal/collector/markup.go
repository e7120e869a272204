package collector

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
)

// 容器选择器按优先级排列，第一个命中的选择器胜出
var containerSelectors = []string{
	"article",
	`[role="article"]`,
	".post",
	".article",
	".news-item",
	".entry",
	".story",
	".card",
	`[class*="article"]`,
	`[class*="post"]`,
	`[class*="news"]`,
}

var titleSelectors = []string{"h1", "h2", "h3", "h4", ".title", ".headline", `[class*="title"]`}

var contentSelectors = []string{
	"p",
	".content",
	".summary",
	".excerpt",
	".description",
	`[class*="content"]`,
	`[class*="summary"]`,
}

// SPA 挂载点：静态 HTML 里为空说明内容靠 JS 渲染
var mountSelectors = []string{"#root", "#app", "#__next", "[data-reactroot]"}

const (
	minTitleLen    = 10
	minBodyLen     = 100
	bodyTargetLen  = 200
	maxBodyRunes   = 2000
	shellTextLen   = 200
	shellScripts   = 10
	shellPerScript = 100
)

// LooksClientRendered 判断静态 HTML 是否只是一个前端渲染的空壳
func LooksClientRendered(doc *goquery.Document) bool {
	for _, sel := range mountSelectors {
		mount := doc.Find(sel).First()
		if mount.Length() > 0 && strings.TrimSpace(mount.Text()) == "" {
			return true
		}
	}

	scripts := doc.Find("script").Length()
	if scripts == 0 {
		return false
	}
	text := runeLen(visibleText(doc))
	if text < shellTextLen {
		return true
	}
	return scripts >= shellScripts && text/scripts < shellPerScript
}

func visibleText(doc *goquery.Document) string {
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	return spaceRe.ReplaceAllString(strings.TrimSpace(textOnly(root).Text()), " ")
}

// textOnly 返回去掉脚本、样式等不可见节点的副本，原 DOM 不受影响
func textOnly(sel *goquery.Selection) *goquery.Selection {
	clone := sel.Clone()
	clone.Find("script, style, noscript, template").Remove()
	return clone
}

// ExtractArticles 在 DOM 上按容器选择器抽取片段，保持文档顺序。
// matched 表示是否有任何容器选择器命中（与是否通过过滤无关）。
func ExtractArticles(doc *goquery.Document, origin *url.URL, now time.Time) (frags []RawFragment, matched bool) {
	var containers *goquery.Selection
	for _, sel := range containerSelectors {
		found := doc.Find(sel)
		if found.Length() > 0 {
			containers = found
			break
		}
	}
	if containers == nil {
		return nil, false
	}

	containers.Each(func(i int, c *goquery.Selection) {
		c = textOnly(c)
		title := containerTitle(c)
		body := containerBody(c)
		if title == "" || runeLen(body) <= minBodyLen {
			return
		}
		frags = append(frags, RawFragment{
			Title:       title,
			Body:        body,
			URL:         containerURL(c, origin, now, i),
			PublishedAt: publishedAt(c, now),
			Kind:        KindSite,
		})
	})
	return frags, true
}

func containerTitle(c *goquery.Selection) string {
	for _, sel := range titleSelectors {
		var title string
		c.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := Sanitize(s.Text())
			if runeLen(text) > minTitleLen {
				title = text
				return false
			}
			return true
		})
		if title != "" {
			return title
		}
	}
	return ""
}

func containerBody(c *goquery.Selection) string {
	var b strings.Builder
	for _, sel := range contentSelectors {
		c.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := Sanitize(s.Text())
			if text == "" {
				return true
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(text)
			return runeLen(b.String()) <= bodyTargetLen
		})
		if runeLen(b.String()) > bodyTargetLen {
			return truncateRunes(b.String(), maxBodyRunes)
		}
	}
	return truncateRunes(Sanitize(c.Text()), maxBodyRunes)
}

// containerURL 取第一个可用链接；都不可用时生成一个带时间戳的合成地址
func containerURL(c *goquery.Selection, origin *url.URL, now time.Time, index int) string {
	var resolved string
	c.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if u := resolveHref(origin, href); u != "" {
			resolved = u
			return false
		}
		return true
	})
	if resolved != "" {
		return resolved
	}
	return SyntheticURL(origin, now, index)
}

func resolveHref(origin *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.String()
	case "":
		if origin == nil || (u.Path == "" && u.Host == "") {
			return ""
		}
		return origin.ResolveReference(u).String()
	default:
		return ""
	}
}

// SyntheticURL 无链接的容器使用 origin#scan-<毫秒>-<序号>，同一次扫描内唯一
func SyntheticURL(origin *url.URL, now time.Time, index int) string {
	base := ""
	if origin != nil {
		o := *origin
		o.Fragment = ""
		o.RawFragment = ""
		base = o.String()
	}
	return fmt.Sprintf("%s#scan-%d-%d", base, now.UnixMilli(), index)
}

func publishedAt(c *goquery.Selection, now time.Time) time.Time {
	if raw, ok := c.Find("time[datetime]").First().Attr("datetime"); ok {
		if t, err := dateparse.ParseAny(strings.TrimSpace(raw)); err == nil {
			return t
		}
	}
	return now
}
