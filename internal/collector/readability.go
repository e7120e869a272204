package collector

import (
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// readabilityFragment 没有任何容器命中时，把整页当作一篇文章抽取
func readabilityFragment(markup string, pageURL *url.URL, now time.Time) (RawFragment, bool) {
	markup = strings.TrimSpace(markup)
	if markup == "" || pageURL == nil {
		return RawFragment{}, false
	}

	article, err := readability.FromReader(strings.NewReader(markup), pageURL)
	if err != nil {
		return RawFragment{}, false
	}

	title := Sanitize(article.Title)
	body := truncateRunes(Sanitize(article.TextContent), maxBodyRunes)
	if title == "" || runeLen(body) <= minBodyLen {
		return RawFragment{}, false
	}

	return RawFragment{
		Title:       title,
		Body:        body,
		URL:         pageURL.String(),
		PublishedAt: now,
		Author:      Sanitize(article.Byline),
		Kind:        KindSite,
	}, true
}
