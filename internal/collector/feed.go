package collector

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

const feedSniffBytes = 512

// looksLikeFeed 站点地址直接指向 RSS/Atom 时走订阅解析
func looksLikeFeed(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "rss") || strings.Contains(ct, "atom") {
		return true
	}
	head := body
	if len(head) > feedSniffBytes {
		head = head[:feedSniffBytes]
	}
	head = bytes.ToLower(head)
	return bytes.Contains(head, []byte("<rss")) ||
		bytes.Contains(head, []byte("<feed")) ||
		bytes.Contains(head, []byte("<rdf:rdf"))
}

func parseFeed(body []byte, origin *url.URL, now time.Time) ([]RawFragment, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	frags := make([]RawFragment, 0, len(parsed.Items))
	for i, item := range parsed.Items {
		title := Sanitize(item.Title)
		if title == "" {
			continue
		}
		body := Sanitize(item.Content)
		if body == "" {
			body = Sanitize(item.Description)
		}
		if body == "" {
			body = title
		}

		link := resolveHref(origin, item.Link)
		if link == "" && strings.HasPrefix(item.GUID, "http") {
			link = item.GUID
		}
		if link == "" {
			link = SyntheticURL(origin, now, i)
		}

		published := now
		switch {
		case item.PublishedParsed != nil:
			published = *item.PublishedParsed
		case item.UpdatedParsed != nil:
			published = *item.UpdatedParsed
		}

		frags = append(frags, RawFragment{
			Title:       title,
			Body:        truncateRunes(body, maxBodyRunes),
			URL:         link,
			PublishedAt: published,
			Author:      feedAuthor(item),
			Kind:        KindSite,
		})
	}
	return frags, nil
}

func feedAuthor(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return Sanitize(item.Author.Name)
	}
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return Sanitize(a.Name)
		}
	}
	return ""
}
