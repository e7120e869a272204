package collector

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicy = bluemonday.StrictPolicy()
	spaceRe      = regexp.MustCompile(`\s+`)
)

const maxSanitizePasses = 3

// Sanitize 去掉所有标签并解码实体，折叠空白。
// 实体里编码的标签（&lt;b&gt;）解码后会再被清洗一遍。
func Sanitize(s string) string {
	out := s
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(strictPolicy.Sanitize(out))
		if next == out {
			break
		}
		out = next
	}
	return strings.TrimSpace(spaceRe.ReplaceAllString(out, " "))
}

// truncateRunes 按字符截断，不追加省略号
func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:limit]))
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
