package processor

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const (
	minSentenceLen   = 10
	summarySentences = 4
	maxKeywords      = 5
	sentimentMargin  = 2
)

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]*`)

var urlLikeRe = regexp.MustCompile(`(?i)https?://|www\.|\b[a-z0-9-]+\.(com|org|net|io)\b`)

var signalWords = toSet(
	"announces", "announced", "breaking", "official", "officially", "first", "major",
	"new", "launch", "launches", "report", "reports", "confirms", "confirmed",
)

var positiveWords = toSet(
	"good", "great", "excellent", "positive", "success", "successful", "growth", "gain",
	"gains", "improve", "improved", "win", "wins", "strong", "record", "boost", "benefit",
	"happy", "rise", "surge", "breakthrough", "profit", "best", "love", "celebrate",
)

var negativeWords = toSet(
	"bad", "poor", "negative", "fail", "failure", "loss", "losses", "decline", "drop",
	"crisis", "weak", "risk", "crash", "fall", "worst", "concern", "problem", "threat",
	"lawsuit", "fear", "hate", "war", "death", "attack", "scandal",
)

var stopWords = toSet(
	"this", "that", "with", "from", "have", "been", "were", "they", "their", "there",
	"which", "would", "could", "should", "about", "into", "than", "then", "them", "these",
	"those", "will", "what", "when", "where", "while", "also", "more", "most", "some",
	"such", "only", "over", "very", "just", "said", "after", "before", "other", "your",
	"because", "being", "does", "each", "here", "must", "many", "much", "upon", "within",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// splitSentences 按 . ! ? 切句（保留标点），丢弃过短的片段
func splitSentences(body string) []string {
	var out []string
	for _, s := range sentenceRe.FindAllString(body, -1) {
		s = strings.TrimSpace(s)
		if len([]rune(s)) < minSentenceLen {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Summarize 抽取式摘要：不超过 3 句直接返回原文，否则按得分取前 4 句并恢复原顺序
func Summarize(body string) string {
	body = strings.TrimSpace(body)
	sentences := splitSentences(body)
	if len(sentences) <= 3 {
		return body
	}

	type scored struct {
		idx   int
		score int
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		ranked[i] = scored{idx: i, score: scoreSentence(s, i)}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].score > ranked[b].score
	})

	top := ranked[:summarySentences]
	sort.Slice(top, func(a, b int) bool { return top[a].idx < top[b].idx })

	picked := make([]string, 0, len(top))
	for _, s := range top {
		picked = append(picked, sentences[s.idx])
	}
	return strings.Join(picked, " ")
}

func scoreSentence(s string, idx int) int {
	score := 0
	words := strings.Fields(s)
	if n := len(words); n >= 8 && n <= 30 {
		score += 2
	}
	switch {
	case idx == 0:
		score += 3
	case idx < 3:
		score++
	}
	for _, w := range words {
		if _, ok := signalWords[normalizeToken(w)]; ok {
			score++
		}
	}
	if strings.IndexFunc(s, unicode.IsDigit) >= 0 {
		score++
	}
	if strings.ContainsAny(s, "\"“”") {
		score++
	}
	if urlLikeRe.MatchString(s) {
		score -= 2
	}
	return score
}

// Sentiment 正负词计数差超过阈值才给出倾向，其余一律中性
func Sentiment(body string) string {
	var pos, neg int
	for _, tok := range wordTokens(body) {
		if _, ok := positiveWords[tok]; ok {
			pos++
		}
		if _, ok := negativeWords[tok]; ok {
			neg++
		}
	}
	switch diff := pos - neg; {
	case diff > sentimentMargin:
		return SentimentPositive
	case diff < -sentimentMargin:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// Keywords 出现不止一次的高频词，频次相同按首次出现顺序
func Keywords(body string) []string {
	counts := make(map[string]int)
	var order []string
	for _, raw := range strings.Fields(strings.ToLower(body)) {
		tok := normalizeToken(raw)
		if len([]rune(tok)) <= 3 || !isAlpha(tok) {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}

	var out []string
	for _, tok := range order {
		if counts[tok] > 1 {
			out = append(out, tok)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return counts[out[a]] > counts[out[b]] })
	if len(out) > maxKeywords {
		out = out[:maxKeywords]
	}
	return out
}

func wordTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

func normalizeToken(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	}))
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}
