package processor

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LJTian/SourcePulse/internal/collector"
	"github.com/LJTian/SourcePulse/internal/logger"
)

const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"

	AnnotatedByAI    = "ai"
	AnnotatedByLocal = "local"
)

const defaultAITimeout = 30 * time.Second

// AnnotatedFragment 是写入存储层前的统一结构
type AnnotatedFragment struct {
	collector.RawFragment
	ID          string
	Summary     string
	Sentiment   string
	Keywords    []string
	AnnotatedBy string
}

// Annotation AI 或本地算法的产出
type Annotation struct {
	Summary   string   `json:"summary"`
	Sentiment string   `json:"sentiment"`
	Keywords  []string `json:"keywords"`
}

// Summarizer 外部 AI 摘要服务
type Summarizer interface {
	Summarize(ctx context.Context, title, body string) (Annotation, error)
}

// Annotator 生成摘要、情感与关键词；任何内部错误都降级，不会让片段丢失
type Annotator struct {
	ai      Summarizer
	timeout time.Duration
	log     *zap.SugaredLogger
}

// NewAnnotator ai 为 nil 时只用本地算法
func NewAnnotator(ai Summarizer, timeout time.Duration, log *zap.SugaredLogger) *Annotator {
	if timeout <= 0 {
		timeout = defaultAITimeout
	}
	return &Annotator{ai: ai, timeout: timeout, log: logger.OrNop(log)}
}

func (a *Annotator) Annotate(ctx context.Context, raw collector.RawFragment) (out AnnotatedFragment) {
	out = AnnotatedFragment{
		RawFragment: raw,
		ID:          hashURL(raw.URL),
		Sentiment:   SentimentNeutral,
		AnnotatedBy: AnnotatedByLocal,
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.Errorw("annotate panic, using empty annotation", "url", raw.URL, "panic", r)
			out.Summary = ""
			out.Keywords = nil
			out.Sentiment = SentimentNeutral
			out.AnnotatedBy = AnnotatedByLocal
		}
	}()

	if a.ai != nil {
		if ann, ok := a.annotateAI(ctx, raw); ok {
			out.Summary = ann.Summary
			out.Sentiment = ann.Sentiment
			out.Keywords = ann.Keywords
			out.AnnotatedBy = AnnotatedByAI
			return out
		}
	}

	ann := AnnotateLocal(raw.Body)
	out.Summary = ann.Summary
	out.Sentiment = ann.Sentiment
	out.Keywords = ann.Keywords
	return out
}

func (a *Annotator) annotateAI(ctx context.Context, raw collector.RawFragment) (Annotation, bool) {
	aiCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ann, err := a.ai.Summarize(aiCtx, raw.Title, raw.Body)
	if err != nil {
		a.log.Infow("ai summarizer degraded, using local annotation", "url", raw.URL, "error", err)
		return Annotation{}, false
	}
	ann, ok := normalizeAnnotation(ann)
	if !ok {
		a.log.Infow("ai summarizer returned invalid payload, using local annotation", "url", raw.URL)
		return Annotation{}, false
	}
	return ann, true
}

// normalizeAnnotation 校验 AI 返回：摘要不能为空，情感必须是三种之一
func normalizeAnnotation(ann Annotation) (Annotation, bool) {
	ann.Summary = strings.TrimSpace(ann.Summary)
	ann.Sentiment = strings.ToLower(strings.TrimSpace(ann.Sentiment))
	if ann.Summary == "" {
		return Annotation{}, false
	}
	switch ann.Sentiment {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
	default:
		return Annotation{}, false
	}
	if len(ann.Keywords) > maxKeywords {
		ann.Keywords = ann.Keywords[:maxKeywords]
	}
	return ann, true
}

// AnnotateLocal 纯本地算法，不依赖任何外部服务
func AnnotateLocal(body string) Annotation {
	return Annotation{
		Summary:   Summarize(body),
		Sentiment: Sentiment(body),
		Keywords:  Keywords(body),
	}
}

func hashURL(url string) string {
	h := sha1.New()
	h.Write([]byte(url))
	return hex.EncodeToString(h.Sum(nil))
}

// HashURL 文章主键：URL 的 sha1
func HashURL(url string) string {
	return hashURL(url)
}
