package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertResult 写入文章的结果
type InsertResult int

const (
	Inserted InsertResult = iota
	AlreadyExists
)

func (r InsertResult) String() string {
	if r == AlreadyExists {
		return "already_exists"
	}
	return "inserted"
}

type Article struct {
	ID            string                      `gorm:"primaryKey;size:40" json:"id"`
	SourceID      uint                        `gorm:"index" json:"sourceId"`
	Title         string                      `gorm:"size:512" json:"title"`
	URL           string                      `gorm:"size:1024;uniqueIndex" json:"url"`
	Body          string                      `gorm:"type:text" json:"body"`
	Summary       string                      `gorm:"type:text" json:"summary"`
	Sentiment     string                      `gorm:"size:16;index" json:"sentiment"`
	Keywords      datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"keywords"`
	Author        string                      `gorm:"size:256" json:"author"`
	PublishedAt   time.Time                   `gorm:"index" json:"publishedAt"`
	PublishedDate string                      `gorm:"size:10;index" json:"publishedDate"` // 东八区日期 YYYY-MM-DD
	ExtraData     datatypes.JSONMap           `gorm:"type:jsonb" json:"extraData"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InsertArticleIfAbsent 以 URL 作为幂等键：已存在时不做任何修改
func (s *Store) InsertArticleIfAbsent(ctx context.Context, a *Article) (InsertResult, error) {
	a.Title = truncateRunesDB(toValidUTF8(a.Title), 512)
	a.Body = toValidUTF8(a.Body)
	a.Summary = toValidUTF8(a.Summary)
	a.Author = truncateRunesDB(toValidUTF8(a.Author), 256)
	if a.PublishedAt.IsZero() {
		a.PublishedAt = time.Now()
	}
	a.PublishedDate = a.PublishedAt.In(locEast8).Format("2006-01-02")

	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "url"}}, DoNothing: true}).
		Create(a)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return AlreadyExists, nil
		}
		return Inserted, fmt.Errorf("insert article %s: %w", a.URL, res.Error)
	}
	if res.RowsAffected == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

// ArticleFilter 文章列表查询条件，零值表示不过滤
type ArticleFilter struct {
	SourceID  uint
	Sentiment string
	Limit     int
}

const listCacheTTL = 5 * time.Minute

// ListArticles 按数据源与情感倾向返回最新文章，并使用 Redis 做简单缓存
func (s *Store) ListArticles(ctx context.Context, f ArticleFilter) ([]Article, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 20
	}
	cacheKey := fmt.Sprintf("articles:list:%d:%s:%d", f.SourceID, f.Sentiment, f.Limit)

	if s.Redis != nil {
		if bs, err := s.Redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var cached []Article
			if err := json.Unmarshal(bs, &cached); err == nil {
				return cached, nil
			}
		}
	}

	db := s.DB.WithContext(ctx).Model(&Article{})
	if f.SourceID != 0 {
		db = db.Where("source_id = ?", f.SourceID)
	}
	if f.Sentiment != "" {
		db = db.Where("sentiment = ?", f.Sentiment)
	}

	var list []Article
	if err := db.Order("published_at DESC").Limit(f.Limit).Find(&list).Error; err != nil {
		return nil, err
	}

	// 不做主动失效，依赖短 TTL 自然过期
	if s.Redis != nil && len(list) > 0 {
		if bs, err := json.Marshal(list); err == nil {
			_ = s.Redis.Set(ctx, cacheKey, bs, listCacheTTL).Err()
		}
	}
	return list, nil
}
