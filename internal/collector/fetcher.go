package collector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind 数据源类型，决定使用哪种抓取策略
type Kind string

const (
	KindSite        Kind = "site"
	KindSocialFeedA Kind = "social-feed-a"
	KindSocialFeedB Kind = "social-feed-b"
)

// AllKinds 返回全部已知类型，新增类型必须同时注册策略
func AllKinds() []Kind {
	return []Kind{KindSite, KindSocialFeedA, KindSocialFeedB}
}

func (k Kind) Valid() bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
	}
	return k, nil
}

// Target 一次扫描需要的数据源信息
type Target struct {
	ID        uint
	Name      string
	URL       string
	Kind      Kind
	ResultCap int
}

// RawFragment 抓取阶段产出的原始片段，不直接落库
type RawFragment struct {
	Title       string
	Body        string
	URL         string
	PublishedAt time.Time
	Author      string
	Kind        Kind
}

// Strategy 每种数据源类型一个实现
type Strategy interface {
	Extract(ctx context.Context, target Target) ([]RawFragment, error)
}

var (
	ErrUnsupportedKind = errors.New("unsupported source kind")
	ErrNoBrowser       = errors.New("headless browser not available")
)

// ExtractError 抓取硬失败，携带数据源 ID 供日志与扫描记录使用
type ExtractError struct {
	SourceID uint
	Kind     Kind
	Err      error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract source %d (%s): %v", e.SourceID, e.Kind, e.Err)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}
