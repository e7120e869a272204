package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"gorm.io/gorm"

	"github.com/LJTian/SourcePulse/internal/collector"
)

const (
	MinCadenceMinutes     = 5
	DefaultCadenceMinutes = 60
	MinResultCap          = 1
	MaxResultCap          = 10
	DefaultResultCap      = 5
)

// Source 一个被定期扫描的数据源
type Source struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Name           string         `gorm:"size:128" json:"name"`
	URL            string         `gorm:"size:1024;uniqueIndex" json:"url"`
	Kind           collector.Kind `gorm:"size:32;index" json:"kind"`
	Active         bool           `gorm:"index" json:"active"`
	CadenceMinutes int            `json:"cadenceMinutes"`
	ResultCap      int            `json:"resultCap"`
	// 只有扫描完成时写入；为空表示从未扫描过
	LastScannedAt *time.Time `json:"lastScannedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Normalize 补齐默认的扫描间隔与条数上限
func (s *Source) Normalize() {
	if s.CadenceMinutes == 0 {
		s.CadenceMinutes = DefaultCadenceMinutes
	}
	if s.ResultCap == 0 {
		s.ResultCap = DefaultResultCap
	}
	if s.Name == "" {
		s.Name = s.URL
	}
}

func (s *Source) Validate() error {
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be absolute http(s): %q", ErrInvalidSource, s.URL)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSource, s.Kind)
	}
	if s.CadenceMinutes < MinCadenceMinutes {
		return fmt.Errorf("%w: cadence must be at least %d minutes", ErrInvalidSource, MinCadenceMinutes)
	}
	if s.ResultCap < MinResultCap || s.ResultCap > MaxResultCap {
		return fmt.Errorf("%w: result cap must be between %d and %d", ErrInvalidSource, MinResultCap, MaxResultCap)
	}
	return nil
}

// Cadence 扫描间隔
func (s *Source) Cadence() time.Duration {
	return time.Duration(s.CadenceMinutes) * time.Minute
}

// Target 转成抓取层需要的描述
func (s *Source) Target() collector.Target {
	return collector.Target{
		ID:        s.ID,
		Name:      s.Name,
		URL:       s.URL,
		Kind:      s.Kind,
		ResultCap: s.ResultCap,
	}
}

// SourcePatch 运营接口可修改的字段，nil 表示不改
type SourcePatch struct {
	Name           *string `json:"name"`
	CadenceMinutes *int    `json:"cadenceMinutes"`
	ResultCap      *int    `json:"resultCap"`
	Active         *bool   `json:"active"`
}

func (s *Store) ListActiveSources(ctx context.Context) ([]Source, error) {
	var list []Source
	err := s.DB.WithContext(ctx).Where("active = ?", true).Order("id ASC").Find(&list).Error
	return list, err
}

func (s *Store) ListSources(ctx context.Context) ([]Source, error) {
	var list []Source
	err := s.DB.WithContext(ctx).Order("id ASC").Find(&list).Error
	return list, err
}

func (s *Store) GetSource(ctx context.Context, id uint) (*Source, error) {
	src := &Source{}
	if err := s.DB.WithContext(ctx).First(src, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSourceNotFound
		}
		return nil, err
	}
	return src, nil
}

// CreateSource URL 已存在时返回 ErrDuplicateSource
func (s *Store) CreateSource(ctx context.Context, src *Source) error {
	src.Normalize()
	if err := src.Validate(); err != nil {
		return err
	}
	if err := s.DB.WithContext(ctx).Create(src).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateSource
		}
		return err
	}
	return nil
}

// EnsureSource 确保某个数据源存在（按 URL），用于启动时导入种子
func (s *Store) EnsureSource(ctx context.Context, src *Source) (*Source, error) {
	existing := &Source{}
	err := s.DB.WithContext(ctx).Where("url = ?", src.URL).First(existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := s.CreateSource(ctx, src); err != nil {
		return nil, err
	}
	return src, nil
}

func (s *Store) UpdateSource(ctx context.Context, id uint, patch SourcePatch) (*Source, error) {
	src, err := s.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		src.Name = *patch.Name
	}
	if patch.CadenceMinutes != nil {
		src.CadenceMinutes = *patch.CadenceMinutes
	}
	if patch.ResultCap != nil {
		src.ResultCap = *patch.ResultCap
	}
	if patch.Active != nil {
		src.Active = *patch.Active
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}

	err = s.DB.WithContext(ctx).Model(src).Select("name", "cadence_minutes", "result_cap", "active").Updates(src).Error
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (s *Store) DeleteSource(ctx context.Context, id uint) error {
	res := s.DB.WithContext(ctx).Delete(&Source{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSourceNotFound
	}
	return nil
}

// UpdateSourceLastScanned 只在扫描结束时调用，t 为扫描开始时间
func (s *Store) UpdateSourceLastScanned(ctx context.Context, id uint, t time.Time) error {
	return s.DB.WithContext(ctx).Model(&Source{}).Where("id = ?", id).Update("last_scanned_at", t).Error
}
