package storage

import (
	"context"
	"time"
)

// ScanLog 一次扫描的结果，扫描结束时写入一次，之后不再修改
type ScanLog struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	SourceID   uint      `gorm:"index" json:"sourceId"`
	StartedAt  time.Time `gorm:"index" json:"startedAt"`
	Found      int       `json:"found"`
	Processed  int       `json:"processed"`
	Duplicates int       `json:"duplicates"`
	Error      string    `gorm:"type:text" json:"error"`
	DurationMS int64     `json:"durationMs"`

	CreatedAt time.Time `json:"createdAt"`
}

func (s *Store) RecordScanOutcome(ctx context.Context, l *ScanLog) error {
	l.Error = toValidUTF8(l.Error)
	return s.DB.WithContext(ctx).Create(l).Error
}

// ListScanLogs 某个数据源最近的扫描记录，最新在前
func (s *Store) ListScanLogs(ctx context.Context, sourceID uint, limit int) ([]ScanLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	var logs []ScanLog
	err := s.DB.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("started_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
