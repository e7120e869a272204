package storage

import (
	"context"

	"github.com/LJTian/SourcePulse/internal/collector"
	"github.com/LJTian/SourcePulse/internal/config"
)

// SourceFromSeed 种子条目转成数据源；kind 为空视为普通站点
func SourceFromSeed(seed config.SeedSource) (*Source, error) {
	kind := collector.KindSite
	if seed.Kind != "" {
		k, err := collector.ParseKind(seed.Kind)
		if err != nil {
			return nil, err
		}
		kind = k
	}
	src := &Source{
		Name:           seed.Name,
		URL:            seed.URL,
		Kind:           kind,
		Active:         !seed.Inactive,
		CadenceMinutes: seed.Cadence,
		ResultCap:      seed.ResultCap,
	}
	src.Normalize()
	if err := src.Validate(); err != nil {
		return nil, err
	}
	return src, nil
}

// ImportSeeds 确保种子中的数据源都存在；单条失败只记录日志，返回成功条数
func (s *Store) ImportSeeds(ctx context.Context, seeds []config.SeedSource) int {
	n := 0
	for _, seed := range seeds {
		src, err := SourceFromSeed(seed)
		if err != nil {
			s.log.Warnw("skip invalid seed source", "url", seed.URL, "error", err)
			continue
		}
		if _, err := s.EnsureSource(ctx, src); err != nil {
			s.log.Warnw("ensure seed source failed", "url", seed.URL, "error", err)
			continue
		}
		n++
	}
	return n
}
