package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedSource 启动时确保存在的数据源（与 API 注册的数据源等价）
type SeedSource struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Kind      string `yaml:"kind"`
	Cadence   int    `yaml:"cadence"`
	ResultCap int    `yaml:"resultCap"`
	Inactive  bool   `yaml:"inactive"`
}

type seedFile struct {
	Sources []SeedSource `yaml:"sources"`
}

// LoadSeeds 读取 YAML 种子文件；path 为空时返回空列表
func LoadSeeds(path string) ([]SeedSource, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return f.Sources, nil
}
