package ontology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Capability 设备上的一个遥测能力（点位）
type Capability struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	ModelID     string            `json:"model_id" yaml:"model_id"`
	TrendID     string            `json:"trend_id,omitempty" yaml:"trend_id,omitempty"`
	ExternalID  string            `json:"external_id,omitempty" yaml:"external_id,omitempty"`
	ConnectorID string            `json:"connector_id,omitempty" yaml:"connector_id,omitempty"`
	Unit        string            `json:"unit,omitempty" yaml:"unit,omitempty"`
	Tags        map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// PointID 时序点位标识：优先使用 TrendID，否则为 connectorID/externalID
func (c Capability) PointID() string {
	if c.TrendID != "" {
		return c.TrendID
	}
	if c.ExternalID == "" {
		return c.ID
	}
	if c.ConnectorID == "" {
		return c.ExternalID
	}
	return c.ConnectorID + "/" + c.ExternalID
}

// EquipmentContext 规则绑定所需的设备快照
type EquipmentContext struct {
	ID           string             `json:"id" yaml:"id"`
	Name         string             `json:"name" yaml:"name"`
	ModelID      string             `json:"model_id" yaml:"model_id"`
	SiteID       string             `json:"site_id,omitempty" yaml:"site_id,omitempty"`
	Properties   map[string]float64 `json:"properties,omitempty" yaml:"properties,omitempty"`
	Capabilities []Capability       `json:"capabilities" yaml:"capabilities"`
}

// Property 按名称查找设备属性，不区分大小写
func (e *EquipmentContext) Property(name string) (float64, bool) {
	if v, ok := e.Properties[name]; ok {
		return v, true
	}
	for k, v := range e.Properties {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return 0, false
}

// LoadEquipment 加载设备清单，支持单个文件或目录
func LoadEquipment(path string) ([]EquipmentContext, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("读取设备清单失败: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.y*ml"))
		if err != nil {
			return nil, err
		}
	}

	var all []EquipmentContext
	seen := make(map[string]string)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("读取设备文件 %s 失败: %w", file, err)
		}
		var doc struct {
			Equipment []EquipmentContext `yaml:"equipment"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("解析设备文件 %s 失败: %w", file, err)
		}
		for _, eq := range doc.Equipment {
			if eq.ID == "" {
				return nil, fmt.Errorf("设备文件 %s 中存在缺少ID的设备", file)
			}
			if prev, dup := seen[eq.ID]; dup {
				return nil, fmt.Errorf("设备 %s 在 %s 与 %s 中重复定义", eq.ID, prev, file)
			}
			seen[eq.ID] = file
			all = append(all, eq)
		}
	}
	return all, nil
}
