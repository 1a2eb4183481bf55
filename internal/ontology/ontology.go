package ontology

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Model 设备或点位模型定义（DTDL 风格的 dtmi 标识）
type Model struct {
	ID          string   `json:"id" yaml:"id"`
	DisplayName string   `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Extends     []string `json:"extends,omitempty" yaml:"extends,omitempty"`
}

// Registry 模型继承关系注册表
//
// 注册表在构造时计算完整的祖先闭包，之后只读，多个 goroutine 可以同时查询。
type Registry struct {
	models    map[string]Model
	ancestors map[string]map[string]bool
}

// NewRegistry 创建注册表，检测未知父模型与继承环
func NewRegistry(models []Model) (*Registry, error) {
	r := &Registry{
		models:    make(map[string]Model, len(models)),
		ancestors: make(map[string]map[string]bool, len(models)),
	}
	for _, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("模型缺少ID")
		}
		key := normalize(m.ID)
		if _, exists := r.models[key]; exists {
			return nil, fmt.Errorf("模型重复定义: %s", m.ID)
		}
		r.models[key] = m
	}

	for key := range r.models {
		if _, err := r.closure(key, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) closure(key string, visiting map[string]bool) (map[string]bool, error) {
	if set, ok := r.ancestors[key]; ok {
		return set, nil
	}
	if visiting[key] {
		return nil, fmt.Errorf("模型继承存在循环: %s", r.models[key].ID)
	}
	visiting[key] = true
	defer delete(visiting, key)

	set := map[string]bool{key: true}
	for _, parent := range r.models[key].Extends {
		pkey := normalize(parent)
		if _, ok := r.models[pkey]; !ok {
			// 未注册的父模型只作为名称参与匹配
			set[pkey] = true
			continue
		}
		parentSet, err := r.closure(pkey, visiting)
		if err != nil {
			return nil, err
		}
		for k := range parentSet {
			set[k] = true
		}
	}
	r.ancestors[key] = set
	return set, nil
}

// IsA 判断 modelID 是否等于 baseID 或继承自 baseID
func (r *Registry) IsA(modelID, baseID string) bool {
	m, b := normalize(modelID), normalize(baseID)
	if m == "" || b == "" {
		return false
	}
	if m == b {
		return true
	}
	if r == nil {
		return false
	}
	return r.ancestors[m][b]
}

// Ancestors 返回模型自身及所有祖先（排序）
func (r *Registry) Ancestors(modelID string) []string {
	key := normalize(modelID)
	var out []string
	for k := range r.ancestors[key] {
		if m, ok := r.models[k]; ok {
			out = append(out, m.ID)
		} else {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Model 按ID查找模型
func (r *Registry) Model(id string) (Model, bool) {
	m, ok := r.models[normalize(id)]
	return m, ok
}

// Len 已注册的模型数量
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.models)
}

// LoadFile 从 YAML 文件加载模型定义
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取模型文件失败: %w", err)
	}
	var doc struct {
		Models []Model `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("解析模型文件失败: %w", err)
	}
	return NewRegistry(doc.Models)
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
