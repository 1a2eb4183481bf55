package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// RuleManager 规则管理接口
type RuleManager interface {
	LoadRules() error
	GetRule(id string) (*Rule, error)
	ListRules() []*Rule
	GetEnabledRules() []*Rule
	WatchChanges() (<-chan RuleChangeEvent, error)
	Close() error
}

// Manager 规则管理器，从目录加载 JSON/YAML 规则文件
type Manager struct {
	rulesDir    string
	rules       map[string]*Rule
	files       map[string][]string // 文件 -> 规则ID
	watcher     *fsnotify.Watcher
	changesChan chan RuleChangeEvent
	mu          sync.RWMutex
}

// NewManager 创建规则管理器
func NewManager(rulesDir string) *Manager {
	return &Manager{
		rulesDir:    rulesDir,
		rules:       make(map[string]*Rule),
		files:       make(map[string][]string),
		changesChan: make(chan RuleChangeEvent, 100),
	}
}

func isRuleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// LoadRules 加载所有规则
func (m *Manager) LoadRules() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = make(map[string]*Rule)
	m.files = make(map[string][]string)

	err := filepath.Walk(m.rulesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !isRuleFile(path) {
			return nil
		}

		rules, err := LoadRuleFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("加载规则文件失败")
			return nil // 继续处理其他文件
		}
		for _, rule := range rules {
			if prev, exists := m.rules[rule.ID]; exists {
				log.Warn().Str("rule_id", rule.ID).Int("old_version", prev.Version).Int("new_version", rule.Version).
					Str("file", path).Msg("规则ID重复，后加载的规则覆盖先前的定义")
			}
			m.rules[rule.ID] = rule
			m.files[path] = append(m.files[path], rule.ID)
		}
		return nil
	})
	if err != nil {
		return NewLoadError(ErrCodeRuleLoad, "扫描规则目录失败", err).WithContext("dir", m.rulesDir)
	}

	log.Info().Int("count", len(m.rules)).Str("dir", m.rulesDir).Msg("规则加载完成")
	return nil
}

// LoadRuleFile 加载单个规则文件，支持单条规则、规则数组以及 {rules: [...]} 三种格式
func LoadRuleFile(filePath string) ([]*Rule, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, NewLoadError(ErrCodeRuleLoad, "读取规则文件失败", err).WithContext("file", filePath)
	}

	unmarshal := yaml.Unmarshal
	if strings.ToLower(filepath.Ext(filePath)) == ".json" {
		unmarshal = json.Unmarshal
	}

	var rules []*Rule
	var single Rule
	var wrapped struct {
		Rules []*Rule `json:"rules" yaml:"rules"`
	}
	switch {
	case unmarshal(data, &wrapped) == nil && len(wrapped.Rules) > 0:
		rules = wrapped.Rules
	case unmarshal(data, &rules) == nil && len(rules) > 0:
	case unmarshal(data, &single) == nil && single.ID != "":
		rules = []*Rule{&single}
	default:
		return nil, NewLoadError(ErrCodeRuleParse, "无法解析规则文件", nil).WithContext("file", filePath)
	}

	valid := make([]*Rule, 0, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			log.Error().Err(err).Str("file", filePath).Str("rule_id", rule.ID).Msg("规则验证失败")
			continue
		}
		valid = append(valid, rule)
	}
	log.Debug().Str("file", filePath).Int("total", len(rules)).Int("valid", len(valid)).Msg("规则文件解析完成")
	return valid, nil
}

// GetRule 获取规则
func (m *Manager) GetRule(id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("规则不存在: %s", id)
	}
	return rule, nil
}

// ListRules 按ID排序返回所有规则
func (m *Manager) ListRules() []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rules := make([]*Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// GetEnabledRules 返回启用的规则
func (m *Manager) GetEnabledRules() []*Rule {
	var enabled []*Rule
	for _, rule := range m.ListRules() {
		if rule.IsEnabled() {
			enabled = append(enabled, rule)
		}
	}
	return enabled
}

// WatchChanges 监控规则目录变化
func (m *Manager) WatchChanges() (<-chan RuleChangeEvent, error) {
	var err error
	m.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}
	if err := m.watcher.Add(m.rulesDir); err != nil {
		m.watcher.Close()
		return nil, fmt.Errorf("添加目录监控失败: %w", err)
	}

	go m.watchFileChanges()
	return m.changesChan, nil
}

func (m *Manager) watchFileChanges() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("检测到文件变化")

			// 延迟处理，避免文件正在写入
			time.Sleep(100 * time.Millisecond)

			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				m.handleFileUpdate(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				m.handleFileDelete(event.Name)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("文件监控错误")
		}
	}
}

func (m *Manager) handleFileUpdate(filePath string) {
	rules, err := LoadRuleFile(filePath)
	if err != nil {
		log.Error().Err(err).Str("file", filePath).Msg("重新加载规则文件失败")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := make(map[string]bool, len(rules))
	for _, rule := range rules {
		current[rule.ID] = true
		evt := "update"
		if _, exists := m.rules[rule.ID]; !exists {
			evt = "create"
		}
		m.rules[rule.ID] = rule
		m.emit(RuleChangeEvent{Type: evt, Rule: rule})
	}
	// 文件中已删除的规则
	for _, id := range m.files[filePath] {
		if !current[id] {
			if rule, ok := m.rules[id]; ok {
				delete(m.rules, id)
				m.emit(RuleChangeEvent{Type: "delete", Rule: rule})
			}
		}
	}
	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		ids = append(ids, rule.ID)
	}
	m.files[filePath] = ids

	log.Info().Str("file", filePath).Int("count", len(rules)).Msg("规则文件重新加载完成")
}

func (m *Manager) handleFileDelete(filePath string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.files[filePath] {
		if rule, ok := m.rules[id]; ok {
			delete(m.rules, id)
			m.emit(RuleChangeEvent{Type: "delete", Rule: rule})
			log.Info().Str("rule_id", id).Str("file", filePath).Msg("规则文件删除，已移除规则")
		}
	}
	delete(m.files, filePath)
}

func (m *Manager) emit(evt RuleChangeEvent) {
	select {
	case m.changesChan <- evt:
	default:
		log.Warn().Str("rule_id", evt.Rule.ID).Msg("规则变更事件队列已满")
	}
}

// Close 关闭管理器
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	enabled := 0
	for _, rule := range m.rules {
		if rule.IsEnabled() {
			enabled++
		}
	}
	return map[string]interface{}{
		"rules_total":   len(m.rules),
		"rules_enabled": enabled,
		"files":         len(m.files),
		"rules_dir":     m.rulesDir,
	}
}
