package rules

import (
	"fmt"
	"strings"
	"time"
)

// Rule 故障规则定义
type Rule struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name" yaml:"name"`
	Category       string            `json:"category,omitempty" yaml:"category,omitempty"`
	PrimaryModelID string            `json:"primary_model_id" yaml:"primary_model_id"`
	Version        int               `json:"version" yaml:"version"`
	Enabled        *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Parameters     []RuleParameter   `json:"parameters" yaml:"parameters"`
	ImpactScores   []RuleParameter   `json:"impact_scores,omitempty" yaml:"impact_scores,omitempty"`
	Elements       []RuleUIElement   `json:"elements,omitempty" yaml:"elements,omitempty"`
	Macros         []Macro           `json:"macros,omitempty" yaml:"macros,omitempty"`
	Description    string            `json:"description" yaml:"description"`
	Recommendation string            `json:"recommendation,omitempty" yaml:"recommendation,omitempty"`
	Tags           map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// RuleParameter 规则参数，Expression 中以 [FieldID] 引用前面的参数
type RuleParameter struct {
	Name       string `json:"name" yaml:"name"`
	FieldID    string `json:"field_id" yaml:"field_id"`
	Expression string `json:"expression" yaml:"expression"`
	Units      string `json:"units,omitempty" yaml:"units,omitempty"`
}

// RuleUIElement 规则的可配置数值设置
type RuleUIElement struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name,omitempty" yaml:"name,omitempty"`
	ElementType ElementType `json:"type,omitempty" yaml:"type,omitempty"`
	Value       float64     `json:"value" yaml:"value"`
	Units       string      `json:"units,omitempty" yaml:"units,omitempty"`
}

// Macro 规则内的命名函数，在绑定时展开
type Macro struct {
	Name       string   `json:"name" yaml:"name"`
	Parameters []string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Expression string   `json:"expression" yaml:"expression"`
}

// ElementType 设置项类型
type ElementType string

const (
	ElementDouble     ElementType = "double"
	ElementInteger    ElementType = "int"
	ElementPercentage ElementType = "percentage"
	ElementBool       ElementType = "bool"
)

// Field 设置项模板，通过 With 赋值得到具体的 RuleUIElement
type Field struct {
	ID          string
	Name        string
	ElementType ElementType
	Units       string
	Default     float64
}

// With 生成带具体值的设置项
func (f Field) With(value float64) RuleUIElement {
	return RuleUIElement{ID: f.ID, Name: f.Name, ElementType: f.ElementType, Value: value, Units: f.Units}
}

// 故障窗口相关的标准设置项
var (
	OverHowManyHours    = Field{ID: "OverHowManyHours", Name: "Over how many hours", ElementType: ElementDouble, Units: "h", Default: 1}
	PercentageOfTime    = Field{ID: "PercentageOfTime", Name: "Percentage of time", ElementType: ElementPercentage, Default: 0.5}
	PercentageOfTimeOff = Field{ID: "PercentageOfTimeOff", Name: "Percentage of time off", ElementType: ElementPercentage}
	MinTrigger          = Field{ID: "MinTrigger", Name: "Minimum trigger", ElementType: ElementDouble}
	MaxTrigger          = Field{ID: "MaxTrigger", Name: "Maximum trigger", ElementType: ElementDouble}
)

// IsEnabled 未显式禁用的规则均视为启用
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Element 按 ID 或名称查找设置项
func (r *Rule) Element(id string) (RuleUIElement, bool) {
	for _, e := range r.Elements {
		if strings.EqualFold(e.ID, id) || (e.Name != "" && strings.EqualFold(e.Name, id)) {
			return e, true
		}
	}
	return RuleUIElement{}, false
}

// ElementValue 返回设置项的值，缺失时返回字段默认值
func (r *Rule) ElementValue(f Field) float64 {
	if e, ok := r.Element(f.ID); ok {
		return e.Value
	}
	return f.Default
}

// Validate 校验规则结构
func (r *Rule) Validate() error {
	if r.ID == "" {
		return NewRuleError(ErrorTypeRule, ErrorLevelError, ErrCodeRuleValidate, "规则ID不能为空")
	}
	if len(r.Parameters) == 0 {
		return NewRuleError(ErrorTypeRule, ErrorLevelError, ErrCodeRuleValidate, "规则至少需要一个参数").
			WithContext("rule_id", r.ID)
	}
	seen := make(map[string]bool)
	for i, p := range append(append([]RuleParameter{}, r.Parameters...), r.ImpactScores...) {
		if p.FieldID == "" {
			return NewRuleError(ErrorTypeRule, ErrorLevelError, ErrCodeRuleValidate,
				fmt.Sprintf("第%d个参数缺少 field_id", i+1)).WithContext("rule_id", r.ID)
		}
		key := strings.ToLower(p.FieldID)
		if seen[key] {
			return NewRuleError(ErrorTypeRule, ErrorLevelError, ErrCodeRuleValidate,
				fmt.Sprintf("参数 field_id 重复: %s", p.FieldID)).WithContext("rule_id", r.ID)
		}
		seen[key] = true
	}
	for _, m := range r.Macros {
		if m.Name == "" || m.Expression == "" {
			return NewRuleError(ErrorTypeRule, ErrorLevelError, ErrCodeRuleValidate, "宏定义缺少名称或表达式").
				WithContext("rule_id", r.ID)
		}
	}
	if hours := r.ElementValue(OverHowManyHours); hours < 0 {
		return NewRuleError(ErrorTypeRule, ErrorLevelError, ErrCodeRuleValidate, "OverHowManyHours 不能为负数").
			WithContext("rule_id", r.ID)
	}
	return nil
}

// RuleChangeEvent 规则变更事件
type RuleChangeEvent struct {
	Type string `json:"type"` // create, update, delete
	Rule *Rule  `json:"rule"`
}
