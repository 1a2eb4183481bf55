package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/expression"
	"github.com/y001j/fault-engine/internal/ontology"
)

// 绑定失败消息
const (
	MsgNoTwinMatches      = "No twin matches found"
	MsgUnresolvedProperty = "Could not resolve property"
)

// instanceNamespace 用于生成确定性的实例ID
var instanceNamespace = uuid.MustParse("6f1c3a52-9d4e-4b8e-8a0f-2f7d4c1e5b90")

// InstanceID 规则与设备组合的确定性ID
func InstanceID(ruleID, equipmentID string) string {
	return uuid.NewSHA1(instanceNamespace, []byte(ruleID+"\x00"+equipmentID)).String()
}

// BoundParameter 绑定到具体点位后的参数
type BoundParameter struct {
	Name            string          `json:"name"`
	FieldID         string          `json:"field_id"`
	Units           string          `json:"units,omitempty"`
	Expression      string          `json:"expression"`
	PointExpression expression.Node `json:"-"`
	Points          []string        `json:"points,omitempty"`
	// Hidden 绑定时提取出的中间参数，不出现在描述中
	Hidden bool `json:"hidden,omitempty"`
}

// Failed 返回参数表达式中的第一个失败节点
func (p *BoundParameter) Failed() *expression.Failed {
	return expression.FirstFailed(p.PointExpression)
}

// Bound 绑定后的规范表达式文本
func (p *BoundParameter) Bound() string {
	return expression.Serialize(p.PointExpression)
}

// RuleInstance 绑定到单个设备的规则
type RuleInstance struct {
	ID             string             `json:"id"`
	RuleID         string             `json:"rule_id"`
	RuleName       string             `json:"rule_name"`
	RuleVersion    int                `json:"rule_version"`
	EquipmentID    string             `json:"equipment_id"`
	EquipmentName  string             `json:"equipment_name"`
	SiteID         string             `json:"site_id,omitempty"`
	Description    string             `json:"description"`
	Recommendation string             `json:"recommendation,omitempty"`
	Parameters     []BoundParameter   `json:"parameters"`
	ImpactScores   []BoundParameter   `json:"impact_scores,omitempty"`
	Settings       map[string]float64 `json:"settings"`
	Points         []PointBinding     `json:"points"`
}

// PointBinding 实例引用的时序点位
type PointBinding struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Unit string `json:"unit,omitempty"`
}

// Result 最后一个非隐藏参数是布尔结果表达式
func (ri *RuleInstance) Result() *BoundParameter {
	for i := len(ri.Parameters) - 1; i >= 0; i-- {
		if !ri.Parameters[i].Hidden {
			return &ri.Parameters[i]
		}
	}
	return nil
}

// FailedParameters 返回绑定失败的参数
func (ri *RuleInstance) FailedParameters() []BoundParameter {
	var failed []BoundParameter
	for _, list := range [][]BoundParameter{ri.Parameters, ri.ImpactScores} {
		for _, p := range list {
			if expression.HasFailed(p.PointExpression) {
				failed = append(failed, p)
			}
		}
	}
	return failed
}

// IsValid 所有参数都绑定成功
func (ri *RuleInstance) IsValid() bool {
	return len(ri.FailedParameters()) == 0
}

// Setting 读取设置项，缺失时返回默认值
func (ri *RuleInstance) Setting(f Field) float64 {
	if v, ok := ri.Settings[f.ID]; ok {
		return v
	}
	return f.Default
}

// PointIDs 引用的所有点位ID
func (ri *RuleInstance) PointIDs() []string {
	ids := make([]string, len(ri.Points))
	for i, p := range ri.Points {
		ids[i] = p.ID
	}
	return ids
}

// Binder 规则绑定器
//
// Binder 本身无状态，模型注册表与函数注册表在构造后只读，
// 可以在多个 goroutine 中同时为不同设备绑定同一条规则。
type Binder struct {
	ontology  *ontology.Registry
	functions *expression.Functions
}

// NewBinder 创建绑定器
func NewBinder(ont *ontology.Registry, functions *expression.Functions) *Binder {
	if functions == nil {
		functions = expression.NewFunctions()
	}
	return &Binder{ontology: ont, functions: functions}
}

// Applies 判断规则是否适用于设备（设备模型等于或继承自规则的主模型）
func (b *Binder) Applies(rule *Rule, eq *ontology.EquipmentContext) bool {
	if rule.PrimaryModelID == "" {
		return true
	}
	return b.ontology.IsA(eq.ModelID, rule.PrimaryModelID)
}

// Bind 将规则绑定到设备，失败以 FAILED 节点保存在参数表达式中，不返回错误
func (b *Binder) Bind(rule *Rule, eq *ontology.EquipmentContext) *RuleInstance {
	inst := &RuleInstance{
		ID:             InstanceID(rule.ID, eq.ID),
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		RuleVersion:    rule.Version,
		EquipmentID:    eq.ID,
		EquipmentName:  eq.Name,
		SiteID:         eq.SiteID,
		Description:    rule.Description,
		Recommendation: rule.Recommendation,
		Settings:       make(map[string]float64, len(rule.Elements)),
	}
	for _, e := range rule.Elements {
		inst.Settings[e.ID] = e.Value
	}

	s := &bindScope{
		binder: b,
		rule:   rule,
		eq:     eq,
		fields: make(map[string]string),
		macros: make(map[string]Macro, len(rule.Macros)),
	}
	for _, m := range rule.Macros {
		s.macros[strings.ToUpper(m.Name)] = m
	}

	for _, p := range rule.Parameters {
		bp := s.bindParameter(p)
		inst.Parameters = append(inst.Parameters, s.takeHidden()...)
		inst.Parameters = append(inst.Parameters, bp)
	}
	for _, p := range rule.ImpactScores {
		bp := s.bindParameter(p)
		inst.ImpactScores = append(inst.ImpactScores, s.takeHidden()...)
		inst.ImpactScores = append(inst.ImpactScores, bp)
	}
	inst.Points = collectPoints(inst)

	failed := inst.FailedParameters()
	evt := log.Debug()
	if len(failed) > 0 {
		evt = log.Warn().Str("first_failure", failed[0].Failed().Message)
	}
	evt.Str("rule_id", rule.ID).
		Str("equipment_id", eq.ID).
		Int("parameters", len(inst.Parameters)).
		Int("points", len(inst.Points)).
		Int("failed", len(failed)).
		Msg("规则绑定完成")
	return inst
}

func collectPoints(inst *RuleInstance) []PointBinding {
	seen := make(map[string]bool)
	var points []PointBinding
	for _, list := range [][]BoundParameter{inst.Parameters, inst.ImpactScores} {
		for _, p := range list {
			expression.Walk(p.PointExpression, func(n expression.Node) bool {
				if pt, ok := n.(*expression.Point); ok && !seen[pt.ID] {
					seen[pt.ID] = true
					points = append(points, PointBinding{ID: pt.ID, Name: pt.Name, Unit: pt.Unit})
				}
				return true
			})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].ID < points[j].ID })
	return points
}

// bindScope 单次绑定的工作状态
type bindScope struct {
	binder  *Binder
	rule    *Rule
	eq      *ontology.EquipmentContext
	fields  map[string]string
	macros  map[string]Macro
	current string
	hidden  []BoundParameter
	counter int
}

func (s *bindScope) bindParameter(p RuleParameter) BoundParameter {
	s.current = p.FieldID
	node := expression.Parse(p.Expression)
	node = s.expandMacros(node, 0)
	node = s.resolve(node, false)

	_, points := expression.References(node)
	s.fields[strings.ToLower(p.FieldID)] = p.FieldID
	return BoundParameter{
		Name:            p.Name,
		FieldID:         p.FieldID,
		Units:           p.Units,
		Expression:      p.Expression,
		PointExpression: node,
		Points:          points,
	}
}

func (s *bindScope) takeHidden() []BoundParameter {
	h := s.hidden
	s.hidden = nil
	return h
}

const maxMacroDepth = 8

// expandMacros 将规则宏调用替换为宏体，实参代入形参
func (s *bindScope) expandMacros(n expression.Node, depth int) expression.Node {
	if len(s.macros) == 0 {
		return n
	}
	return expression.Rewrite(n, func(n expression.Node) expression.Node {
		call, ok := n.(*expression.Call)
		if !ok {
			return n
		}
		m, ok := s.macros[strings.ToUpper(call.Name)]
		if !ok {
			return n
		}
		if depth >= maxMacroDepth {
			return expression.NewFailed(fmt.Sprintf("Macro '%s' expands too deeply", m.Name), call)
		}
		if len(call.Args) != len(m.Parameters) {
			return expression.NewFailed(paramMismatch(call.Name, len(call.Args), len(m.Parameters)), call)
		}
		body := expression.Parse(m.Expression)
		if expression.HasFailed(body) {
			return body
		}
		body = expression.Rewrite(body, func(n expression.Node) expression.Node {
			if v, ok := n.(*expression.Variable); ok {
				for i, name := range m.Parameters {
					if strings.EqualFold(v.Name, name) {
						return call.Args[i]
					}
				}
			}
			return n
		})
		return s.expandMacros(body, depth+1)
	})
}

func paramMismatch(name string, source, function int) string {
	return fmt.Sprintf("Function '%s' parameter count mismatch source count %d and function count %d", name, source, function)
}

// resolve 将引用解析为点位、设置值或前序参数；allowArray 表示当前位置是单参数聚合函数的直接参数
func (s *bindScope) resolve(n expression.Node, allowArray bool) expression.Node {
	switch v := n.(type) {
	case *expression.Variable:
		return s.resolveReference(v, allowArray)

	case *expression.Property:
		if target, ok := v.Target.(*expression.Variable); ok && strings.EqualFold(target.Name, "this") {
			if value, ok := s.eq.Property(v.Name); ok {
				return &expression.Number{Value: value}
			}
		}
		return expression.NewFailed(MsgUnresolvedProperty, v)

	case *expression.Unary:
		return &expression.Unary{Op: v.Op, Operand: s.resolve(v.Operand, false)}

	case *expression.Binary:
		return &expression.Binary{Op: v.Op, Left: s.resolve(v.Left, false), Right: s.resolve(v.Right, false)}

	case *expression.Call:
		fn, ok := s.binder.functions.Lookup(v.Name)
		if !ok {
			return expression.NewFailed(fmt.Sprintf("Function '%s' not found", v.Name), v)
		}
		lo, hi := fn.Arity()
		switch {
		case len(v.Args) < lo:
			return expression.NewFailed(paramMismatch(v.Name, len(v.Args), lo), v)
		case hi != expression.Variadic && len(v.Args) > hi:
			return expression.NewFailed(paramMismatch(v.Name, len(v.Args), hi), v)
		}
		_, aggregate := fn.(*expression.AggregateFunction)
		args := make([]expression.Node, len(v.Args))
		for i, arg := range v.Args {
			args[i] = s.resolve(arg, aggregate && len(v.Args) == 1)
		}
		return &expression.Call{Name: v.Name, Args: args}

	case *expression.Temporal:
		operand := s.resolve(v.Operand, false)
		if _, ok := expression.TemporalRef(operand); !ok && !expression.HasFailed(operand) {
			operand = s.hoist(operand)
		}
		t := &expression.Temporal{Func: v.Func, Operand: operand, Period: s.resolve(v.Period, false)}
		if v.Offset != nil {
			t.Offset = s.resolve(v.Offset, false)
		}
		return t

	case *expression.Array:
		items := make([]expression.Node, len(v.Items))
		for i, item := range v.Items {
			items[i] = s.resolve(item, allowArray)
		}
		return &expression.Array{Items: items}

	case *expression.If:
		return &expression.If{
			Cond: s.resolve(v.Cond, false),
			Then: s.resolve(v.Then, false),
			Else: s.resolve(v.Else, false),
		}

	case *expression.Option:
		var bound []expression.Node
		for _, c := range v.Candidates {
			mark := len(s.hidden)
			r := s.resolve(c, allowArray)
			if expression.HasFailed(r) {
				s.hidden = s.hidden[:mark]
				continue
			}
			if !v.Tolerant {
				return r
			}
			bound = append(bound, r)
		}
		switch len(bound) {
		case 0:
			return expression.NewFailed(MsgNoTwinMatches, v)
		case 1:
			return bound[0]
		}
		return &expression.Option{Candidates: bound, Tolerant: true}
	}
	return n
}

// hoist 将时间窗口聚合的非引用操作数提取为隐藏参数
func (s *bindScope) hoist(operand expression.Node) expression.Node {
	s.counter++
	fieldID := fmt.Sprintf("_%s_%d", s.current, s.counter)
	_, points := expression.References(operand)
	s.hidden = append(s.hidden, BoundParameter{
		Name:            fieldID,
		FieldID:         fieldID,
		Expression:      expression.Serialize(operand),
		PointExpression: operand,
		Points:          points,
		Hidden:          true,
	})
	s.fields[strings.ToLower(fieldID)] = fieldID
	return &expression.Variable{Name: fieldID}
}

// resolveReference 多个同级匹配时，数组位置绑定全部，标量位置取排序后的第一个
func (s *bindScope) resolveReference(v *expression.Variable, allowArray bool) expression.Node {
	if fieldID, ok := s.fields[strings.ToLower(v.Name)]; ok {
		return &expression.Variable{Name: fieldID}
	}
	if e, ok := s.rule.Element(v.Name); ok {
		return &expression.Number{Value: e.Value}
	}

	caps := s.matchCapabilities(v.Name)
	switch {
	case len(caps) == 0:
		return expression.NewFailed(MsgNoTwinMatches, v)
	case len(caps) == 1 || !allowArray:
		c := caps[0]
		return &expression.Point{ID: c.PointID(), Name: v.Name, Unit: c.Unit}
	}
	items := make([]expression.Node, len(caps))
	for i, c := range caps {
		name := c.Name
		if name == "" {
			name = c.PointID()
		}
		items[i] = &expression.Point{ID: c.PointID(), Name: name, Unit: c.Unit}
	}
	return &expression.Array{Items: items}
}

// 匹配优先级，数值越小越优先
const (
	matchModelExact = iota
	matchModelInherited
	matchName
	matchTrendID
	matchExternalID
	matchNone
)

func (s *bindScope) matchRank(c ontology.Capability, ref string) int {
	switch {
	case c.ModelID != "" && strings.EqualFold(c.ModelID, ref):
		return matchModelExact
	case c.ModelID != "" && s.binder.ontology.IsA(c.ModelID, ref):
		return matchModelInherited
	case c.Name != "" && strings.EqualFold(c.Name, ref):
		return matchName
	case (c.TrendID != "" && c.TrendID == ref) || (c.ID != "" && c.ID == ref):
		return matchTrendID
	case c.ExternalID != "" && (strings.EqualFold(c.ExternalID, ref) || strings.EqualFold(c.PointID(), ref)):
		return matchExternalID
	}
	return matchNone
}

// matchCapabilities 返回最优匹配级别的所有能力，按名称与点位ID排序
func (s *bindScope) matchCapabilities(ref string) []ontology.Capability {
	best := matchNone
	var matches []ontology.Capability
	for _, c := range s.eq.Capabilities {
		rank := s.matchRank(c, ref)
		switch {
		case rank < best:
			best = rank
			matches = []ontology.Capability{c}
		case rank == best && rank != matchNone:
			matches = append(matches, c)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Name != matches[j].Name {
			return matches[i].Name < matches[j].Name
		}
		return matches[i].PointID() < matches[j].PointID()
	})
	return matches
}
