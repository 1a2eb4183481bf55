package mlmodel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/y001j/fault-engine/internal/expression"
	"github.com/y001j/fault-engine/internal/rules"
)

// InputParam 模型的输入参数声明
type InputParam struct {
	Name string `json:"name" yaml:"name"`
	Unit string `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Model 已训练的模型
type Model struct {
	ID          string       `json:"id" yaml:"id"`
	FullName    string       `json:"full_name" yaml:"full_name"`
	Version     string       `json:"version,omitempty" yaml:"version,omitempty"`
	Format      string       `json:"format" yaml:"format"`
	File        string       `json:"file,omitempty" yaml:"file,omitempty"`
	InputParams []InputParam `json:"input_params" yaml:"input_params"`
	Unit        string       `json:"unit,omitempty" yaml:"unit,omitempty"`
	Bytes       []byte       `json:"-" yaml:"-"`
}

// Executor 已加载的模型实例，Predict 必须是纯函数且可并发调用
type Executor interface {
	Predict(args []float64) (float64, error)
}

// Runtime 某种模型格式的加载器
type Runtime interface {
	Format() string
	Load(m Model) (Executor, error)
}

type entry struct {
	model    Model
	executor Executor
}

// Registry 模型注册表
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
	models   map[string]*entry
}

// NewRegistry 创建模型注册表，默认包含 linear 运行时
func NewRegistry(runtimes ...Runtime) *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
		models:   make(map[string]*entry),
	}
	r.RegisterRuntime(LinearRuntime{})
	for _, rt := range runtimes {
		r.RegisterRuntime(rt)
	}
	return r
}

// RegisterRuntime 注册模型格式
func (r *Registry) RegisterRuntime(rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[strings.ToLower(rt.Format())] = rt
}

// Add 加载并注册模型，ID 与 FullName 均可用于查找
func (r *Registry) Add(m Model) error {
	if m.ID == "" {
		return rules.NewModelError(rules.ErrCodeModelFormat, "模型缺少ID", nil)
	}
	if m.FullName == "" {
		m.FullName = m.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.runtimes[strings.ToLower(m.Format)]
	if !ok {
		return rules.NewModelError(rules.ErrCodeModelFormat, "不支持的模型格式", nil).
			WithContext("model_id", m.ID).
			WithContext("format", m.Format)
	}
	exec, err := rt.Load(m)
	if err != nil {
		return rules.NewModelError(rules.ErrCodeModelFormat, "加载模型失败", err).
			WithContext("model_id", m.ID)
	}

	e := &entry{model: m, executor: exec}
	r.models[strings.ToLower(m.ID)] = e
	r.models[strings.ToLower(m.FullName)] = e
	log.Info().Str("model_id", m.ID).Str("name", m.FullName).Int("inputs", len(m.InputParams)).Msg("模型已注册")
	return nil
}

// Get 按 ID 或 FullName 查找模型
func (r *Registry) Get(id string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[strings.ToLower(id)]
	if !ok {
		return Model{}, false
	}
	return e.model, true
}

// Models 返回所有模型（按 ID 排序）
func (r *Registry) Models() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []Model
	for _, e := range r.models {
		if !seen[e.model.ID] {
			seen[e.model.ID] = true
			out = append(out, e.model)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invoke 调用模型，执行前校验参数个数
func (r *Registry) Invoke(modelID string, args []float64) (float64, error) {
	r.mu.RLock()
	e, ok := r.models[strings.ToLower(modelID)]
	r.mu.RUnlock()
	if !ok {
		return 0, rules.NewModelError(rules.ErrCodeModelNotFound, "模型不存在", nil).
			WithContext("model_id", modelID)
	}
	if len(args) != len(e.model.InputParams) {
		return 0, rules.NewModelError(rules.ErrCodeModelArity,
			fmt.Sprintf("Function '%s' parameter count mismatch source count %d and function count %d",
				e.model.FullName, len(args), len(e.model.InputParams)), nil).
			WithContext("model_id", modelID)
	}
	v, err := e.executor.Predict(args)
	if err != nil {
		return 0, rules.NewModelError(rules.ErrCodeModelExec, "模型执行失败", err).
			WithContext("model_id", modelID)
	}
	return v, nil
}

// RegisterFunctions 以 FullName 将所有模型注册为表达式函数
func (r *Registry) RegisterFunctions(functions *expression.Functions) {
	for _, m := range r.Models() {
		functions.Register(&modelFunction{registry: r, model: m})
	}
}

// modelFunction 表达式中的模型调用，如 predict_v1([a], [b])
type modelFunction struct {
	registry *Registry
	model    Model
}

func (f *modelFunction) Name() string { return f.model.FullName }
func (f *modelFunction) Description() string {
	names := make([]string, len(f.model.InputParams))
	for i, p := range f.model.InputParams {
		names[i] = p.Name
	}
	return fmt.Sprintf("模型 %s (%s)", f.model.ID, strings.Join(names, ", "))
}
func (f *modelFunction) Arity() (int, int) {
	n := len(f.model.InputParams)
	return n, n
}
func (f *modelFunction) Call(args ...expression.Value) expression.Value {
	return f.CallEnv(nil, args...)
}

// CallEnv 执行失败时向环境上报错误，同时返回 FAILED 结果
func (f *modelFunction) CallEnv(env expression.Env, args ...expression.Value) expression.Value {
	for _, a := range args {
		if a.Kind == expression.KindFailed {
			return a
		}
	}
	inputs := make([]float64, len(args))
	for i, a := range args {
		x, ok := a.Float()
		if !ok {
			if a.Kind == expression.KindInvalid {
				return a
			}
			return expression.InvalidValue(expression.ReasonInvalid)
		}
		inputs[i] = x
	}
	v, err := f.registry.Invoke(f.model.ID, inputs)
	if err != nil {
		expression.ReportError(env, err)
		return expression.FailedValue(err.Error())
	}
	return expression.NumberValue(v, f.model.Unit)
}

// LoadDir 从目录加载模型：每个 *.yaml 描述一个模型，File 为相对路径的模型文件
func (r *Registry) LoadDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.y*ml"))
	if err != nil {
		return err
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return rules.NewModelError(rules.ErrCodeModelFormat, "读取模型描述失败", err).WithContext("file", file)
		}
		var m Model
		if err := yaml.Unmarshal(data, &m); err != nil {
			return rules.NewModelError(rules.ErrCodeModelFormat, "解析模型描述失败", err).WithContext("file", file)
		}
		if m.File != "" {
			path := m.File
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			if m.Bytes, err = os.ReadFile(path); err != nil {
				return rules.NewModelError(rules.ErrCodeModelFormat, "读取模型文件失败", err).WithContext("file", path)
			}
		}
		if err := r.Add(m); err != nil {
			return err
		}
	}
	return nil
}
