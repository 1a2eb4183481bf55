package mlmodel

import (
	"encoding/json"
	"fmt"
	"math"
)

// LinearRuntime 线性模型：y = act(w·x + b)
//
// 模型字节为 JSON：{"weights": [...], "bias": 0.1, "activation": "sigmoid"}
type LinearRuntime struct{}

// Format 模型格式名称
func (LinearRuntime) Format() string { return "linear" }

// Load 解析模型参数
func (LinearRuntime) Load(m Model) (Executor, error) {
	var def struct {
		Weights    []float64 `json:"weights"`
		Bias       float64   `json:"bias"`
		Activation string    `json:"activation"`
	}
	if err := json.Unmarshal(m.Bytes, &def); err != nil {
		return nil, fmt.Errorf("解析线性模型失败: %w", err)
	}
	if len(def.Weights) != len(m.InputParams) {
		return nil, fmt.Errorf("权重个数 %d 与输入参数个数 %d 不一致", len(def.Weights), len(m.InputParams))
	}
	act, ok := activations[def.Activation]
	if !ok {
		return nil, fmt.Errorf("未知的激活函数: %s", def.Activation)
	}
	return &linearExecutor{weights: def.Weights, bias: def.Bias, activation: act}, nil
}

var activations = map[string]func(float64) float64{
	"":         func(x float64) float64 { return x },
	"identity": func(x float64) float64 { return x },
	"relu":     func(x float64) float64 { return math.Max(0, x) },
	"sigmoid":  func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
	"tanh":     math.Tanh,
}

type linearExecutor struct {
	weights    []float64
	bias       float64
	activation func(float64) float64
}

func (e *linearExecutor) Predict(args []float64) (float64, error) {
	if len(args) != len(e.weights) {
		return 0, fmt.Errorf("需要 %d 个输入，实际 %d 个", len(e.weights), len(args))
	}
	sum := e.bias
	for i, w := range e.weights {
		sum += w * args[i]
	}
	return e.activation(sum), nil
}
