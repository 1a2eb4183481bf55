package rules

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType string

const (
	ErrorTypeRule   ErrorType = "rule"
	ErrorTypeBind   ErrorType = "bind"
	ErrorTypeSource ErrorType = "source"
	ErrorTypeStore  ErrorType = "store"
	ErrorTypeModel  ErrorType = "model"
	ErrorTypeSystem ErrorType = "system"
)

// ErrorLevel 错误级别
type ErrorLevel string

const (
	ErrorLevelInfo     ErrorLevel = "info"
	ErrorLevelWarning  ErrorLevel = "warning"
	ErrorLevelError    ErrorLevel = "error"
	ErrorLevelCritical ErrorLevel = "critical"
)

// RuleError 规则引擎专用错误
//
// 表达式和绑定层面的问题不使用 RuleError，而是以 FAILED 节点的形式保存在语法树中；
// RuleError 只用于加载、数据源、存储、模型执行等基础设施失败。
type RuleError struct {
	Type      ErrorType              `json:"type"`
	Level     ErrorLevel             `json:"level"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Retryable bool                   `json:"retryable"`
	Cause     error                  `json:"-"`
}

// Error 实现error接口
func (e *RuleError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap 支持错误链
func (e *RuleError) Unwrap() error {
	return e.Cause
}

// NewRuleError 创建规则错误
func NewRuleError(errorType ErrorType, level ErrorLevel, code, message string) *RuleError {
	return &RuleError{
		Type:      errorType,
		Level:     level,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WithContext 添加上下文信息
func (e *RuleError) WithContext(key string, value interface{}) *RuleError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause 添加原因错误
func (e *RuleError) WithCause(cause error) *RuleError {
	e.Cause = cause
	return e
}

// SetRetryable 设置是否可重试
func (e *RuleError) SetRetryable(retryable bool) *RuleError {
	e.Retryable = retryable
	return e
}

// 常用错误构造函数

// NewLoadError 创建规则加载错误
func NewLoadError(code, message string, cause error) *RuleError {
	return NewRuleError(ErrorTypeRule, ErrorLevelError, code, message).
		WithCause(cause).
		SetRetryable(false)
}

// NewBindError 创建绑定错误（设备或模型元数据不可用）
func NewBindError(code, message string, cause error) *RuleError {
	return NewRuleError(ErrorTypeBind, ErrorLevelError, code, message).
		WithCause(cause).
		SetRetryable(false)
}

// NewSourceError 创建时序数据源错误
func NewSourceError(code, message string, cause error) *RuleError {
	return NewRuleError(ErrorTypeSource, ErrorLevelWarning, code, message).
		WithCause(cause).
		SetRetryable(true)
}

// NewStoreError 创建存储错误
func NewStoreError(code, message string, cause error) *RuleError {
	return NewRuleError(ErrorTypeStore, ErrorLevelError, code, message).
		WithCause(cause).
		SetRetryable(true)
}

// NewModelError 创建模型执行错误
func NewModelError(code, message string, cause error) *RuleError {
	return NewRuleError(ErrorTypeModel, ErrorLevelError, code, message).
		WithCause(cause).
		SetRetryable(false)
}

// 错误码常量
const (
	// 规则错误码
	ErrCodeRuleLoad     = "RULE_LOAD"
	ErrCodeRuleParse    = "RULE_PARSE"
	ErrCodeRuleValidate = "RULE_VALIDATE"

	// 绑定错误码
	ErrCodeBindEquipment = "BIND_EQUIPMENT"
	ErrCodeBindOntology  = "BIND_ONTOLOGY"

	// 数据源错误码
	ErrCodeSourceRead   = "SRC_READ"
	ErrCodeSourceFormat = "SRC_FORMAT"
	ErrCodeSourceQuery  = "SRC_QUERY"

	// 存储错误码
	ErrCodeStoreOpen  = "STORE_OPEN"
	ErrCodeStoreRead  = "STORE_READ"
	ErrCodeStoreWrite = "STORE_WRITE"

	// 模型错误码
	ErrCodeModelNotFound = "MODEL_NOT_FOUND"
	ErrCodeModelArity    = "MODEL_ARITY"
	ErrCodeModelFormat   = "MODEL_FORMAT"
	ErrCodeModelExec     = "MODEL_EXEC"

)

// IsRetryableError 检查错误是否可重试
func IsRetryableError(err error) bool {
	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		return ruleErr.Retryable
	}
	return false
}

// GetErrorType 获取错误类型
func GetErrorType(err error) ErrorType {
	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		return ruleErr.Type
	}
	return ErrorTypeSystem
}

// GetErrorCode 获取错误码
func GetErrorCode(err error) string {
	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		return ruleErr.Code
	}
	return ""
}
