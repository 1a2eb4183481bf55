package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared struct validator. Field names in errors use the json tag.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// ConfigParser provides generic configuration parsing with validation
type ConfigParser[T any] struct {
	defaults T
}

// NewParser creates a new configuration parser
func NewParser[T any]() *ConfigParser[T] {
	return &ConfigParser[T]{}
}

// NewParserWithDefaults creates a new configuration parser with default values
func NewParserWithDefaults[T any](defaults T) *ConfigParser[T] {
	return &ConfigParser[T]{
		defaults: defaults,
	}
}

// Parse parses configuration from JSON raw message
func (p *ConfigParser[T]) Parse(raw json.RawMessage) (*T, error) {
	config := p.defaults

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &config); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := p.Validate(&config); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration using struct tags
func (p *ConfigParser[T]) Validate(config *T) error {
	return validateStruct(config)
}

func validateStruct(config interface{}) error {
	err := Validator().Struct(config)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s=%s'", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
