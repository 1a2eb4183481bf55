package actor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/y001j/fault-engine/internal/expression"
)

var (
	placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)
	faultyTextPattern  = regexp.MustCompile(`(?i)FAULTYTEXT\(([^()]*)\)`)
	spacePattern       = regexp.MustCompile(`[ \t]{2,}`)
)

// Render 渲染描述模板
//
//	{fieldId}     参数当前值，数值保留两位小数并带单位
//	{TIME}        当前状态持续的秒数
//	FAULTYTEXT(x) 仅在故障状态下输出 x
func Render(template string, lookup func(name string) (expression.Value, bool), elapsed time.Duration, faulted bool) string {
	if template == "" {
		return ""
	}

	text := faultyTextPattern.ReplaceAllStringFunc(template, func(m string) string {
		if !faulted {
			return ""
		}
		return faultyTextPattern.FindStringSubmatch(m)[1]
	})

	text = placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := strings.TrimSpace(m[1 : len(m)-1])
		if strings.EqualFold(name, "TIME") {
			return strconv.FormatInt(int64(elapsed/time.Second), 10)
		}
		v, ok := lookup(name)
		if !ok {
			return m
		}
		return formatValue(v)
	})

	if !faulted {
		text = strings.TrimSpace(spacePattern.ReplaceAllString(text, " "))
	}
	return text
}

func formatValue(v expression.Value) string {
	if v.Kind != expression.KindNumber {
		return v.String()
	}
	s := fmt.Sprintf("%.2f", v.Num)
	switch v.Unit {
	case "":
		return s
	case "%":
		return s + "%"
	}
	return s + " " + v.Unit
}
