package expression

import (
	"strings"
	"time"
)

// 常用单位的规范名称
const (
	UnitCelsius    = "degC"
	UnitFahrenheit = "degF"
	UnitPercent    = "%"
	UnitCFM        = "cfm"
	UnitLPS        = "lps"
	UnitSeconds    = "s"
	UnitMinutes    = "min"
	UnitHours      = "h"
	UnitDays       = "d"
	UnitWeeks      = "w"
)

var unitAliases = map[string]string{
	"°c":            UnitCelsius,
	"degc":          UnitCelsius,
	"celsius":       UnitCelsius,
	"°f":            UnitFahrenheit,
	"degf":          UnitFahrenheit,
	"fahrenheit":    UnitFahrenheit,
	"%":             UnitPercent,
	"percent":       UnitPercent,
	"percentage100": UnitPercent,
	"cfm":           UnitCFM,
	"lps":           UnitLPS,
	"l/s":           UnitLPS,
	"s":             UnitSeconds,
	"sec":           UnitSeconds,
	"second":        UnitSeconds,
	"seconds":       UnitSeconds,
	"m":             UnitMinutes,
	"min":           UnitMinutes,
	"minute":        UnitMinutes,
	"minutes":       UnitMinutes,
	"h":             UnitHours,
	"hr":            UnitHours,
	"hour":          UnitHours,
	"hours":         UnitHours,
	"d":             UnitDays,
	"day":           UnitDays,
	"days":          UnitDays,
	"w":             UnitWeeks,
	"week":          UnitWeeks,
	"weeks":         UnitWeeks,
	"kw":            "kW",
	"kwh":           "kWh",
	"pa":            "Pa",
	"kpa":           "kPa",
	"psi":           "psi",
	"rpm":           "rpm",
	"ppm":           "ppm",
	"hz":            "Hz",
}

var unitDurations = map[string]time.Duration{
	UnitSeconds: time.Second,
	UnitMinutes: time.Minute,
	UnitHours:   time.Hour,
	UnitDays:    24 * time.Hour,
	UnitWeeks:   7 * 24 * time.Hour,
}

// NormalizeUnit 返回单位的规范名称以及是否为已知单位
func NormalizeUnit(unit string) (string, bool) {
	if unit == "" {
		return "", false
	}
	if normalized, ok := unitAliases[strings.ToLower(unit)]; ok {
		return normalized, true
	}
	return unit, false
}

// ToDuration 将带时间单位的数值转换为时长，无单位时按小时处理
func ToDuration(v Value) (time.Duration, bool) {
	f, ok := v.Float()
	if !ok {
		return 0, false
	}
	unit := UnitHours
	if v.Unit != "" {
		normalized, _ := NormalizeUnit(v.Unit)
		unit = normalized
	}
	scale, ok := unitDurations[unit]
	if !ok {
		return 0, false
	}
	return time.Duration(f * float64(scale)), true
}
