package timeseries

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/y001j/fault-engine/internal/model"
)

// CSVOptions CSV 读取选项
type CSVOptions struct {
	// TimeLayout 时间格式，为空时使用 RFC3339；纯数字列按 Unix 秒解析
	TimeLayout string
	HasHeader  bool
}

// ReadCSV 读取 point_id,timestamp,value[,unit] 格式的数据。
// 空值、null 和 NaN 视为缺失采样。
func ReadCSV(r io.Reader, opts CSVOptions) ([]model.TimedValue, error) {
	var out []model.TimedValue
	err := ScanCSV(r, opts, func(v model.TimedValue) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

// ScanCSV 逐行解析并回调，回调返回错误时停止
func ScanCSV(r io.Reader, opts CSVOptions, fn func(model.TimedValue) error) error {
	layout := opts.TimeLayout
	if layout == "" {
		layout = time.RFC3339
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("读取CSV失败: %w", err)
		}
		line++
		if line == 1 && opts.HasHeader {
			continue
		}
		v, err := parseRecord(record, layout)
		if err != nil {
			return fmt.Errorf("CSV第%d行: %w", line, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

func parseRecord(record []string, layout string) (model.TimedValue, error) {
	if len(record) < 3 {
		return model.TimedValue{}, fmt.Errorf("需要至少3列，实际%d列", len(record))
	}
	pointID := strings.TrimSpace(record[0])
	if pointID == "" {
		return model.TimedValue{}, fmt.Errorf("point_id为空")
	}
	ts, err := parseTime(strings.TrimSpace(record[1]), layout)
	if err != nil {
		return model.TimedValue{}, err
	}

	v := model.NewMissingValue(pointID, ts)
	raw := strings.TrimSpace(record[2])
	if raw != "" && !strings.EqualFold(raw, "null") {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return model.TimedValue{}, fmt.Errorf("无效的数值 %q", raw)
		}
		if !math.IsNaN(f) {
			v = model.NewTimedValue(pointID, ts, f)
		}
	}
	if len(record) > 3 {
		v.Unit = strings.TrimSpace(record[3])
	}
	return v, nil
}

func parseTime(s, layout string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("无效的时间 %q: %w", s, err)
	}
	return t.UTC(), nil
}

// WriteCSV 以 ReadCSV 可读取的格式输出采样
func WriteCSV(w io.Writer, values []model.TimedValue) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"point_id", "timestamp", "value", "unit"}); err != nil {
		return err
	}
	for _, v := range values {
		raw := ""
		if f, ok := v.Float(); ok {
			raw = strconv.FormatFloat(f, 'g', -1, 64)
		}
		if err := cw.Write([]string{v.PointID, v.Timestamp.UTC().Format(time.RFC3339), raw, v.Unit}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
