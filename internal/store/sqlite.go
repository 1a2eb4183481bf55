package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/y001j/fault-engine/internal/actor"
	"github.com/y001j/fault-engine/internal/insight"
	"github.com/y001j/fault-engine/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS insights (
	id TEXT PRIMARY KEY,
	rule_id TEXT NOT NULL,
	rule_name TEXT NOT NULL,
	equipment_id TEXT NOT NULL,
	equipment_name TEXT NOT NULL,
	site_id TEXT NOT NULL DEFAULT '',
	recommendation TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	impact_scores TEXT NOT NULL DEFAULT '{}',
	faulted_count INTEGER NOT NULL DEFAULT 0,
	earliest_faulted INTEGER NOT NULL DEFAULT 0,
	last_faulted INTEGER NOT NULL DEFAULT 0,
	is_faulty INTEGER NOT NULL DEFAULT 0,
	is_valid INTEGER NOT NULL DEFAULT 0,
	invocations INTEGER NOT NULL DEFAULT 0,
	last_updated INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_insights_equipment ON insights(equipment_id);
CREATE INDEX IF NOT EXISTS idx_insights_rule ON insights(rule_id);
CREATE TABLE IF NOT EXISTS occurrences (
	insight_id TEXT NOT NULL,
	started INTEGER NOT NULL,
	ended INTEGER NOT NULL,
	is_faulted INTEGER NOT NULL,
	is_valid INTEGER NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (insight_id, started)
);
`

// SQLiteStore 基于 SQLite 的洞察存储，区间单独成表便于按时间查询
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 打开或创建数据库。path 为 ":memory:" 时使用内存数据库。
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// 单连接写入，内存数据库也依赖同一连接
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		log.Warn().Err(err).Msg("设置SQLite参数失败")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	log.Info().Str("path", path).Msg("SQLite洞察存储已打开")
	return &SQLiteStore{db: db}, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveInsights 在一个事务中写入洞察及其全部区间
func (s *SQLiteStore) SaveInsights(ctx context.Context, batch []*insight.Insight) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO insights (id, rule_id, rule_name, equipment_id, equipment_name, site_id, recommendation,
			status, text, impact_scores, faulted_count, earliest_faulted, last_faulted, is_faulty, is_valid,
			invocations, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rule_id=excluded.rule_id, rule_name=excluded.rule_name,
			equipment_id=excluded.equipment_id, equipment_name=excluded.equipment_name,
			site_id=excluded.site_id, recommendation=excluded.recommendation, status=excluded.status,
			text=excluded.text, impact_scores=excluded.impact_scores, faulted_count=excluded.faulted_count,
			earliest_faulted=excluded.earliest_faulted, last_faulted=excluded.last_faulted,
			is_faulty=excluded.is_faulty, is_valid=excluded.is_valid, invocations=excluded.invocations,
			last_updated=excluded.last_updated`)
	if err != nil {
		return err
	}
	defer upsert.Close()

	insertOcc, err := tx.PrepareContext(ctx, `
		INSERT INTO occurrences (insight_id, started, ended, is_faulted, is_valid, text) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(insight_id, started) DO UPDATE SET
			ended=excluded.ended, is_faulted=excluded.is_faulted, is_valid=excluded.is_valid, text=excluded.text`)
	if err != nil {
		return err
	}
	defer insertOcc.Close()

	clearOcc, err := tx.PrepareContext(ctx, `DELETE FROM occurrences WHERE insight_id = ?`)
	if err != nil {
		return err
	}
	defer clearOcc.Close()

	for _, in := range batch {
		scores, err := json.Marshal(in.ImpactScores)
		if err != nil {
			return fmt.Errorf("序列化影响分数失败: %w", err)
		}
		if _, err := upsert.ExecContext(ctx,
			in.ID, in.RuleID, in.RuleName, in.EquipmentID, in.EquipmentName, in.SiteID, in.Recommendation,
			string(in.Status), in.Text, string(scores), in.FaultedCount,
			unixNano(in.EarliestFaultedDate), unixNano(in.LastFaultedDate),
			boolInt(in.IsFaulty), boolInt(in.IsValid), in.Invocations, unixNano(in.LastUpdated),
		); err != nil {
			return fmt.Errorf("写入洞察 %s 失败: %w", in.ID, err)
		}

		// 区间可能被合并，整体替换
		if _, err := clearOcc.ExecContext(ctx, in.ID); err != nil {
			return fmt.Errorf("清理区间失败: %w", err)
		}
		for _, o := range in.Occurrences {
			if _, err := insertOcc.ExecContext(ctx, in.ID, unixNano(o.Started), unixNano(o.Ended),
				boolInt(o.IsFaulted), boolInt(o.IsValid), o.Text); err != nil {
				return fmt.Errorf("写入区间失败: %w", err)
			}
		}
	}
	return tx.Commit()
}

const selectInsight = `SELECT id, rule_id, rule_name, equipment_id, equipment_name, site_id, recommendation,
	status, text, impact_scores, faulted_count, earliest_faulted, last_faulted, is_faulty, is_valid,
	invocations, last_updated FROM insights`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInsight(row scanner) (*insight.Insight, error) {
	var (
		in                      insight.Insight
		status, scores          string
		earliest, last, updated int64
		isFaulty, isValid       int
	)
	if err := row.Scan(&in.ID, &in.RuleID, &in.RuleName, &in.EquipmentID, &in.EquipmentName, &in.SiteID,
		&in.Recommendation, &status, &in.Text, &scores, &in.FaultedCount, &earliest, &last,
		&isFaulty, &isValid, &in.Invocations, &updated); err != nil {
		return nil, err
	}
	in.Status = insight.Status(status)
	in.EarliestFaultedDate = fromUnixNano(earliest)
	in.LastFaultedDate = fromUnixNano(last)
	in.LastUpdated = fromUnixNano(updated)
	in.IsFaulty = isFaulty == 1
	in.IsValid = isValid == 1
	in.ImpactScores = make(map[string]actor.ImpactScore)
	if err := json.Unmarshal([]byte(scores), &in.ImpactScores); err != nil {
		return nil, fmt.Errorf("解析影响分数失败: %w", err)
	}
	return &in, nil
}

func (s *SQLiteStore) loadOccurrences(ctx context.Context, in *insight.Insight) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT started, ended, is_faulted, is_valid, text FROM occurrences WHERE insight_id = ? ORDER BY started`, in.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var started, ended int64
		var faulted, valid int
		var o model.Occurrence
		if err := rows.Scan(&started, &ended, &faulted, &valid, &o.Text); err != nil {
			return err
		}
		o.Started, o.Ended = fromUnixNano(started), fromUnixNano(ended)
		o.IsFaulted, o.IsValid = faulted == 1, valid == 1
		in.Occurrences = append(in.Occurrences, o)
	}
	return rows.Err()
}

// GetInsight 读取洞察及区间
func (s *SQLiteStore) GetInsight(ctx context.Context, id string) (*insight.Insight, error) {
	in, err := scanInsight(s.db.QueryRowContext(ctx, selectInsight+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取洞察失败: %w", err)
	}
	if err := s.loadOccurrences(ctx, in); err != nil {
		return nil, fmt.Errorf("读取区间失败: %w", err)
	}
	return in, nil
}

// ListInsights 按条件查询，按 ID 排序
func (s *SQLiteStore) ListInsights(ctx context.Context, f Filter) ([]*insight.Insight, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.EquipmentID != "" {
		where, args = append(where, "equipment_id = ?"), append(args, f.EquipmentID)
	}
	if f.RuleID != "" {
		where, args = append(where, "rule_id = ?"), append(args, f.RuleID)
	}
	if f.SiteID != "" {
		where, args = append(where, "site_id = ?"), append(args, f.SiteID)
	}
	if f.Status != "" {
		where, args = append(where, "status = ?"), append(args, string(f.Status))
	}
	if f.OnlyFaulty {
		where = append(where, "faulted_count > 0")
	}
	q := selectInsight
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("查询洞察失败: %w", err)
	}
	var out []*insight.Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, in)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// 单连接下需先关闭结果集再查询区间
	for _, in := range out {
		if err := s.loadOccurrences(ctx, in); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SetStatus 修改状态
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status insight.Status) error {
	if _, err := insight.ParseStatus(string(status)); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE insights SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("更新状态失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
