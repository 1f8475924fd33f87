package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/internal/ports"
)

var alarmLog = logrus.WithField("component", "alarm_journal")

// AlarmJournal 告警流水（sqlite），实现 ports.AlarmSink
type AlarmJournal struct {
	db *sql.DB
}

// OpenAlarmJournal 打开（必要时创建）告警库
func OpenAlarmJournal(path string) (*AlarmJournal, error) {
	if path == "" {
		return nil, errors.New("alarm db path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir alarm db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &AlarmJournal{db: db}, nil
}

// Close 关闭数据库
func (j *AlarmJournal) Close() error {
	return j.db.Close()
}

// RaiseAlarm 写入一条告警，成功后回填 ID
func (j *AlarmJournal) RaiseAlarm(ctx context.Context, a *domain.Alarm) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	res, err := j.db.ExecContext(ctx, `
INSERT INTO alarms (kind,code,order_no,agent_id,message,raised_at)
VALUES (?,?,?,?,?,?)
`, string(a.Kind), a.Code, a.OrderNo, a.AgentID, a.Message, a.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert alarm: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	alarmLog.Debugf("告警已记录: id=%d kind=%s", a.ID, a.Kind)
	return nil
}

// AlarmFilter 查询条件
type AlarmFilter struct {
	Kind    domain.AlarmKind
	Code    string
	Unacked bool
	Limit   int
}

// ListAlarms 按时间倒序返回告警
func (j *AlarmJournal) ListAlarms(ctx context.Context, f AlarmFilter) ([]domain.Alarm, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind=?")
		args = append(args, string(f.Kind))
	}
	if f.Code != "" {
		where = append(where, "code=?")
		args = append(args, f.Code)
	}
	if f.Unacked {
		where = append(where, "acked_at IS NULL")
	}
	query := `SELECT id,kind,code,order_no,agent_id,message,raised_at,acked_at FROM alarms`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Alarm, 0)
	for rows.Next() {
		var a domain.Alarm
		var kind, raisedAt string
		var code, orderNo, agentID, ackedAt sql.NullString
		if err := rows.Scan(&a.ID, &kind, &code, &orderNo, &agentID, &a.Message, &raisedAt, &ackedAt); err != nil {
			return nil, err
		}
		a.Kind = domain.AlarmKind(kind)
		a.Code, a.OrderNo, a.AgentID = code.String, orderNo.String, agentID.String
		a.At, _ = time.Parse(time.RFC3339Nano, raisedAt)
		if ackedAt.Valid {
			a.AckedAt, _ = time.Parse(time.RFC3339Nano, ackedAt.String)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AckAlarm 标记告警已处理；不存在或已确认返回 false
func (j *AlarmJournal) AckAlarm(ctx context.Context, id int64) (bool, error) {
	res, err := j.db.ExecContext(ctx, `UPDATE alarms SET acked_at=? WHERE id=? AND acked_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, fmt.Errorf("ack alarm: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountUnacked 未确认告警数
func (j *AlarmJournal) CountUnacked(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alarms WHERE acked_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count alarms: %w", err)
	}
	return n, nil
}

var _ ports.AlarmSink = (*AlarmJournal)(nil)
