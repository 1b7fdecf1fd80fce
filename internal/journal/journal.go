package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

// Journal 将每次运行及其失败记录持久化到 SQLite，便于事后审计。
// nil *Journal 的所有方法均为 no-op（未配置 journal.path 时）。
type Journal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	root        TEXT NOT NULL,
	service     TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	status      TEXT NOT NULL DEFAULT 'running',
	title       TEXT NOT NULL DEFAULT '',
	scanned     INTEGER NOT NULL DEFAULT 0,
	queued      INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	unchanged   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS failures (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	pass      INTEGER NOT NULL,
	node_id   TEXT NOT NULL,
	node_type TEXT NOT NULL,
	attempts  INTEGER NOT NULL,
	error     TEXT NOT NULL,
	content   TEXT NOT NULL,
	PRIMARY KEY (run_id, pass, node_id)
);`

// Run 一次运行的汇总行。
type Run struct {
	ID         string
	Root       string
	Service    string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string // running|ok|failed
	Title      string // updated|unchanged|absent|failed
	Scanned    int
	Queued     int
	Skipped    int
	Succeeded  int
	Unchanged  int
	Failed     int
}

// Failure 一条写回失败记录。Pass 为第几轮写回（1 起）。
type Failure struct {
	RunID    string
	Pass     int
	NodeID   string
	NodeType string
	Attempts int
	Error    string
	Content  string // 拟写入内容的纯文本
}

// Open 打开（必要时创建）journal 数据库。
func Open(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal: empty path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "journal: mkdir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "journal: open")
	}
	// 单连接：:memory: 库按连接隔离，且写入量很小
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "journal: %s", p)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "journal: schema")
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

const tsLayout = time.RFC3339Nano

// BeginRun 插入一条 running 状态的运行记录。
func (j *Journal) BeginRun(ctx context.Context, id, root, service string, started time.Time) error {
	if j == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, root, service, started_at) VALUES (?, ?, ?, ?)`,
		id, root, service, started.UTC().Format(tsLayout))
	return errors.Wrap(err, "journal: begin run")
}

// RecordFailures 在单个事务中写入一轮写回的失败记录。
func (j *Journal) RecordFailures(ctx context.Context, fails []Failure) error {
	if j == nil || len(fails) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "journal: begin tx")
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO failures (run_id, pass, node_id, node_type, attempts, error, content) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "journal: prepare")
	}
	defer stmt.Close()
	for _, f := range fails {
		if _, err := stmt.ExecContext(ctx, f.RunID, f.Pass, f.NodeID, f.NodeType, f.Attempts, f.Error, f.Content); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "journal: insert failure %s", f.NodeID)
		}
	}
	return errors.Wrap(tx.Commit(), "journal: commit")
}

// FinishRun 写入汇总计数与终态。
func (j *Journal) FinishRun(ctx context.Context, r Run) error {
	if j == nil {
		return nil
	}
	finished := r.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	res, err := j.db.ExecContext(ctx, `UPDATE runs SET
		finished_at = ?, status = ?, title = ?, scanned = ?, queued = ?, skipped = ?,
		succeeded = ?, unchanged = ?, failed = ?
		WHERE id = ?`,
		finished.UTC().Format(tsLayout), r.Status, r.Title, r.Scanned, r.Queued, r.Skipped,
		r.Succeeded, r.Unchanged, r.Failed, r.ID)
	if err != nil {
		return errors.Wrap(err, "journal: finish run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf("journal: unknown run %s", r.ID)
	}
	return nil
}

// GetRun 读取一条运行记录。
func (j *Journal) GetRun(ctx context.Context, id string) (Run, error) {
	if j == nil {
		return Run{}, errors.New("journal: disabled")
	}
	var (
		r        Run
		started  string
		finished sql.NullString
	)
	err := j.db.QueryRowContext(ctx, `SELECT id, root, service, started_at, finished_at, status, title,
		scanned, queued, skipped, succeeded, unchanged, failed FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.Root, &r.Service, &started, &finished, &r.Status, &r.Title,
			&r.Scanned, &r.Queued, &r.Skipped, &r.Succeeded, &r.Unchanged, &r.Failed)
	if err != nil {
		return Run{}, errors.Wrapf(err, "journal: get run %s", id)
	}
	if r.StartedAt, err = time.Parse(tsLayout, started); err != nil {
		return Run{}, errors.Wrap(err, "journal: parse started_at")
	}
	if finished.Valid {
		if r.FinishedAt, err = time.Parse(tsLayout, finished.String); err != nil {
			return Run{}, errors.Wrap(err, "journal: parse finished_at")
		}
	}
	return r, nil
}

// Failures 按轮次与节点顺序列出某次运行的失败记录。
func (j *Journal) Failures(ctx context.Context, runID string) ([]Failure, error) {
	if j == nil {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx, `SELECT run_id, pass, node_id, node_type, attempts, error, content
		FROM failures WHERE run_id = ? ORDER BY pass, node_id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "journal: query failures")
	}
	defer rows.Close()
	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.RunID, &f.Pass, &f.NodeID, &f.NodeType, &f.Attempts, &f.Error, &f.Content); err != nil {
			return nil, errors.Wrap(err, "journal: scan failure")
		}
		out = append(out, f)
	}
	return out, errors.Wrap(rows.Err(), "journal: iterate failures")
}
