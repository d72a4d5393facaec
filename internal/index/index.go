// Package index 为页面/修订元数据与分片台账的 SQLite 存储。
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wikishard/pkg/contract"
)

// MemoryPath 打开进程内数据库（测试用）。
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS pages (
	page_id         INTEGER PRIMARY KEY,
	title           TEXT NOT NULL,
	latest_revision INTEGER REFERENCES revisions(revision_id) DEFERRABLE INITIALLY DEFERRED
);
CREATE TABLE IF NOT EXISTS revisions (
	revision_id INTEGER PRIMARY KEY,
	page_id     INTEGER NOT NULL REFERENCES pages(page_id) DEFERRABLE INITIALLY DEFERRED,
	text        TEXT NOT NULL,
	contributor TEXT NOT NULL,
	timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revisions_page ON revisions(page_id);
CREATE TABLE IF NOT EXISTS shards (
	file_name   TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	size_bytes  INTEGER NOT NULL,
	pages       INTEGER NOT NULL,
	revisions   INTEGER NOT NULL,
	blake3      TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	imported_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_shards_source ON shards(source, idx);
`

// 分片状态。
const (
	StatusPending  = "pending"
	StatusImported = "imported"
	StatusFailed   = "failed"
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("index: not found")

// Store 封装 *sql.DB。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open 打开（必要时创建）数据库并应用 pragma 与表结构。
// 约束：
//  1. 外键开启，WAL 日志，busy_timeout=10s，synchronous=NORMAL；
//  2. 内存库限制为单连接（每个连接各自独立的内存库）。
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("index: %w: empty path", contract.ErrInvalidInput)
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("index: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}
	for _, p := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("index: %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close 关闭数据库；nil 安全。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Stats 为一次索引写入的统计。
type Stats struct {
	Pages     int
	Revisions int
}

// IndexDocument 提取文档全部页面的元数据并写入（幂等 upsert，单事务）。
func (s *Store) IndexDocument(ctx context.Context, doc *contract.Document) (Stats, error) {
	if doc == nil {
		return Stats{}, fmt.Errorf("index: %w: nil document", contract.ErrInvalidInput)
	}
	env := EnvelopeOf(doc.Header)
	metas := make([]PageMeta, 0, len(doc.Pages))
	for _, p := range doc.Pages {
		m, err := ExtractPage(env, p)
		if err != nil {
			return Stats{}, fmt.Errorf("index %s: %w", doc.FileID, err)
		}
		metas = append(metas, m)
	}
	var st Stats
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		st = Stats{}
		for _, m := range metas {
			if err := ctx.Err(); err != nil {
				return err
			}
			var latest any
			if id, ok := m.Latest(); ok {
				latest = id
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO pages (page_id, title, latest_revision) VALUES (?, ?, ?)
ON CONFLICT(page_id) DO UPDATE SET title = excluded.title, latest_revision = excluded.latest_revision`,
				m.ID, m.Title, latest); err != nil {
				return fmt.Errorf("page %d: %w", m.ID, err)
			}
			for _, r := range m.Revisions {
				if _, err := tx.ExecContext(ctx, `
INSERT INTO revisions (revision_id, page_id, text, contributor, timestamp) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(revision_id) DO UPDATE SET page_id = excluded.page_id, text = excluded.text,
	contributor = excluded.contributor, timestamp = excluded.timestamp`,
					r.ID, m.ID, r.Text, r.Contributor, r.Timestamp); err != nil {
					return fmt.Errorf("revision %d: %w", r.ID, err)
				}
				st.Revisions++
			}
			st.Pages++
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("index %s: %w", doc.FileID, err)
	}
	return st, nil
}

// PageRow 为 pages 表的一行。
type PageRow struct {
	ID     int64
	Title  string
	Latest sql.NullInt64
}

// Page 按 page_id 查询。
func (s *Store) Page(ctx context.Context, id int64) (PageRow, error) {
	var r PageRow
	err := s.db.QueryRowContext(ctx, `SELECT page_id, title, latest_revision FROM pages WHERE page_id = ?`, id).
		Scan(&r.ID, &r.Title, &r.Latest)
	if errors.Is(err, sql.ErrNoRows) {
		return PageRow{}, fmt.Errorf("page %d: %w", id, ErrNotFound)
	}
	return r, err
}

// Revisions 返回页面的全部修订（按 revision_id 升序）。
func (s *Store) Revisions(ctx context.Context, pageID int64) ([]RevisionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT revision_id, text, contributor, timestamp FROM revisions WHERE page_id = ? ORDER BY revision_id`, pageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RevisionMeta
	for rows.Next() {
		var r RevisionMeta
		if err := rows.Scan(&r.ID, &r.Text, &r.Contributor, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Shard 为分片台账记录。
type Shard struct {
	FileName   string
	Source     string
	Index      int
	SizeBytes  int64
	Pages      int
	Revisions  int
	Blake3     string
	Status     string
	CreatedAt  string
	ImportedAt string
}

// RecordShard 写入或覆盖分片记录，状态重置为 pending。
func (s *Store) RecordShard(ctx context.Context, sh Shard) error {
	if sh.FileName == "" {
		return fmt.Errorf("index: %w: empty shard name", contract.ErrInvalidInput)
	}
	_, err := s.exec(ctx, `
INSERT INTO shards (file_name, source, idx, size_bytes, pages, revisions, blake3, status, created_at, imported_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
ON CONFLICT(file_name) DO UPDATE SET source = excluded.source, idx = excluded.idx,
	size_bytes = excluded.size_bytes, pages = excluded.pages, revisions = excluded.revisions,
	blake3 = excluded.blake3, status = excluded.status, created_at = excluded.created_at, imported_at = NULL`,
		sh.FileName, sh.Source, sh.Index, sh.SizeBytes, sh.Pages, sh.Revisions, sh.Blake3, StatusPending, s.stamp())
	if err != nil {
		return fmt.Errorf("index: record shard %s: %w", sh.FileName, err)
	}
	return nil
}

// MarkImported 标记分片已导入。未登记的分片返回 ErrNotFound。
func (s *Store) MarkImported(ctx context.Context, fileName string) error {
	return s.mark(ctx, fileName, StatusImported, s.stamp())
}

// MarkFailed 标记分片导入失败。
func (s *Store) MarkFailed(ctx context.Context, fileName string) error {
	return s.mark(ctx, fileName, StatusFailed, nil)
}

func (s *Store) mark(ctx context.Context, fileName, status string, at any) error {
	res, err := s.exec(ctx, `UPDATE shards SET status = ?, imported_at = ? WHERE file_name = ?`, status, at, fileName)
	if err != nil {
		return fmt.Errorf("index: mark %s: %w", fileName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("shard %s: %w", fileName, ErrNotFound)
	}
	return nil
}

// DeleteShards 删除某来源的全部分片记录（重新分片前调用）。
func (s *Store) DeleteShards(ctx context.Context, source string) error {
	if _, err := s.exec(ctx, `DELETE FROM shards WHERE source = ?`, source); err != nil {
		return fmt.Errorf("index: delete shards of %s: %w", source, err)
	}
	return nil
}

// Shards 返回分片记录，按 (source, idx) 排序；source 为空时返回全部。
func (s *Store) Shards(ctx context.Context, source string) ([]Shard, error) {
	q := `SELECT file_name, source, idx, size_bytes, pages, revisions, blake3, status, created_at, COALESCE(imported_at, '') FROM shards`
	var args []any
	if source != "" {
		q += ` WHERE source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY source, idx`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Shard
	for rows.Next() {
		var sh Shard
		if err := rows.Scan(&sh.FileName, &sh.Source, &sh.Index, &sh.SizeBytes, &sh.Pages, &sh.Revisions,
			&sh.Blake3, &sh.Status, &sh.CreatedAt, &sh.ImportedAt); err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (s *Store) stamp() string { return s.now().UTC().Format(time.RFC3339) }
