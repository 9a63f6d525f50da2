// Package journal keeps the render worker's local log of rendered frames in
// SQLite.
package journal

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// FrameLog is one render attempt of one frame.
type FrameLog struct {
	ID           int64         `json:"id"`
	TaskID       string        `json:"task_id"`
	SubtaskIndex int           `json:"subtask_index"`
	Frame        int           `json:"frame"`
	Digest       string        `json:"digest,omitempty"`
	Size         int64         `json:"size"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// DB wraps the SQLite database
type DB struct {
	conn *sql.DB
}

// Open creates the database file if needed and initializes the schema.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create journal directory")
	}

	// WAL keeps /stats readers off the renderer's back
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "init journal schema")
	}
	return db, nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS frame_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		subtask_index INTEGER NOT NULL,
		frame INTEGER NOT NULL,
		digest TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_frame_logs_task ON frame_logs(task_id, subtask_index);
	CREATE INDEX IF NOT EXISTS idx_frame_logs_created_at ON frame_logs(created_at);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Record inserts a frame log entry and sets its ID.
func (db *DB) Record(l *FrameLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	res, err := db.conn.Exec(`
		INSERT INTO frame_logs (task_id, subtask_index, frame, digest, size, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.TaskID, l.SubtaskIndex, l.Frame, l.Digest, l.Size, l.Duration.Milliseconds(), l.Error, l.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert frame log")
	}
	l.ID, err = res.LastInsertId()
	return err
}

// Recent returns the newest entries first.
func (db *DB) Recent(limit int) ([]FrameLog, error) {
	rows, err := db.conn.Query(`
		SELECT id, task_id, subtask_index, frame, COALESCE(digest, ''), size, duration_ms, COALESCE(error, ''), created_at
		FROM frame_logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query recent frames")
	}
	defer rows.Close()

	var out []FrameLog
	for rows.Next() {
		var l FrameLog
		var ms int64
		if err := rows.Scan(&l.ID, &l.TaskID, &l.SubtaskIndex, &l.Frame, &l.Digest, &l.Size, &ms, &l.Error, &l.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan frame log")
		}
		l.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, l)
	}
	return out, rows.Err()
}

// AggregateStats holds aggregate statistics from the journal
type AggregateStats struct {
	FramesRendered int     `json:"frames_rendered"`
	FramesFailed   int     `json:"frames_failed"`
	TodayFrames    int     `json:"today_frames"`
	Subtasks       int     `json:"subtasks"`
	TotalBytes     int64   `json:"total_bytes"`
	AvgRenderMS    float64 `json:"avg_render_ms"`
}

// Stats aggregates every frame log; "today" is the current UTC day.
func (db *DB) Stats() (*AggregateStats, error) {
	stats := &AggregateStats{}

	err := db.conn.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN COALESCE(error, '') = '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN COALESCE(error, '') = '' THEN 0 ELSE 1 END), 0),
			COUNT(DISTINCT task_id || '/' || subtask_index),
			COALESCE(SUM(size), 0),
			COALESCE(AVG(CASE WHEN COALESCE(error, '') = '' THEN duration_ms END), 0)
		FROM frame_logs
	`).Scan(&stats.FramesRendered, &stats.FramesFailed, &stats.Subtasks, &stats.TotalBytes, &stats.AvgRenderMS)
	if err != nil {
		return nil, errors.Wrap(err, "query total stats")
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	err = db.conn.QueryRow(`
		SELECT COUNT(*) FROM frame_logs
		WHERE COALESCE(error, '') = '' AND created_at >= ?
	`, today).Scan(&stats.TodayFrames)
	if err != nil {
		return nil, errors.Wrap(err, "query today stats")
	}
	return stats, nil
}

const workerIDKey = "worker_id"

// WorkerID returns the id the server last assigned, or "".
func (db *DB) WorkerID() (string, error) {
	var id string
	err := db.conn.QueryRow(`SELECT value FROM settings WHERE key = ?`, workerIDKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, errors.Wrap(err, "read worker id")
}

func (db *DB) SetWorkerID(id string) error {
	_, err := db.conn.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, workerIDKey, id)
	return errors.Wrap(err, "save worker id")
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}
