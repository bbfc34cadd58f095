package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spider-stats-pusher/internal/types"
)

// SQLiteStorage appends every report to a table trimmed to the newest
// history rows.
type SQLiteStorage struct {
	db      *sql.DB
	history int
}

func NewSQLiteStorage(path string, history int) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		total_requests INTEGER NOT NULL,
		data TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if history < 1 {
		history = 1
	}
	return &SQLiteStorage{db: db, history: history}, nil
}

func (s *SQLiteStorage) Save(report *types.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO reports (window_start, window_end, total_requests, data, created_at) VALUES (?, ?, ?, ?, ?)",
		report.TimePeriod.Start, report.TimePeriod.End, report.TotalRequests, string(data), time.Now(),
	); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}

	if _, err := tx.Exec(
		"DELETE FROM reports WHERE id NOT IN (SELECT id FROM reports ORDER BY id DESC LIMIT ?)",
		s.history,
	); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) Load() (*types.Report, error) {
	reports, err := s.History(1)
	if err != nil || len(reports) == 0 {
		return nil, err
	}
	return reports[0], nil
}

func (s *SQLiteStorage) History(limit int) ([]*types.Report, error) {
	if limit < 1 {
		return nil, nil
	}
	rows, err := s.db.Query("SELECT data FROM reports ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var reports []*types.Report
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		var report types.Report
		if err := json.Unmarshal([]byte(data), &report); err != nil {
			return nil, fmt.Errorf("unmarshal JSON: %w", err)
		}
		reports = append(reports, &report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}

	return reports, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
