package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spider-stats-pusher/internal/types"
)

// Storage archives published reports. Load returns the most recent report,
// or nil when nothing has been stored yet. History returns up to limit
// reports, newest first.
type Storage interface {
	Save(report *types.Report) error
	Load() (*types.Report, error)
	History(limit int) ([]*types.Report, error)
	Close() error
}

// NewStorage opens the backend named by storageType. For redis, path is the
// server address. history bounds how many reports backends with history keep.
func NewStorage(storageType string, path string, history int) (Storage, error) {
	switch storageType {
	case "none", "":
		return NopStorage{}, nil
	case "file":
		return NewFileStorage(path)
	case "sqlite":
		return NewSQLiteStorage(path, history)
	case "redis":
		return NewRedisStorage(path, history)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}

// NopStorage discards everything.
type NopStorage struct{}

func (NopStorage) Save(*types.Report) error             { return nil }
func (NopStorage) Load() (*types.Report, error)         { return nil, nil }
func (NopStorage) History(int) ([]*types.Report, error) { return nil, nil }
func (NopStorage) Close() error                         { return nil }

// FileStorage keeps only the latest report as a JSON file
type FileStorage struct {
	path string
}

func NewFileStorage(path string) (*FileStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	return &FileStorage{path: path}, nil
}

func (f *FileStorage) Save(report *types.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	// Atomic write: write to temp file, then rename
	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}

func (f *FileStorage) Load() (*types.Report, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	var report types.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return &report, nil
}

func (f *FileStorage) History(limit int) ([]*types.Report, error) {
	report, err := f.Load()
	if err != nil || report == nil || limit < 1 {
		return nil, err
	}
	return []*types.Report{report}, nil
}

func (f *FileStorage) Close() error {
	return nil
}
