package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"wisefido-autooff/internal/models"
)

// timerFileVersion 文件格式版本
const timerFileVersion = 1

type timerFile struct {
	Version int                  `json:"version"`
	SavedAt time.Time            `json:"saved_at"`
	Records []models.TimerRecord `json:"records"`
}

// FileTimerStore 基于 JSON 文件的计时记录存储（单机部署）
// 每次写入先写临时文件再 rename 并同步目录，保证重启后读到完整文件
type FileTimerStore struct {
	mu      sync.Mutex
	path    string
	records map[models.TimerKey]models.TimerRecord
	loaded  bool
}

// NewFileTimerStore 创建文件计时记录存储
func NewFileTimerStore(path string) *FileTimerStore {
	return &FileTimerStore{
		path:    path,
		records: make(map[models.TimerKey]models.TimerRecord),
	}
}

// Put 写入或覆盖计时记录
func (s *FileTimerStore) Put(ctx context.Context, record models.TimerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	prev, existed := s.records[record.Key()]
	s.records[record.Key()] = record
	if err := s.save(); err != nil {
		if existed {
			s.records[record.Key()] = prev
		} else {
			delete(s.records, record.Key())
		}
		return err
	}
	return nil
}

// Delete 删除计时记录
func (s *FileTimerStore) Delete(ctx context.Context, key models.TimerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	prev, existed := s.records[key]
	if !existed {
		return nil
	}
	delete(s.records, key)
	if err := s.save(); err != nil {
		s.records[key] = prev
		return err
	}
	return nil
}

// LoadAll 读取全部计时记录；文件不存在时返回空
func (s *FileTimerStore) LoadAll(ctx context.Context) ([]models.TimerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	return s.sorted(), nil
}

func (s *FileTimerStore) ensureLoaded() error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read timer file: %w", err)
	}

	var f timerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse timer file %s: %w", s.path, err)
	}
	for _, r := range f.Records {
		s.records[r.Key()] = r
	}
	s.loaded = true
	return nil
}

func (s *FileTimerStore) sorted() []models.TimerRecord {
	records := make([]models.TimerRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key().String() < records[j].Key().String()
	})
	return records
}

func (s *FileTimerStore) save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create timer dir: %w", err)
	}

	data, err := json.MarshalIndent(timerFile{
		Version: timerFileVersion,
		SavedAt: time.Now(),
		Records: s.sorted(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal timer file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp timer file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write timer file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync timer file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close timer file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace timer file: %w", err)
	}
	// rename 本身要等目录落盘后才算持久
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("failed to sync timer dir: %w", err)
	}
	return nil
}

// syncDir 刷新目录项到磁盘；测试中可替换
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}
