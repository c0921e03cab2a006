package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/pkg/txflow"
)

const memoryRetention = 512

// MemoryDispatchRepository 使用本地 JSON-lines 文件保存派发记录，方便开发调试。
// 每次写入追加一行完整记录，加载时以最后一行为准。
type MemoryDispatchRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  map[string]*DispatchRecord
}

// NewMemoryDispatchRepository 创建文件仓库并回放已有日志。
func NewMemoryDispatchRepository(dataDir string) (*MemoryDispatchRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	repo := &MemoryDispatchRepository{
		dataFile: filepath.Join(dataDir, "dispatches.log"),
		records:  make(map[string]*DispatchRecord),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Create 追加一条新记录。
func (m *MemoryDispatchRepository) Create(_ context.Context, record *DispatchRecord) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "dispatch record needs an id")
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = record.CreatedAt
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "dispatch record already exists", xerrors.WithMetadata("id", record.ID))
	}
	if err := m.appendLocked(*record); err != nil {
		return err
	}
	stored := *record
	m.records[record.ID] = &stored
	m.trimLocked()
	return nil
}

// Get 按 ID 查询记录。
func (m *MemoryDispatchRepository) Get(_ context.Context, id string) (*DispatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "dispatch not found", xerrors.WithMetadata("id", id))
	}
	clone := *record
	return &clone, nil
}

// ListLatest 返回最近的记录，按创建时间倒序。
func (m *MemoryDispatchRepository) ListLatest(_ context.Context, limit int) ([]DispatchRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sorted := m.sortedLocked()
	if limit > len(sorted) {
		limit = len(sorted)
	}
	return sorted[:limit], nil
}

// ApplyOutcome 记录终态结果，并追加到日志。
func (m *MemoryDispatchRepository) ApplyOutcome(_ context.Context, outcome txflow.Outcome) (*DispatchRecord, error) {
	if err := checkOutcome(outcome); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[outcome.MessageID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "dispatch not found", xerrors.WithMetadata("id", outcome.MessageID))
	}
	next := *current
	if err := applyTo(&next, outcome); err != nil {
		return nil, err
	}
	if err := m.appendLocked(next); err != nil {
		return nil, err
	}
	*current = next
	clone := next
	return &clone, nil
}

func (m *MemoryDispatchRepository) appendLocked(record DispatchRecord) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "open dispatch log")
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode dispatch record")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write dispatch log")
	}
	return nil
}

func (m *MemoryDispatchRepository) sortedLocked() []DispatchRecord {
	out := make([]DispatchRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out
}

// trimLocked 只在内存中保留最近的记录，日志文件不做截断。
func (m *MemoryDispatchRepository) trimLocked() {
	if len(m.records) <= memoryRetention {
		return
	}
	for _, stale := range m.sortedLocked()[memoryRetention:] {
		delete(m.records, stale.ID)
	}
}

func (m *MemoryDispatchRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("read dispatch log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		var record DispatchRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil || record.ID == "" {
			continue
		}
		m.records[record.ID] = &record
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("parse dispatch log: %w", err)
	}
	m.trimLocked()
	return nil
}
