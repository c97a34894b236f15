package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"govScope/internal/model"
)

// JsonlStorage appends journal records to a JSONL file. Each line carries a
// "type" field of "change", "operation" or "event".
type JsonlStorage struct {
	path string
	mu   sync.Mutex
}

func NewJsonlStorage(path string) *JsonlStorage {
	return &JsonlStorage{path: path}
}

type changeLine struct {
	Type string `json:"type"`
	model.ChangeRecord
}

type operationLine struct {
	Type string `json:"type"`
	model.OperationRecord
}

type eventLine struct {
	Type string `json:"type"`
	model.EventRecord
}

// PutChanges appends a batch of change records.
func (s *JsonlStorage) PutChanges(_ context.Context, changes []model.ChangeRecord) error {
	if len(changes) == 0 {
		return nil
	}
	lines := make([][]byte, 0, len(changes))
	for _, change := range changes {
		line, err := json.Marshal(changeLine{Type: "change", ChangeRecord: change})
		if err != nil {
			return fmt.Errorf("marshal change record: %w", err)
		}
		lines = append(lines, line)
	}
	return s.append(lines)
}

// PutOperation appends one operation record.
func (s *JsonlStorage) PutOperation(_ context.Context, op model.OperationRecord) error {
	line, err := json.Marshal(operationLine{Type: "operation", OperationRecord: op})
	if err != nil {
		return fmt.Errorf("marshal operation record: %w", err)
	}
	return s.append([][]byte{line})
}

// PutEvents appends a batch of backfilled events.
func (s *JsonlStorage) PutEvents(_ context.Context, events []model.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	lines := make([][]byte, 0, len(events))
	for _, event := range events {
		line, err := json.Marshal(eventLine{Type: "event", EventRecord: event})
		if err != nil {
			return fmt.Errorf("marshal event record: %w", err)
		}
		lines = append(lines, line)
	}
	return s.append(lines)
}

func (s *JsonlStorage) append(lines [][]byte) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, line := range lines {
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	return nil
}
