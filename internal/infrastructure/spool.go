package infrastructure

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSpoolFull is returned when a write would exceed the spool size limit.
var ErrSpoolFull = errors.New("spool is full")

// SpoolRecord is an inbound message that could not be written to the raw log.
type SpoolRecord struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
	Retries    int       `json:"retries"`
}

// ReplayResult summarizes one pass over the spool.
type ReplayResult struct {
	Replayed int
	Kept     int
	Dropped  int
}

// Spool is an append-only JSON-lines file used as a fallback buffer in front
// of the raw log store.
type Spool struct {
	path       string
	file       *os.File
	mu         sync.Mutex
	maxBytes   int64
	size       int64
	count      int
	maxRetries int
}

// NewSpool opens or creates the spool at path.
func NewSpool(path string, maxBytes int64, maxRetries int) (*Spool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat spool file: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 20
	}

	s := &Spool{
		path:       path,
		file:       file,
		maxBytes:   maxBytes,
		size:       stat.Size(),
		maxRetries: maxRetries,
	}

	records, err := s.readAllLocked()
	if err != nil {
		file.Close()
		return nil, err
	}
	s.count = len(records)

	return s, nil
}

// Write appends a record and syncs it to disk.
func (s *Spool) Write(rec SpoolRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal spool record: %w", err)
	}

	if s.maxBytes > 0 && s.size+int64(len(line)+1) > s.maxBytes {
		return ErrSpoolFull
	}

	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to write to spool: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync spool: %w", err)
	}

	s.size += int64(len(line))
	s.count++
	return nil
}

// Len returns the number of records waiting in the spool.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Replay hands every record to fn in write order. Records fn accepts are
// removed; failed ones are kept with an incremented retry count until they
// reach the retry limit and are dropped. The file is rewritten atomically.
func (s *Spool) Replay(fn func(SpoolRecord) error) (ReplayResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result ReplayResult

	records, err := s.readAllLocked()
	if err != nil {
		return result, err
	}
	if len(records) == 0 {
		return result, nil
	}

	var keep []SpoolRecord
	for _, rec := range records {
		if err := fn(rec); err != nil {
			rec.Retries++
			if rec.Retries >= s.maxRetries {
				result.Dropped++
				continue
			}
			keep = append(keep, rec)
			continue
		}
		result.Replayed++
	}
	result.Kept = len(keep)

	if err := s.rewriteLocked(keep); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Spool) readAllLocked() ([]SpoolRecord, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek spool: %w", err)
	}

	var records []SpoolRecord
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec SpoolRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			// torn write from a crash
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}

	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek to end of spool: %w", err)
	}
	return records, nil
}

// rewriteLocked replaces the spool contents with records via temp file and rename.
func (s *Spool) rewriteLocked(records []SpoolRecord) error {
	tempPath := s.path + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp spool file: %w", err)
	}

	writer := bufio.NewWriter(tempFile)
	var newSize int64
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			tempFile.Close()
			return fmt.Errorf("failed to marshal spool record: %w", err)
		}
		line = append(line, '\n')
		if _, err := writer.Write(line); err != nil {
			tempFile.Close()
			return fmt.Errorf("failed to write temp spool: %w", err)
		}
		newSize += int64(len(line))
	}

	if err := writer.Flush(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to flush temp spool: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to sync temp spool: %w", err)
	}
	tempFile.Close()

	s.file.Close()
	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("failed to replace spool file: %w", err)
	}

	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen spool file: %w", err)
	}
	s.size = newSize
	s.count = len(records)
	return nil
}

// Close closes the spool.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync spool before closing: %w", err)
		}
		return s.file.Close()
	}
	return nil
}

// Stats returns spool statistics.
func (s *Spool) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"path":      s.path,
		"size":      s.size,
		"records":   s.count,
		"max_bytes": s.maxBytes,
	}
}
