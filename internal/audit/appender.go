// Package audit keeps the hash-chained log of privileged operations:
// forced lock releases, claim overrides and session reclamation.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jvs-project/agentlock/pkg/errclass"
	"github.com/jvs-project/agentlock/pkg/jsonutil"
	"github.com/jvs-project/agentlock/pkg/model"
)

// Appender records a privileged event.
type Appender interface {
	Append(eventType model.AuditEventType, subject, actor string, details map[string]any) error
}

// FileAppender appends audit records to a JSONL file with hash chain.
type FileAppender struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewFileAppender creates a new FileAppender.
func NewFileAppender(path string) *FileAppender {
	return &FileAppender{path: path, now: time.Now}
}

// WithClock overrides the clock used to stamp records.
func (a *FileAppender) WithClock(now func() time.Time) *FileAppender {
	a.now = now
	return a
}

// Path returns the log file.
func (a *FileAppender) Path() string {
	return a.path
}

// Append adds a new audit record to the log.
func (a *FileAppender) Append(eventType model.AuditEventType, subject, actor string, details map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	// Other processes append to the same file.
	if err := lockFile(file); err != nil {
		return fmt.Errorf("flock audit log: %w", err)
	}
	defer unlockFile(file)

	prevHash, err := lastRecordHash(file)
	if err != nil {
		return fmt.Errorf("get last record hash: %w", err)
	}

	record := &model.AuditRecord{
		Timestamp: a.now().UTC(),
		EventType: eventType,
		Subject:   subject,
		Actor:     actor,
		Details:   details,
		PrevHash:  prevHash,
	}
	recordHash, err := computeRecordHash(record)
	if err != nil {
		return fmt.Errorf("compute record hash: %w", err)
	}
	record.RecordHash = recordHash

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// GetLastRecordHash returns the hash of the last record in the log.
func (a *FileAppender) GetLastRecordHash() (model.HashValue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	return lastRecordHash(file)
}

// Records reads every record in the log, oldest first. A missing log is empty.
func (a *FileAppender) Records() ([]*model.AuditRecord, error) {
	file, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var out []*model.AuditRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var record model.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, errclass.ErrAuditChainBroken.WithMessagef("line %d: %v", line, err)
		}
		out = append(out, &record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return out, nil
}

// Verify walks the hash chain and returns the number of valid records.
func (a *FileAppender) Verify() (int, error) {
	records, err := a.Records()
	if err != nil {
		return 0, err
	}
	var prev model.HashValue
	for i, r := range records {
		if r.PrevHash != prev {
			return i, errclass.ErrAuditChainBroken.WithMessagef("record %d: prev_hash does not match previous record", i+1)
		}
		want, err := computeRecordHash(r)
		if err != nil {
			return i, err
		}
		if want != r.RecordHash {
			return i, errclass.ErrAuditChainBroken.WithMessagef("record %d: record_hash mismatch", i+1)
		}
		prev = r.RecordHash
	}
	return len(records), nil
}

func lastRecordHash(file *os.File) (model.HashValue, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek to start: %w", err)
	}

	var lastHash model.HashValue
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record model.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue // skip malformed lines
		}
		lastHash = record.RecordHash
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan audit log: %w", err)
	}
	return lastHash, nil
}

// computeRecordHash hashes the canonical form of the record with
// RecordHash cleared.
func computeRecordHash(record *model.AuditRecord) (model.HashValue, error) {
	hashRecord := *record
	hashRecord.RecordHash = ""

	data, err := jsonutil.CanonicalMarshal(&hashRecord)
	if err != nil {
		return "", fmt.Errorf("marshal for hash: %w", err)
	}
	hash := sha256.Sum256(data)
	return model.HashValue(hex.EncodeToString(hash[:])), nil
}
