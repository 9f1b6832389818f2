package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jvs-project/agentlock/pkg/fsutil"
)

const (
	recordExt  = ".json"
	lockFile   = ".lock"
	tmpMaxAge  = time.Minute
	rootNSName = "_"

	// maxFileName keeps record file names under common filesystem limits.
	maxFileName = 200
)

// FileStore keeps one JSON file per record under a directory per key
// namespace (lock/, session/, claim/). Mutations hold an exclusive flock on
// the namespace's .lock file for the read-check-write, and records are
// replaced by atomic rename so lock-free readers never see partial files.
type FileStore struct {
	root string
	now  func() time.Time
}

// OpenFile opens (creating if needed) a file store rooted at dir.
func OpenFile(dir string, opts Options) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, unavailable("open file store", err)
	}
	return &FileStore{root: dir, now: opts.now()}, nil
}

// Root returns the store directory.
func (s *FileStore) Root() string {
	return s.root
}

// splitKey maps a key to its namespace directory and file name.
func splitKey(key string) (ns, name string) {
	if i := strings.IndexByte(key, '/'); i > 0 {
		return key[:i], key[i+1:]
	}
	return rootNSName, key
}

func (s *FileStore) nsDir(ns string) string {
	return filepath.Join(s.root, ns)
}

func (s *FileStore) recordPath(key string) string {
	ns, name := splitKey(key)
	return filepath.Join(s.nsDir(ns), recordFileName(name))
}

// recordFileName escapes name into a visible file name. Names whose escaped
// form would not fit a file name are hashed; the record keeps its key.
func recordFileName(name string) string {
	esc := url.PathEscape(name)
	switch {
	case len(esc) > maxFileName:
		sum := sha256.Sum256([]byte(name))
		esc = "~" + hex.EncodeToString(sum[:])
	case strings.HasPrefix(esc, "."):
		esc = "%2E" + esc[1:]
	case strings.HasPrefix(esc, "~"):
		esc = "%7E" + esc[1:]
	}
	return esc + recordExt
}

// withLock runs fn while holding the namespace lock of key.
func (s *FileStore) withLock(key string, fn func() error) error {
	ns, _ := splitKey(key)
	return s.withNSLock(ns, fn)
}

func (s *FileStore) withNSLock(ns string, fn func() error) error {
	dir := s.nsDir(ns)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return unavailable("create namespace dir", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return unavailable("open namespace lock", err)
	}
	defer f.Close()

	if err := lockFd(f); err != nil {
		return unavailable("flock namespace", err)
	}
	defer unlockFd(f)

	return fn()
}

func (s *FileStore) read(key string) (*Record, error) {
	return readRecord(s.recordPath(key))
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

// readLive returns the live record at key, nil if absent or expired.
func (s *FileStore) readLive(key string) (*Record, error) {
	rec, err := s.read(key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, nil
	}
	return rec, nil
}

func (s *FileStore) write(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return fsutil.AtomicWrite(s.recordPath(rec.Key), data, 0644)
}

// TryAcquire implements Store.
func (s *FileStore) TryAcquire(_ context.Context, key, holder string, ttl time.Duration, value []byte) (bool, error) {
	acquired := false
	err := s.withLock(key, func() error {
		cur, err := s.readLive(key)
		if err != nil {
			return unavailable("read "+key, err)
		}
		if cur != nil {
			return nil
		}
		now := s.now()
		rec := &Record{Key: key, Holder: holder, Value: value, CreatedAt: now, ExpiresAt: expiryFor(now, ttl)}
		if err := s.write(rec); err != nil {
			return unavailable("write "+key, err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// Replace implements Store.
func (s *FileStore) Replace(_ context.Context, key, expectHolder, holder string, ttl time.Duration, value []byte) (bool, error) {
	replaced := false
	err := s.withLock(key, func() error {
		cur, err := s.readLive(key)
		if err != nil {
			return unavailable("read "+key, err)
		}
		if cur == nil || cur.Holder != expectHolder {
			return nil
		}
		now := s.now()
		created := cur.CreatedAt
		if holder != cur.Holder {
			created = now
		}
		rec := &Record{Key: key, Holder: holder, Value: value, CreatedAt: created, ExpiresAt: expiryFor(now, ttl)}
		if err := s.write(rec); err != nil {
			return unavailable("write "+key, err)
		}
		replaced = true
		return nil
	})
	return replaced, err
}

// Release implements Store.
func (s *FileStore) Release(_ context.Context, key, holder string) (bool, error) {
	released := false
	err := s.withLock(key, func() error {
		cur, err := s.read(key)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return unavailable("read "+key, err)
		}
		live := !cur.Expired(s.now())
		if live && cur.Holder != holder {
			return nil
		}
		if err := os.Remove(s.recordPath(key)); err != nil && !os.IsNotExist(err) {
			return unavailable("remove "+key, err)
		}
		released = live
		return nil
	})
	return released, err
}

// ReleaseIfUnchanged implements Store.
func (s *FileStore) ReleaseIfUnchanged(_ context.Context, key, holder string, value []byte) (bool, error) {
	released := false
	err := s.withLock(key, func() error {
		cur, err := s.readLive(key)
		if err != nil {
			return unavailable("read "+key, err)
		}
		if cur == nil || cur.Holder != holder || !bytes.Equal(cur.Value, value) {
			return nil
		}
		if err := os.Remove(s.recordPath(key)); err != nil && !os.IsNotExist(err) {
			return unavailable("remove "+key, err)
		}
		released = true
		return nil
	})
	return released, err
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, key string) (bool, error) {
	existed := false
	err := s.withLock(key, func() error {
		cur, err := s.readLive(key)
		if err != nil {
			// A corrupt record is still removed by a forced delete.
			cur = nil
		}
		if err := os.Remove(s.recordPath(key)); err != nil && !os.IsNotExist(err) {
			return unavailable("remove "+key, err)
		}
		existed = cur != nil
		return nil
	})
	return existed, err
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, key string) (*Record, error) {
	rec, err := s.readLive(key)
	if err != nil {
		return nil, unavailable("read "+key, err)
	}
	return rec, nil
}

// List implements Store. Unparsable files are skipped.
func (s *FileStore) List(_ context.Context, prefix string) ([]*Record, error) {
	namespaces, err := s.namespacesFor(prefix)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var out []*Record
	for _, ns := range namespaces {
		entries, err := os.ReadDir(s.nsDir(ns))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, unavailable("list "+ns, err)
		}
		for _, entry := range entries {
			if !isRecordFile(entry.Name()) {
				continue
			}
			rec, err := readRecord(filepath.Join(s.nsDir(ns), entry.Name()))
			if err != nil || !strings.HasPrefix(rec.Key, prefix) || rec.Expired(now) {
				continue
			}
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FileStore) namespacesFor(prefix string) ([]string, error) {
	if i := strings.IndexByte(prefix, '/'); i > 0 {
		return []string{prefix[:i]}, nil
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, unavailable("list namespaces", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// isRecordFile skips the namespace lock, temp files and anything else that
// is not a record.
func isRecordFile(fileName string) bool {
	return strings.HasSuffix(fileName, recordExt) && !strings.HasPrefix(fileName, ".")
}

// Sweep implements Store. It also removes temp files left by writers that
// crashed mid-rename.
func (s *FileStore) Sweep(_ context.Context) (int, error) {
	namespaces, err := s.namespacesFor("")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, ns := range namespaces {
		err := s.withNSLock(ns, func() error {
			entries, err := os.ReadDir(s.nsDir(ns))
			if err != nil {
				return unavailable("sweep "+ns, err)
			}
			now := s.now()
			for _, entry := range entries {
				path := filepath.Join(s.nsDir(ns), entry.Name())
				if fsutil.IsTempFile(entry.Name()) {
					if info, err := entry.Info(); err == nil && time.Since(info.ModTime()) > tmpMaxAge {
						if os.Remove(path) == nil {
							removed++
						}
					}
					continue
				}
				if !isRecordFile(entry.Name()) {
					continue
				}
				rec, err := readRecord(path)
				if err != nil || !rec.Expired(now) {
					continue
				}
				if os.Remove(path) == nil {
					removed++
				}
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Ping implements Store.
func (s *FileStore) Ping(_ context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return unavailable("stat store root", err)
	}
	if !info.IsDir() {
		return unavailable("stat store root", fmt.Errorf("%s is not a directory", s.root))
	}
	f, err := os.CreateTemp(s.root, fsutil.TmpPrefix+"ping-*")
	if err != nil {
		return unavailable("store root not writable", err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

// OrphanTempFiles lists temp files older than the sweep threshold.
func (s *FileStore) OrphanTempFiles() ([]string, error) {
	namespaces, err := s.namespacesFor("")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ns := range namespaces {
		files, err := fsutil.StaleTempFiles(s.nsDir(ns), tmpMaxAge)
		if err != nil {
			return nil, unavailable("scan "+ns, err)
		}
		out = append(out, files...)
	}
	return out, nil
}

// ExpiredRecords counts expired records still present on disk.
func (s *FileStore) ExpiredRecords(_ context.Context) (int, error) {
	namespaces, err := s.namespacesFor("")
	if err != nil {
		return 0, err
	}
	now := s.now()
	count := 0
	for _, ns := range namespaces {
		entries, err := os.ReadDir(s.nsDir(ns))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !isRecordFile(entry.Name()) {
				continue
			}
			if rec, err := readRecord(filepath.Join(s.nsDir(ns), entry.Name())); err == nil && rec.Expired(now) {
				count++
			}
		}
	}
	return count, nil
}
