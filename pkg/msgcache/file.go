package msgcache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/nick-boey/homespun/pkg/protocol"
)

const (
	logSuffix  = ".jsonl"
	metaSuffix = ".meta.json"

	// maxLineSize bounds a single cached message; tool results can be large.
	maxLineSize = 16 * 1024 * 1024
)

// FileStore keeps one JSONL log and one metadata file per session, grouped in
// a directory per project:
//
//	<root>/<project>/<session>.jsonl
//	<root>/<project>/<session>.meta.json
type FileStore struct {
	root string

	mu    sync.Mutex
	index map[string]string // session id -> project id
	locks map[string]*sync.Mutex
	// clean holds sessions whose log is known to end on a line boundary.
	clean map[string]bool
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating message cache directory: %w", err)
	}
	return &FileStore{
		root:  dir,
		index: make(map[string]string),
		locks: make(map[string]*sync.Mutex),
		clean: make(map[string]bool),
	}, nil
}

func (s *FileStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// project resolves the project directory of a session, scanning the disk when
// the in-memory index has no entry (e.g. after a restart).
func (s *FileStore) project(sessionID string) (string, error) {
	s.mu.Lock()
	p, ok := s.index[sessionID]
	s.mu.Unlock()
	if ok {
		return p, nil
	}

	matches, err := filepath.Glob(filepath.Join(s.root, "*", sessionID+metaSuffix))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", ErrNotFound
	}
	p = filepath.Base(filepath.Dir(matches[0]))

	s.mu.Lock()
	s.index[sessionID] = p
	s.mu.Unlock()
	return p, nil
}

func (s *FileStore) paths(projectID, sessionID string) (logPath, metaPath string) {
	dir := filepath.Join(s.root, projectID)
	return filepath.Join(dir, sessionID+logSuffix), filepath.Join(dir, sessionID+metaSuffix)
}

// Init implements Store.
func (s *FileStore) Init(_ context.Context, meta Summary) error {
	if err := validID(meta.SessionID); err != nil {
		return err
	}
	if err := validID(meta.ProjectID); err != nil {
		return err
	}

	l := s.sessionLock(meta.SessionID)
	l.Lock()
	defer l.Unlock()

	if existing, err := s.project(meta.SessionID); err == nil {
		if existing != meta.ProjectID {
			return fmt.Errorf("session %s already belongs to project %s", meta.SessionID, existing)
		}
		logPath, metaPath := s.paths(existing, meta.SessionID)
		current, err := readMeta(metaPath)
		if err != nil {
			return err
		}
		current.Mode = meta.Mode
		current.Model = meta.Model
		if f, err := os.OpenFile(logPath, os.O_RDWR, 0o600); err == nil {
			err = repairTail(f, meta.SessionID)
			f.Close()
			if err != nil {
				return err
			}
			s.setClean(meta.SessionID, true)
		}
		// A crash between the log append and the metadata rewrite leaves the
		// count behind; the log is authoritative.
		if n, err := countLines(logPath); err == nil {
			current.MessageCount = n
		}
		return writeMeta(metaPath, current)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := os.MkdirAll(filepath.Join(s.root, meta.ProjectID), 0o700); err != nil {
		return fmt.Errorf("creating project directory: %w", err)
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	meta.MessageCount = 0
	meta.LastMessageAt = time.Time{}

	logPath, metaPath := s.paths(meta.ProjectID, meta.SessionID)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating message log: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := writeMeta(metaPath, &meta); err != nil {
		return err
	}

	s.mu.Lock()
	s.index[meta.SessionID] = meta.ProjectID
	s.mu.Unlock()
	return nil
}

// Append implements Store.
func (s *FileStore) Append(_ context.Context, sessionID string, msg protocol.Message) error {
	if err := validID(sessionID); err != nil {
		return err
	}
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	projectID, err := s.project(sessionID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotInitialized, sessionID)
	}
	if err != nil {
		return err
	}
	logPath, metaPath := s.paths(projectID, sessionID)

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("opening message log: %w", err)
	}
	if !s.isClean(sessionID) {
		if err := repairTail(f, sessionID); err != nil {
			f.Close()
			return err
		}
		s.setClean(sessionID, true)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		s.setClean(sessionID, false)
		return fmt.Errorf("appending message: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing message log: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	meta, err := readMeta(metaPath)
	if err != nil {
		return err
	}
	meta.MessageCount++
	meta.LastMessageAt = msg.Timestamp
	if meta.LastMessageAt.IsZero() {
		meta.LastMessageAt = time.Now().UTC()
	}
	return writeMeta(metaPath, meta)
}

// GetMessages implements Store.
func (s *FileStore) GetMessages(_ context.Context, sessionID string) ([]protocol.Message, error) {
	if err := validID(sessionID); err != nil {
		return nil, err
	}
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	projectID, err := s.project(sessionID)
	if err != nil {
		return nil, err
	}
	logPath, _ := s.paths(projectID, sessionID)

	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening message log: %w", err)
	}
	defer f.Close()

	var messages []protocol.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Only a torn final write can produce this; skip it.
			slog.Warn("Skipping unreadable cached message", "session_id", sessionID, "line", lineNo, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading message log: %w", err)
	}
	return messages, nil
}

// GetSummary implements Store.
func (s *FileStore) GetSummary(_ context.Context, sessionID string) (*Summary, error) {
	if err := validID(sessionID); err != nil {
		return nil, err
	}
	projectID, err := s.project(sessionID)
	if err != nil {
		return nil, err
	}
	_, metaPath := s.paths(projectID, sessionID)
	return readMeta(metaPath)
}

// ListSessions implements Store. It only scans the project's directory.
func (s *FileStore) ListSessions(_ context.Context, projectID string) ([]Summary, error) {
	if err := validID(projectID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing project sessions: %w", err)
	}

	var summaries []Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(s.root, projectID, e.Name()))
		if err != nil {
			slog.Warn("Skipping unreadable session metadata", "file", e.Name(), "error", err)
			continue
		}
		summaries = append(summaries, *meta)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// Exists implements Store.
func (s *FileStore) Exists(_ context.Context, sessionID string) (bool, error) {
	if err := validID(sessionID); err != nil {
		return false, err
	}
	_, err := s.project(sessionID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// UpdateMeta implements Store.
func (s *FileStore) UpdateMeta(_ context.Context, sessionID string, update MetaUpdate) error {
	if err := validID(sessionID); err != nil {
		return err
	}
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	projectID, err := s.project(sessionID)
	if err != nil {
		return err
	}
	_, metaPath := s.paths(projectID, sessionID)
	meta, err := readMeta(metaPath)
	if err != nil {
		return err
	}
	update.apply(meta)
	return writeMeta(metaPath, meta)
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, sessionID string) error {
	if err := validID(sessionID); err != nil {
		return err
	}
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	projectID, err := s.project(sessionID)
	if err != nil {
		return err
	}
	logPath, metaPath := s.paths(projectID, sessionID)
	for _, p := range []string{metaPath, logPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", filepath.Base(p), err)
		}
	}

	s.mu.Lock()
	delete(s.index, sessionID)
	delete(s.clean, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *FileStore) isClean(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clean[sessionID]
}

func (s *FileStore) setClean(sessionID string, clean bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clean {
		s.clean[sessionID] = true
	} else {
		delete(s.clean, sessionID)
	}
}

// repairTail truncates a log back to its last newline, dropping a record
// torn by a crash mid-write so the next append starts on a fresh line.
func repairTail(f *os.File, sessionID string) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("inspecting message log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		n := min(int64(len(buf)), end)
		start := end - n
		if _, err := f.ReadAt(buf[:n], start); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading message log: %w", err)
		}
		if end == size && buf[n-1] == '\n' {
			return nil
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return truncateLog(f, sessionID, start+int64(i)+1, size)
		}
		end = start
	}
	return truncateLog(f, sessionID, 0, size)
}

func truncateLog(f *os.File, sessionID string, keep, size int64) error {
	slog.Warn("Dropping torn cached message", "session_id", sessionID, "bytes", size-keep)
	if err := f.Truncate(keep); err != nil {
		return fmt.Errorf("truncating message log: %w", err)
	}
	return f.Sync()
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

func readMeta(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading session metadata: %w", err)
	}
	var meta Summary
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing session metadata: %w", err)
	}
	return &meta, nil
}

func writeMeta(path string, meta *Summary) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing session metadata: %w", err)
	}
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}
