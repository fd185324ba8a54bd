package logstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/jameslbarnes/dshield/interfaces"
)

// FileStore persists each function's chain as a JSON-lines file under a base
// directory. Suitable for development and single-node deployments.
type FileStore struct {
	baseDir string
	log     *slog.Logger

	mu     sync.Mutex
	latest map[string]uint64
}

// NewFileStore creates a file-backed log store using the specified base
// directory, creating it if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &FileStore{
		baseDir: baseDir,
		log:     log,
		latest:  make(map[string]uint64),
	}, nil
}

// Append writes the signed entry as one JSON line at the end of its
// function's file.
func (s *FileStore) Append(ctx context.Context, entry interfaces.SignedLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.chainPath(entry.FunctionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open chain file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync chain file: %w", err)
	}

	if entry.Sequence > s.latest[entry.FunctionID] {
		s.latest[entry.FunctionID] = entry.Sequence
	}

	s.log.Debug("Appended entry to chain file",
		slog.String("functionID", entry.FunctionID),
		slog.Uint64("sequence", entry.Sequence))

	return nil
}

// GetAll reads the function's chain file back into memory.
func (s *FileStore) GetAll(ctx context.Context, functionID string) ([]interfaces.SignedLogEntry, error) {
	f, err := os.Open(s.chainPath(functionID))
	if os.IsNotExist(err) {
		return []interfaces.SignedLogEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open chain file: %w", err)
	}
	defer f.Close()

	var entries []interfaces.SignedLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry interfaces.SignedLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("corrupt chain file for %s: %w", functionID, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chain file: %w", err)
	}

	return entries, nil
}

// GetLatestSequence returns the cached latest sequence, scanning the chain
// file the first time a function id is seen.
func (s *FileStore) GetLatestSequence(ctx context.Context, functionID string) (uint64, error) {
	s.mu.Lock()
	if latest, ok := s.latest[functionID]; ok {
		s.mu.Unlock()
		return latest, nil
	}
	s.mu.Unlock()

	entries, err := s.GetAll(ctx, functionID)
	if err != nil {
		return 0, err
	}

	var latest uint64
	for _, entry := range entries {
		if entry.Sequence > latest {
			latest = entry.Sequence
		}
	}

	s.mu.Lock()
	s.latest[functionID] = latest
	s.mu.Unlock()

	return latest, nil
}

// Available checks that the base directory still exists.
func (s *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(s.baseDir)
	if err != nil {
		s.log.Debug("File store unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this store.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// chainPath maps a function id to its chain file, escaping characters that
// are not filesystem safe.
func (s *FileStore) chainPath(functionID string) string {
	return filepath.Join(s.baseDir, url.PathEscape(functionID)+".jsonl")
}
