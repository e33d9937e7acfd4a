package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// maxLineBytes bounds a single journal line.
const maxLineBytes = 1 << 20

// JSONLStorage appends one JSON object per line to a file.
type JSONLStorage struct {
	mu   sync.Mutex
	path string
}

// NewJSONLStorage opens (creating if needed) the journal at path.
func NewJSONLStorage(path string) (*JSONLStorage, error) {
	if path == "" {
		return nil, &models.ConfigError{Field: "storage.journal_path", Reason: "must not be empty"}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 -- path comes from config
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing journal: %w", err)
	}
	return &JSONLStorage{path: path}, nil
}

// Path returns the journal file path.
func (s *JSONLStorage) Path() string { return s.path }

// Append writes rec as a single line and syncs the file.
func (s *JSONLStorage) Append(rec *models.TradeRecord) error {
	if rec == nil {
		return errors.New("nil trade record")
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding trade record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 -- path comes from config
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing journal: %w", err)
	}
	return f.Close()
}

// Records reads the whole journal. Blank lines are skipped; unknown fields
// are ignored.
func (s *JSONLStorage) Records() ([]models.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path) // #nosec G304 -- path comes from config
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []models.TradeRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec models.TradeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return out, fmt.Errorf("%w: line %d: %v", ErrCorruptRecord, n, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("reading journal: %w", err)
	}
	return out, nil
}
