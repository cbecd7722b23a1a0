package fastly

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileCleanupRecorder appends one row per created ACL/VCL resource to a CSV
// file, grounded on original_source/fastly_api.py's delete_script logger:
// a flat append-only log that a later `cleanup` invocation replays to tear
// down everything a run created, even across process restarts.
type FileCleanupRecorder struct {
	mu   sync.Mutex
	path string
}

// NewFileCleanupRecorder opens (creating if necessary) the CSV cleanup log
// at path.
func NewFileCleanupRecorder(path string) (*FileCleanupRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening cleanup log %s: %w", path, err)
	}
	f.Close()
	return &FileCleanupRecorder{path: path}, nil
}

// Record appends a row: a unique id, the creation timestamp, the account
// token, and the resource URL, so ReadAll below can hand back exactly what
// needs deleting and with which credential.
func (r *FileCleanupRecorder) Record(apiToken, resourceURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{uuid.New().String(), time.Now().UTC().Format(time.RFC3339), apiToken, resourceURL})
	w.Flush()
}

// CleanupEntry is one resource recorded for later deletion.
type CleanupEntry struct {
	APIToken    string
	ResourceURL string
}

// ReadAll returns every resource ever recorded, for the `cleanup` CLI
// command to delete.
func (r *FileCleanupRecorder) ReadAll() ([]CleanupEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("opening cleanup log %s: %w", r.path, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading cleanup log %s: %w", r.path, err)
	}

	entries := make([]CleanupEntry, 0, len(rows))
	for _, row := range rows {
		if len(row) == 4 {
			entries = append(entries, CleanupEntry{APIToken: row[2], ResourceURL: row[3]})
		}
	}
	return entries, nil
}
