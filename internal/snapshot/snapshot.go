// Package snapshot persists the user-declared repositories so they can be
// relaunched on the next start. Only user-supplied fields are stored.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Entry is one persisted repository.
type Entry struct {
	ID                        int     `json:"id"`
	DisplayName               *string `json:"displayName"`
	ControlRepositoryLocation string  `json:"controlRepositoryLocation"`
	ContentRepositoryPath     string  `json:"contentRepositoryPath"`
	Preparer                  string  `json:"preparer"`
	Template                  string  `json:"template,omitempty"`
}

// rawEntry distinguishes absent fields from zero values.
type rawEntry struct {
	ID                        *int    `json:"id"`
	DisplayName               *string `json:"displayName"`
	ControlRepositoryLocation *string `json:"controlRepositoryLocation"`
	ContentRepositoryPath     *string `json:"contentRepositoryPath"`
	Preparer                  *string `json:"preparer"`
	Template                  string  `json:"template"`
}

// Load reads the snapshot at path. A missing file yields no entries.
// Entries lacking a required field are skipped with a warning.
func Load(path string, logger *slog.Logger) ([]Entry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for i, item := range raw {
		var r rawEntry
		if err := json.Unmarshal(item, &r); err != nil {
			logger.Warn("skipping malformed snapshot entry", "index", i, "err", err)
			continue
		}
		if r.ID == nil || r.ControlRepositoryLocation == nil || r.ContentRepositoryPath == nil || r.Preparer == nil {
			logger.Warn("skipping incomplete snapshot entry", "index", i)
			continue
		}
		entries = append(entries, Entry{
			ID:                        *r.ID,
			DisplayName:               r.DisplayName,
			ControlRepositoryLocation: *r.ControlRepositoryLocation,
			ContentRepositoryPath:     *r.ContentRepositoryPath,
			Preparer:                  *r.Preparer,
			Template:                  r.Template,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Write stores entries at path, ordered by id. The file is replaced
// atomically through a temporary file in the same directory.
func Write(path string, entries []Entry) error {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
