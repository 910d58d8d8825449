package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps the journal as a single JSON document that is rewritten on every
// append through a temporary file and rename.
type FileStore struct {
	path    string
	entries []Entry
	closed  bool
}

type fileDocument struct {
	Entries []Entry `json:"entries"`
}

// OpenFile loads the journal at path, starting empty when the file does not exist.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()
	var doc fileDocument
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("journal: decode %s: %w", path, err)
	}
	s.entries = doc.Entries
	return s, nil
}

func (s *FileStore) Append(_ context.Context, e Entry) error {
	if s.closed {
		return ErrClosed
	}
	next := append(append([]Entry(nil), s.entries...), e)
	if err := s.save(next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

func (s *FileStore) save(entries []Entry) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("journal: create directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("journal: create %s: %w", tmp, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fileDocument{Entries: entries}); err != nil {
		f.Close()
		return fmt.Errorf("journal: encode: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Entries(context.Context) ([]Entry, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return append([]Entry(nil), s.entries...), nil
}

func (s *FileStore) Close() error {
	s.closed = true
	return nil
}
