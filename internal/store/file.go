package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chr1sbest/jobtrail/internal/tracker"
)

// FileStore keeps one JSON file per job under a directory.
type FileStore struct {
	Dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid job id %q", id)
	}
	return filepath.Join(s.Dir, id+".json"), nil
}

// Save writes the record atomically, replacing any previous record with the
// same id.
func (s *FileStore) Save(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(r.ID)
	if err != nil {
		return err
	}
	r.normalize()
	if err := tracker.WriteJSONAtomic(p, r); err != nil {
		return fmt.Errorf("failed to save job record %s: %w", r.ID, err)
	}
	return nil
}

// Get loads one record.
func (s *FileStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	p, err := s.path(id)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return readRecord(p, id)
}

func readRecord(p, id string) (Record, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("corrupt job record %s: %w", id, err)
	}
	r.normalize()
	return r, nil
}

// List returns records newest first. Unreadable files are skipped.
func (s *FileStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, err
	}
	out := []Record{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		r, err := readRecord(filepath.Join(s.Dir, name), id)
		if err != nil {
			continue
		}
		if opts.TaskName != "" && r.TaskName != opts.TaskName {
			continue
		}
		if opts.Result != "" && r.Result != opts.Result {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
