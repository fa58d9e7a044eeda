package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/valuescan/fundcollect/pkg/logging"
)

// fileState is the on-disk layout of the checkpoint state file.
type fileState struct {
	UpdatedAt time.Time      `json:"updated_at"`
	Units     map[int]Record `json:"units"`
}

// FileStore persists checkpoint records in a single JSON file. Every mutation
// rewrites the file through a temp file, fsync, and rename, so the state on
// disk is always either the previous complete state or the new complete
// state. A crash mid-write therefore leaves the affected unit pending.
type FileStore struct {
	mu     sync.Mutex
	path   string
	units  map[int]Record
	logger zerolog.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (or initializes) the state file at path, creating parent
// directories as needed. It fails rather than guessing when the existing
// state cannot be decoded: a corrupt state file must never surface as units
// falsely done.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("checkpoint state file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}

	s := &FileStore{
		path:   path,
		units:  make(map[int]Record),
		logger: logging.NewLogger("checkpoint"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checkpoint state: %w", err)
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if st.Units != nil {
		s.units = st.Units
	}
	return nil
}

// save rewrites the state file atomically. Callers must hold s.mu.
func (s *FileStore) save() error {
	st := fileState{UpdatedAt: time.Now().UTC(), Units: s.units}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".checkpoints-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// IsDone reports whether the unit has been marked done.
func (s *FileStore) IsDone(ctx context.Context, unit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.units[unit]
	return ok && rec.Status == StatusDone, nil
}

// MarkDone records the unit as done with a reference to its persisted
// payload. The caller must have completed persistence before calling.
func (s *FileStore) MarkDone(ctx context.Context, unit int, payloadRef string) error {
	if unit < 0 {
		return fmt.Errorf("invalid unit index %d", unit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.units[unit]
	s.units[unit] = Record{
		Status:     StatusDone,
		PayloadRef: payloadRef,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.save(); err != nil {
		// Keep memory consistent with disk.
		if prev.Status == "" {
			delete(s.units, unit)
		} else {
			s.units[unit] = prev
		}
		Errors.WithLabelValues("mark", "file").Inc()
		return err
	}

	MarksTotal.WithLabelValues("file").Inc()
	s.logger.Debug().
		Int("unit", unit).
		Str("payload_ref", payloadRef).
		Msg("Unit marked done")
	return nil
}

// Get returns the record for the unit, or ErrNoRecord.
func (s *FileStore) Get(ctx context.Context, unit int) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.units[unit]
	if !ok {
		return Record{}, ErrNoRecord
	}
	return rec, nil
}

// ListPending returns the indices in [0, totalUnits) not marked done, in
// ascending order.
func (s *FileStore) ListPending(ctx context.Context, totalUnits int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]int, 0, totalUnits)
	for i := 0; i < totalUnits; i++ {
		if rec, ok := s.units[i]; !ok || rec.Status != StatusDone {
			pending = append(pending, i)
		}
	}
	return pending, nil
}

// Reset discards all checkpoint state. Only called on an explicit fresh-run
// request, never implicitly.
func (s *FileStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.units = make(map[int]Record)
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		Errors.WithLabelValues("reset", "file").Inc()
		return fmt.Errorf("remove checkpoint state: %w", err)
	}

	ResetsTotal.WithLabelValues("file").Inc()
	s.logger.Info().Str("path", s.path).Msg("Checkpoint state reset")
	return nil
}
