package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/valuescan/fundcollect/pkg/fundamental"
)

// UnitState labels a work unit's position in the processing state machine.
// Transitions: PENDING -> FETCHING -> FILTERING -> PERSISTING -> DONE, with
// DEFERRED reachable from FETCHING and PERSISTING on soft failure and FAILED
// terminal after the deferral budget runs out.
type UnitState string

const (
	UnitPending    UnitState = "PENDING"
	UnitFetching   UnitState = "FETCHING"
	UnitFiltering  UnitState = "FILTERING"
	UnitPersisting UnitState = "PERSISTING"
	UnitDone       UnitState = "DONE"
	UnitDeferred   UnitState = "DEFERRED"
	UnitFailed     UnitState = "FAILED"
)

// WorkUnit is an ordered, fixed-size slice of the entity universe plus its
// sequence index. Immutable once created.
type WorkUnit struct {
	Index      int
	Securities []fundamental.Security
}

// Partition splits the universe into units of the given size, preserving
// listing order. The final unit may be short.
func Partition(secs []fundamental.Security, size int) []WorkUnit {
	if size <= 0 {
		size = DefaultUnitSize
	}
	units := make([]WorkUnit, 0, (len(secs)+size-1)/size)
	for start := 0; start < len(secs); start += size {
		end := min(start+size, len(secs))
		units = append(units, WorkUnit{Index: len(units), Securities: secs[start:end]})
	}
	return units
}

// SkippedEntity records a permanent per-entity skip and its cause.
type SkippedEntity struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// unitPayload is the cached fetch-phase result of one unit: every entity
// either fetched or permanently skipped. Filtering and persistence re-run
// from this cache on resume, so an interrupted persistence never forces a
// refetch.
type unitPayload struct {
	Unit    int                   `json:"unit"`
	SavedAt time.Time             `json:"saved_at"`
	Fetched []*fundamental.Record `json:"fetched"`
	Skipped []SkippedEntity       `json:"skipped,omitempty"`
}

func payloadFileName(unit int) string {
	return fmt.Sprintf("unit_%04d.json", unit)
}

func (c *Collector) payloadPath(unit int) string {
	return filepath.Join(c.cfg.PayloadDir, payloadFileName(unit))
}

func readPayload(path string) (*unitPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p unitPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", path, err)
	}
	return &p, nil
}

// loadPayload returns the cached payload for a unit, or false when none is
// usable. An unreadable cache file just triggers a refetch.
func (c *Collector) loadPayload(unit int) (*unitPayload, bool) {
	p, err := readPayload(c.payloadPath(unit))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn().
				Int("unit", unit).
				Err(err).
				Msg("Unreadable payload cache, refetching unit")
		}
		return nil, false
	}
	return p, true
}

// savePayload writes the unit payload durably (temp file, fsync, rename) and
// returns the reference stored in the checkpoint record. The payload must be
// on disk before the unit can ever be marked done.
func (c *Collector) savePayload(p *unitPayload) (string, error) {
	p.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	tmp, err := os.CreateTemp(c.cfg.PayloadDir, ".unit-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp payload file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write temp payload file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("sync temp payload file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp payload file: %w", err)
	}
	if err := os.Rename(tmpName, c.payloadPath(p.Unit)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("replace payload file: %w", err)
	}
	return payloadFileName(p.Unit), nil
}
