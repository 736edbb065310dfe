// Package store keeps flash dumps and their JSON sidecars on disk, one
// directory per logger id: <dir>/<id>/<id>_<start>.bin and .config.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/kiwi/internal/kiwi"
)

// ErrExists is returned by CreateDump when the dump is already on disk.
var ErrExists = errors.New("store: dump already exists")

// Metadata is the sidecar describing one logging run. The embedded logger
// configuration is flattened into the top-level JSON object.
type Metadata struct {
	kiwi.Config
	Version int    `json:"version"`
	RunID   string `json:"run_id,omitempty"`

	VbattPre  *float64 `json:"vbatt_pre,omitempty"`
	VbattPost *float64 `json:"vbatt_post,omitempty"`

	// Host clock, unix seconds, when the run was started or stopped here.
	StartLoggingTime *int64 `json:"start_logging_time,omitempty"`
	StopLoggingTime  *int64 `json:"stop_logging_time,omitempty"`

	Extract *ExtractInfo `json:"extract,omitempty"`
}

// ExtractInfo records how the dump next to the sidecar was produced.
type ExtractInfo struct {
	At     time.Time `json:"at"`
	Status string    `json:"status"`
	Bytes  int64     `json:"bytes"`
	Next   int       `json:"next"`
}

// Run is one dump and its sidecar.
type Run struct {
	ID      string
	Start   int64
	Dump    string
	Sidecar string
}

type Store struct {
	dir string
	log zerolog.Logger
}

// Open opens or creates a store rooted at dir.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log.With().Str("component", "store").Logger()}, nil
}

func (s *Store) Dir() string { return s.dir }

// Run returns the paths for a logger id and logging start time.
func (s *Store) Run(id string, start int64) Run {
	base := filepath.Join(s.dir, id, fmt.Sprintf("%s_%d", id, start))
	return Run{ID: id, Start: start, Dump: base + ".bin", Sidecar: base + ".config"}
}

// CreateDump creates the dump file for a run. Without overwrite an existing
// dump is left alone and ErrExists returned.
func (s *Store) CreateDump(r Run, overwrite bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(r.Dump), 0755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(r.Dump, flags, 0644)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w: %s", ErrExists, r.Dump)
	}
	if err != nil {
		return nil, fmt.Errorf("store: create dump: %w", err)
	}
	s.log.Info().Str("path", r.Dump).Msg("writing dump")
	return f, nil
}

// SaveMetadata writes m to the run's sidecar, merged over whatever the
// sidecar already holds. Keys m leaves unset keep their stored values.
func (s *Store) SaveMetadata(r Run, m Metadata) error {
	if err := os.MkdirAll(filepath.Dir(r.Sidecar), 0755); err != nil {
		return fmt.Errorf("store: create dir: %w", err)
	}

	base := map[string]interface{}{}
	if data, err := os.ReadFile(r.Sidecar); err == nil {
		if err := json.Unmarshal(data, &base); err != nil {
			s.log.Warn().Err(err).Str("path", r.Sidecar).Msg("replacing unreadable sidecar")
			base = map[string]interface{}{}
		}
	}

	patchBytes, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	var patch map[string]interface{}
	if err := json.Unmarshal(patchBytes, &patch); err != nil {
		return fmt.Errorf("store: unmarshal metadata: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("store: marshal merged metadata: %w", err)
	}
	if err := os.WriteFile(r.Sidecar, merged, 0644); err != nil {
		return fmt.Errorf("store: write sidecar: %w", err)
	}
	s.log.Debug().Str("path", r.Sidecar).Msg("sidecar saved")
	return nil
}

// deepMerge recursively merges src into dst. Nested maps are merged; other
// values in src replace those in dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// LoadMetadata reads a sidecar.
func LoadMetadata(path string) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("store: read sidecar: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("store: parse %s: %w", path, err)
	}
	if err := m.fillLegacy(data); err != nil {
		return m, fmt.Errorf("store: parse %s: %w", path, err)
	}
	return m, nil
}

// legacySidecar holds the keys written by older host tools.
type legacySidecar struct {
	StartTime    *float64 `json:"logging_start_time"`
	IntervalCode *int     `json:"logging_interval_code"`
	UseLight     *bool    `json:"use_light"`
}

// fillLegacy completes the start time and interval from legacy keys when
// the current ones are missing. Those loggers always record light.
func (m *Metadata) fillLegacy(data []byte) error {
	var l legacySidecar
	if err := json.Unmarshal(data, &l); err != nil {
		return err
	}
	used := false
	if m.Start == 0 && l.StartTime != nil {
		m.Start = int64(*l.StartTime)
		used = true
	}
	if m.IntervalMS == 0 && l.IntervalCode != nil {
		d, err := kiwi.CodeInterval(kiwi.VersionLegacy, *l.IntervalCode)
		if err != nil {
			return err
		}
		m.IntervalMS = int(d / time.Millisecond)
		used = true
	}
	if used && l.UseLight == nil {
		m.UseLight = true
	}
	return nil
}

// SidecarFor maps a dump path to its sidecar path.
func SidecarFor(dump string) string {
	return strings.TrimSuffix(dump, filepath.Ext(dump)) + ".config"
}

// Runs lists the dumps stored for a logger id, oldest first.
func (s *Store) Runs(id string) ([]Run, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, id, id+"_*.bin"))
	if err != nil {
		return nil, err
	}
	var runs []Run
	for _, m := range matches {
		stem := strings.TrimSuffix(filepath.Base(m), ".bin")
		start, err := strconv.ParseInt(strings.TrimPrefix(stem, id+"_"), 10, 64)
		if err != nil {
			continue
		}
		runs = append(runs, s.Run(id, start))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Start < runs[j].Start })
	return runs, nil
}

// Latest is the most recent run for a logger id.
func (s *Store) Latest(id string) (Run, error) {
	runs, err := s.Runs(id)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, fmt.Errorf("store: no dumps for %s in %s", id, s.dir)
	}
	return runs[len(runs)-1], nil
}
