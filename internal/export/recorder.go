package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/kiwi/internal/kiwi"
)

// Recorder appends live readings to CSV files with automatic rotation.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	prefix   string
	interval time.Duration
	maxRows  int
	enabled  bool
	log      zerolog.Logger

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// RecorderConfig holds recorder settings.
type RecorderConfig struct {
	Enabled  bool
	Dir      string
	Prefix   string        // file name prefix, usually the logger id
	Interval time.Duration // minimum spacing between rows
	MaxRows  int           // rows per file before rotating
}

const defaultMaxRows = 100_000

var readingHeader = []string{
	"ts", "utc", "temperature_c", "pressure_kpa", "vbatt",
	"hdr_als", "hdr_w", "r", "g", "b", "w",
}

func NewRecorder(cfg RecorderConfig, log zerolog.Logger) *Recorder {
	if cfg.Dir == "" {
		cfg.Dir = "readings"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "kiwi"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Recorder{
		dir:      cfg.Dir,
		prefix:   cfg.Prefix,
		interval: cfg.Interval,
		maxRows:  cfg.MaxRows,
		enabled:  cfg.Enabled,
		log:      log.With().Str("component", "recorder").Logger(),
	}
}

// SetEnabled toggles recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record writes a reading if recording is on and the minimum interval has
// passed since the previous row.
func (r *Recorder) Record(rd kiwi.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}
	if !r.lastTs.IsZero() && rd.Time.Sub(r.lastTs) < r.interval {
		return
	}
	r.lastTs = rd.Time

	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(rd.Time); err != nil {
			r.log.Error().Err(err).Msg("rotate failed")
			return
		}
	}

	if err := r.writer.Write(readingRow(rd)); err != nil {
		r.log.Error().Err(err).Msg("write failed")
		return
	}
	r.writer.Flush()
	r.rows++
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	name := fmt.Sprintf("%s_%s.csv", r.prefix, now.UTC().Format("2006-01-02_150405.000"))
	path := filepath.Join(r.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if err := r.writer.Write(readingHeader); err != nil {
		return err
	}
	r.writer.Flush()

	r.log.Info().Str("path", path).Msg("recording readings")
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func readingRow(rd kiwi.Reading) []string {
	row := make([]string, len(readingHeader))
	row[0] = unixString(rd.Time)
	row[1] = rd.Time.UTC().Format(time.RFC3339Nano)
	row[2] = strconv.FormatFloat(rd.Temperature, 'f', 4, 64)
	row[3] = strconv.FormatFloat(rd.Pressure, 'f', 3, 64)
	row[4] = strconv.FormatFloat(rd.Battery, 'f', 2, 64)
	if l := rd.Light; l != nil {
		for i, v := range []float64{l.ALS, l.White, l.R, l.G, l.B, l.W} {
			row[5+i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return row
}
