// Package export writes decoded samples and live readings as CSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shaunagostinho/kiwi/internal/record"
)

var (
	sampleHeader = []string{"ts", "utc", "temperature_c", "pressure_kpa"}
	lightHeader  = []string{"hdr_als", "hdr_w", "r", "g", "b", "w"}
)

// Header returns the CSV header for samples of schema s.
func Header(s record.Schema) []string {
	h := append([]string(nil), sampleHeader...)
	if s.HasLight() {
		h = append(h, lightHeader...)
	}
	return h
}

// WriteSamples writes a header and one row per sample. Timestamps are unix
// seconds with millisecond precision plus an RFC 3339 UTC column.
func WriteSamples(w io.Writer, samples []record.Sample, s record.Schema) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(s)); err != nil {
		return err
	}
	for _, smp := range samples {
		if err := cw.Write(sampleRow(smp, s)); err != nil {
			return fmt.Errorf("export: sample %d: %w", smp.Index, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func sampleRow(smp record.Sample, s record.Schema) []string {
	row := []string{
		unixString(smp.Time),
		smp.Time.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(float64(smp.Temperature), 'f', 4, 32),
		strconv.FormatFloat(float64(smp.Pressure), 'f', 3, 32),
	}
	if s.HasLight() {
		l := smp.Light
		if l == nil {
			l = &record.Light{}
		}
		for _, v := range []uint16{l.ALS, l.White, l.R, l.G, l.B, l.W} {
			row = append(row, strconv.Itoa(int(v)))
		}
	}
	return row
}

func unixString(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', 3, 64)
}
