// Package kiwi talks to Kiwi environmental loggers over a serial channel:
// identification, configuration, logging control, sensor snapshots and
// bulk extraction of flash memory.
package kiwi

import (
	"time"

	"github.com/shaunagostinho/kiwi/internal/record"
)

// Protocol generations. Legacy firmware speaks CSV; everything newer
// reports its version number in the JSON identity reply.
const (
	VersionLegacy = 0
)

// Config is a snapshot of the logger's configuration as last fetched.
type Config struct {
	Name       string `json:"name"`
	ID         string `json:"id"`
	Start      int64  `json:"start"`
	Stop       int64  `json:"stop"` // 0 while running or after power loss
	IntervalMS int    `json:"interval_ms"`
	UseLight   bool   `json:"use_light"`
	FlashID    string `json:"flash_id,omitempty"`
}

func (c Config) Interval() time.Duration { return time.Duration(c.IntervalMS) * time.Millisecond }

func (c Config) StartTime() time.Time { return time.Unix(c.Start, 0).UTC() }

// Schema is the record layout the logger writes with this configuration.
func (c Config) Schema() record.Schema { return record.SchemaFor(c.UseLight) }

// LightReading is a light snapshot in lux.
type LightReading struct {
	ALS   float64 `json:"hdr_als"`
	White float64 `json:"hdr_w"`
	R     float64 `json:"r"`
	G     float64 `json:"g"`
	B     float64 `json:"b"`
	W     float64 `json:"w"`
}

// Reading is one live sensor snapshot.
type Reading struct {
	Time        time.Time     `json:"ts"`
	Temperature float64       `json:"t"`
	Pressure    float64       `json:"p"`
	Battery     float64       `json:"vbatt"`
	Light       *LightReading `json:"light,omitempty"`
}

const (
	// MaxNameLength is the longest name the logger stores.
	MaxNameLength = 15
	// idPrefix starts every legacy hardware id.
	idPrefix = 'E'
	idLength = 16
)
