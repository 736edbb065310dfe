package record

import (
	"encoding/binary"
	"math"
	"time"
)

// Light holds the raw light-sensor counts of one sample.
type Light struct {
	ALS   uint16 `json:"hdr_als"`
	White uint16 `json:"hdr_w"`
	R     uint16 `json:"r"`
	G     uint16 `json:"g"`
	B     uint16 `json:"b"`
	W     uint16 `json:"w"`
}

// Raw is one decoded record. Light is nil for SchemaBasic.
type Raw struct {
	Temperature float32 `json:"t"` // °C
	Pressure    float32 `json:"p"` // kPa
	Light       *Light  `json:"light,omitempty"`
}

// Valid reports whether no float field is NaN.
func (r Raw) Valid() bool {
	return !math.IsNaN(float64(r.Temperature)) && !math.IsNaN(float64(r.Pressure))
}

// Sample is a Raw with its reconstructed time.
type Sample struct {
	Raw
	Index int       `json:"i"`
	Time  time.Time `json:"ts"`
}

// Decode walks buf page by page and returns every record up to, not
// including, the first one holding a NaN float. Erased flash decodes as NaN,
// so the result ends where recorded data ends. Complete records in a
// trailing partial page are decoded too.
func Decode(buf []byte, s Schema) []Raw {
	size := s.Size()
	per := s.PerPage()

	var out []Raw
	for base := 0; base < len(buf); base += PageSize {
		page := buf[base:min(base+PageSize, len(buf))]
		for i := 0; i < per && (i+1)*size <= len(page); i++ {
			r := decodeOne(page[i*size:(i+1)*size], s)
			if !r.Valid() {
				return out
			}
			out = append(out, r)
		}
	}
	return out
}

func decodeOne(b []byte, s Schema) Raw {
	r := Raw{
		Temperature: math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		Pressure:    math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
	}
	if s.HasLight() {
		r.Light = &Light{
			ALS:   binary.LittleEndian.Uint16(b[8:10]),
			White: binary.LittleEndian.Uint16(b[10:12]),
			R:     binary.LittleEndian.Uint16(b[12:14]),
			G:     binary.LittleEndian.Uint16(b[14:16]),
			B:     binary.LittleEndian.Uint16(b[16:18]),
			W:     binary.LittleEndian.Uint16(b[18:20]),
		}
	}
	return r
}

// Append encodes r in the device's native layout.
func Append(dst []byte, r Raw, s Schema) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(r.Temperature))
	dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(r.Pressure))
	if s.HasLight() {
		var l Light
		if r.Light != nil {
			l = *r.Light
		}
		for _, v := range []uint16{l.ALS, l.White, l.R, l.G, l.B, l.W} {
			dst = binary.LittleEndian.AppendUint16(dst, v)
		}
	}
	return dst
}

// Pack lays records out page-exact the way the logger writes them, padding
// the unused tail of each page with Erased. The last page is not padded.
func Pack(rs []Raw, s Schema) []byte {
	per := s.PerPage()
	out := make([]byte, 0, (len(rs)/per+1)*PageSize)
	for i, r := range rs {
		if i > 0 && i%per == 0 {
			for len(out)%PageSize != 0 {
				out = append(out, Erased)
			}
		}
		out = Append(out, r, s)
	}
	return out
}

// Stamp assigns start + i*interval to the i-th record. The logger keeps no
// per-sample time, so the axis is synthetic and evenly spaced.
func Stamp(rs []Raw, start time.Time, interval time.Duration) []Sample {
	out := make([]Sample, len(rs))
	for i, r := range rs {
		out[i] = Sample{
			Raw:   r,
			Index: i,
			Time:  start.Add(time.Duration(i) * interval).UTC(),
		}
	}
	return out
}

// IndexAt is the index of the sample taken at or just before t. Times before
// start map to 0.
func IndexAt(t, start time.Time, interval time.Duration) int {
	if interval <= 0 || !t.After(start) {
		return 0
	}
	return int(t.Sub(start) / interval)
}
