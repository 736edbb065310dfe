package record

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestSchemaGeometry(t *testing.T) {
	is := is.New(t)

	is.Equal(SchemaBasic.Size(), 8)
	is.Equal(SchemaBasic.PerPage(), 32)
	is.Equal(SchemaLight.Size(), 20)
	is.Equal(SchemaLight.PerPage(), 12)
	is.Equal(SchemaFor(true), SchemaLight)
	is.Equal(SchemaFor(false), SchemaBasic)
	is.Equal(PageCount, 65536)
}

func TestAddressRoundTrip(t *testing.T) {
	is := is.New(t)

	for _, s := range []Schema{SchemaBasic, SchemaLight} {
		for _, i := range []int{0, 1, 11, 12, 13, 31, 32, 33, 1000, s.Capacity() - 1} {
			a := s.Address(i)
			is.True(a.Offset+s.Size() <= PageSize) // record stays inside its page
			is.Equal(s.Index(a), i)
		}
	}

	a := SchemaLight.Address(13)
	is.Equal(a, Address{Page: 1, Offset: 20})
	is.Equal(a.Byte(), 276)
}

func sample(i int, light bool) Raw {
	r := Raw{Temperature: 20 + float32(i)/10, Pressure: 101.3}
	if light {
		r.Light = &Light{ALS: uint16(i), White: 2, R: 3, G: 4, B: 5, W: 6}
	}
	return r
}

func TestDecodeStopsAtNaN(t *testing.T) {
	is := is.New(t)

	var buf []byte
	for i := 0; i < 7; i++ {
		buf = Append(buf, sample(i, false), SchemaBasic)
	}
	buf = Append(buf, Raw{Temperature: float32(math.NaN()), Pressure: 1}, SchemaBasic)
	buf = Append(buf, sample(99, false), SchemaBasic)

	got := Decode(buf, SchemaBasic)
	is.Equal(len(got), 7)
	is.Equal(got[6].Temperature, sample(6, false).Temperature)
}

func TestDecodeErasedPage(t *testing.T) {
	is := is.New(t)

	is.Equal(len(Decode(bytes.Repeat([]byte{Erased}, PageSize), SchemaLight)), 0)
	is.Equal(len(Decode(nil, SchemaBasic)), 0)
}

func TestDecodeSpansPages(t *testing.T) {
	is := is.New(t)

	var rs []Raw
	for i := 0; i < 30; i++ {
		rs = append(rs, sample(i, true))
	}
	buf := Pack(rs, SchemaLight)
	is.Equal(len(buf), 2*PageSize+6*20) // two full pages then six records

	got := Decode(buf, SchemaLight)
	is.Equal(len(got), 30)
	is.Equal(*got[29].Light, *rs[29].Light)
	is.Equal(got[12].Temperature, rs[12].Temperature)
}

func TestDecodeAndStampPage(t *testing.T) {
	is := is.New(t)

	var page []byte
	for i := 0; i < 5; i++ {
		page = Append(page, sample(i, true), SchemaLight)
	}
	page = append(page, bytes.Repeat([]byte{Erased}, PageSize-len(page))...)
	is.Equal(len(page), PageSize)

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	interval := 5 * time.Second
	got := Stamp(Decode(page, SchemaLight), start, interval)

	is.Equal(len(got), 5)
	for i, s := range got {
		is.Equal(s.Index, i)
		is.True(s.Time.Equal(start.Add(time.Duration(i) * interval)))
	}
}

func TestStampOneSecond(t *testing.T) {
	is := is.New(t)

	start := time.Unix(1700000000, 0)
	got := Stamp([]Raw{sample(0, false), sample(1, false), sample(2, false)}, start, time.Second)
	for i, s := range got {
		is.Equal(s.Time.Unix(), start.Unix()+int64(i))
	}
}

func TestIndexAt(t *testing.T) {
	is := is.New(t)

	start := time.Unix(1000, 0)
	is.Equal(IndexAt(start, start, time.Second), 0)
	is.Equal(IndexAt(start.Add(-time.Hour), start, time.Second), 0)
	is.Equal(IndexAt(start.Add(90*time.Second), start, time.Minute), 1)
	is.Equal(IndexAt(start.Add(1100*time.Millisecond), start, 200*time.Millisecond), 5)
}
