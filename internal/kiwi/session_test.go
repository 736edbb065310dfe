package kiwi_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/kiwi/internal/kiwi"
	"github.com/shaunagostinho/kiwi/internal/record"
	"github.com/shaunagostinho/kiwi/internal/simulator"
	"github.com/shaunagostinho/kiwi/internal/transport"
)

func testOptions() kiwi.Options {
	return kiwi.Options{
		BackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		Settle:  -1,
		Logger:  zerolog.Nop(),
	}
}

func open(t *testing.T, dev *simulator.Device) *kiwi.Session {
	t.Helper()
	s, err := kiwi.Open(context.Background(), dev, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func knownSamples(n int, light bool) []record.Raw {
	rs := make([]record.Raw, n)
	for i := range rs {
		rs[i] = record.Raw{Temperature: 20 + float32(i)/100, Pressure: 101.3}
		if light {
			rs[i].Light = &record.Light{ALS: uint16(i), White: 2, R: 3, G: 4, B: 5, W: 0x1234}
		}
	}
	return rs
}

func TestOpenIdentifiesVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("legacy", func(t *testing.T) {
		is := is.New(t)

		dev := simulator.New(kiwi.VersionLegacy, simulator.WithName("reef-01"), simulator.WithInterval(60000))
		s := open(t, dev)
		is.Equal(s.Version(), kiwi.VersionLegacy)

		c, err := s.Config(ctx, true)
		is.NoErr(err)
		is.Equal(c.Name, "reef-01")
		is.Equal(c.ID, "E46A2C1B0F3D5E79")
		is.Equal(c.IntervalMS, 60000)
		is.True(c.UseLight)
		is.Equal(s.Schema(), record.SchemaLight)
	})

	t.Run("current", func(t *testing.T) {
		is := is.New(t)

		dev := simulator.New(2, simulator.WithLight(false), simulator.WithInterval(5000))
		s := open(t, dev)
		is.Equal(s.Version(), 2)

		c, err := s.Config(ctx, false)
		is.NoErr(err)
		is.Equal(c.IntervalMS, 5000)
		is.True(!c.UseLight)
		is.Equal(s.Schema(), record.SchemaBasic)
		is.True(!dev.Sent("is_logging")) // legacy probe not needed
	})

	t.Run("unnamed legacy logger", func(t *testing.T) {
		is := is.New(t)

		s := open(t, simulator.New(kiwi.VersionLegacy, simulator.WithName("")))
		c, err := s.Config(ctx, true)
		is.NoErr(err)
		is.Equal(c.Name, "")
	})

	t.Run("legacy name written elsewhere", func(t *testing.T) {
		for _, name := range []string{"tank 3, reef", "north-bay-mooring-7"} {
			is := is.New(t)

			s := open(t, simulator.New(kiwi.VersionLegacy, simulator.WithName(name)))
			c, err := s.Config(ctx, true)
			is.NoErr(err)
			is.Equal(c.Name, name)

			// the same names are still refused when written from here
			is.True(errors.Is(s.SetName(ctx, name), kiwi.ErrInvalidName))
		}
	})
}

type silent struct{}

func (silent) Write(p []byte) (int, error) { return len(p), nil }

func (silent) ReadLine(time.Duration) ([]byte, error) { return nil, nil }

func (silent) ReadFull(int, time.Duration) ([]byte, error) { return nil, nil }

func (silent) Reset() error { return nil }

func (silent) Close() error { return nil }

func TestOpenUnknownVersion(t *testing.T) {
	is := is.New(t)

	_, err := kiwi.Open(context.Background(), silent{}, testOptions())
	is.True(errors.Is(err, kiwi.ErrUnknownVersion))
}

func TestOpenProbeToleratesDroppedReply(t *testing.T) {
	is := is.New(t)

	dev := simulator.New(1)
	dev.DropReplies = 1
	s := open(t, dev)
	is.Equal(s.Version(), 1)
}

func TestChannelIsExclusive(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	dev := simulator.New(1)
	s, err := kiwi.Open(ctx, dev, testOptions())
	is.NoErr(err)

	_, err = kiwi.Open(ctx, dev, testOptions())
	is.True(errors.Is(err, transport.ErrBusy))

	is.NoErr(s.Close())
	s2, err := kiwi.Open(ctx, dev, testOptions())
	is.NoErr(err)
	is.NoErr(s2.Close())
}

func TestQueriesRideOutBadReplies(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	for _, v := range []int{kiwi.VersionLegacy, 1} {
		dev := simulator.New(v)
		s := open(t, dev)

		dev.GarbleReplies = 3
		dev.DropReplies = 2
		c, err := s.Config(ctx, false)
		is.NoErr(err)
		is.Equal(c.Name, "kiwi")

		dev.DropReplies = 100
		_, err = s.IsLogging(ctx)
		is.True(errors.Is(err, kiwi.ErrNoResponse))
		var re *kiwi.ResponseError
		is.True(errors.As(err, &re))
		is.Equal(re.Attempts, 10)
		dev.DropReplies = 0
	}
}

func TestStartStopLogging(t *testing.T) {
	ctx := context.Background()

	for _, v := range []int{kiwi.VersionLegacy, 1} {
		is := is.New(t)

		dev := simulator.New(v)
		s := open(t, dev)

		before, err := s.Config(ctx, true)
		is.NoErr(err)
		is.Equal(before.Start, int64(0))

		is.NoErr(s.StartLogging(ctx))
		is.True(dev.Logging())
		on, err := s.IsLogging(ctx)
		is.NoErr(err)
		is.True(on)

		after, err := s.Config(ctx, true) // cache was dropped by the start
		is.NoErr(err)
		is.True(after.Start > 0)

		is.NoErr(s.StopLogging(ctx))
		is.True(!dev.Logging())
	}
}

func TestStartSendsClockToCurrentFirmware(t *testing.T) {
	is := is.New(t)

	dev := simulator.New(1)
	opts := testOptions()
	opts.Now = func() time.Time { return time.Unix(1700000000, 0) }
	s, err := kiwi.Open(context.Background(), dev, opts)
	is.NoErr(err)
	defer s.Close()

	is.NoErr(s.StartLogging(context.Background()))
	is.True(dev.Sent("rt0"))
	is.True(dev.Sent("start_logging1700000000"))

	c, err := s.Config(context.Background(), true)
	is.NoErr(err)
	is.Equal(c.Start, int64(1700000000))
}

func TestStopNotConfirmed(t *testing.T) {
	ctx := context.Background()

	for _, v := range []int{kiwi.VersionLegacy, 1} {
		is := is.New(t)

		dev := simulator.New(v)
		s := open(t, dev)
		is.NoErr(s.StartLogging(ctx))

		dev.IgnoreStop = true
		err := s.StopLogging(ctx)
		is.True(errors.Is(err, kiwi.ErrNotConfirmed))
		is.True(dev.Logging())
	}
}

func TestSetIntervalPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected before sending", func(t *testing.T) {
		is := is.New(t)

		for _, tc := range []struct{ version, ms int }{{0, 500}, {0, 5000}, {1, 200}, {1, 70000}} {
			dev := simulator.New(tc.version)
			s := open(t, dev)
			err := s.SetInterval(ctx, tc.ms)
			is.True(errors.Is(err, kiwi.ErrInvalidInterval))
			is.True(errors.Is(err, kiwi.ErrPolicy))
			is.True(!dev.Sent("set_logging_interval"))
		}
	})

	t.Run("legacy code", func(t *testing.T) {
		is := is.New(t)

		dev := simulator.New(kiwi.VersionLegacy)
		s := open(t, dev)
		is.NoErr(s.SetInterval(ctx, 200))
		is.True(dev.Sent("set_logging_interval0"))
		is.Equal(dev.IntervalMS(), 200)
	})

	t.Run("current snaps to whole seconds", func(t *testing.T) {
		is := is.New(t)

		dev := simulator.New(1)
		s := open(t, dev)
		is.NoErr(s.SetInterval(ctx, 5500))
		is.Equal(dev.IntervalMS(), 5000)

		c, err := s.Config(ctx, true)
		is.NoErr(err)
		is.Equal(c.IntervalMS, 5000)
		is.Equal(c.Interval(), 5*time.Second)
	})
}

func TestSetName(t *testing.T) {
	ctx := context.Background()

	for _, v := range []int{kiwi.VersionLegacy, 1} {
		is := is.New(t)

		dev := simulator.New(v)
		s := open(t, dev)

		err := s.SetName(ctx, "a-name-that-is-too-long")
		is.True(errors.Is(err, kiwi.ErrInvalidName))
		err = s.SetName(ctx, "bad,name")
		is.True(errors.Is(err, kiwi.ErrPolicy))
		is.True(!dev.Sent("set_logger_name"))

		is.NoErr(s.SetName(ctx, "reef-03"))
		is.Equal(dev.Name(), "reef-03")
		c, err := s.Config(ctx, true)
		is.NoErr(err)
		is.Equal(c.Name, "reef-03")
	}
}

func TestSetLightSensors(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	s := open(t, simulator.New(1))
	is.Equal(s.Schema(), record.SchemaLight)
	is.NoErr(s.SetLightSensors(ctx, false))
	is.Equal(s.Schema(), record.SchemaBasic)
	is.NoErr(s.SetLightSensors(ctx, true))
	is.Equal(s.Schema(), record.SchemaLight)

	legacy := open(t, simulator.New(kiwi.VersionLegacy))
	is.True(errors.Is(legacy.SetLightSensors(ctx, false), kiwi.ErrNotSupported))
}

func TestReadSensors(t *testing.T) {
	ctx := context.Background()

	for _, v := range []int{kiwi.VersionLegacy, 1} {
		is := is.New(t)

		s := open(t, simulator.New(v, simulator.WithBattery(2.95)))
		r, err := s.ReadSensors(ctx)
		is.NoErr(err)
		is.True(r.Temperature > 15 && r.Temperature < 30)
		is.True(r.Pressure > 100 && r.Pressure < 103)
		is.True(math.Abs(r.Battery-2.95) < 0.01)
		is.True(r.Light != nil)
		is.True(r.Light.ALS > 0)
	}

	is := is.New(t)
	s := open(t, simulator.New(1, simulator.WithLight(false)))
	r, err := s.ReadSensors(ctx)
	is.NoErr(err)
	is.True(r.Light == nil)
}

func TestIndividualSensorReads(t *testing.T) {
	ctx := context.Background()

	for _, v := range []int{kiwi.VersionLegacy, 1} {
		is := is.New(t)

		dev := simulator.New(v)
		s := open(t, dev)

		temp, err := s.ReadTemperature(ctx)
		is.NoErr(err)
		is.True(temp > 15 && temp < 30)

		p, err := s.ReadPressure(ctx)
		is.NoErr(err)
		is.True(p > 100 && p < 103)

		l, err := s.ReadLight(ctx)
		is.NoErr(err)
		is.True(l.ALS > 0)
		is.True(l.White > l.ALS)
		is.True(l.W > 0)

		if v == kiwi.VersionLegacy {
			is.True(dev.Sent("read_temperature"))
			is.True(dev.Sent("read_pressure"))
			is.True(dev.Sent("read_rgbw"))
		} else {
			is.True(dev.Sent("T"))
			is.True(dev.Sent("P"))
			is.True(dev.Sent("L"))
		}
	}
}

func TestClearMemory(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	dev := simulator.New(1)
	dev.Load(knownSamples(40, true), time.Unix(1700000000, 0))
	s := open(t, dev)

	empty, err := s.IsEmpty(ctx)
	is.NoErr(err)
	is.True(!empty)

	dots := 0
	is.NoErr(s.ClearMemory(ctx, func(n int) { dots = n }))
	is.True(dots >= 64)

	empty, err = s.IsEmpty(ctx)
	is.NoErr(err)
	is.True(empty)
}

func TestSampleCount(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		n     int
		light bool
	}{
		{"empty", 0, true},
		{"one", 1, true},
		{"partial page", 30, true},
		{"full pages", 36, true},
		{"basic", 1000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)

			dev := simulator.New(1, simulator.WithLight(tt.light))
			dev.Load(knownSamples(tt.n, tt.light), time.Unix(1700000000, 0))
			s := open(t, dev)

			n, err := s.SampleCount(ctx)
			is.NoErr(err)
			is.Equal(n, tt.n)
		})
	}
}

func TestNonContiguousFlash(t *testing.T) {
	is := is.New(t)

	dev := simulator.New(1)
	dev.WriteFlash(32768*record.PageSize, []byte{1, 2, 3, 4})
	s := open(t, dev)

	_, _, err := s.LastUsedPage(context.Background())
	is.True(errors.Is(err, kiwi.ErrNonContiguous))
}

func TestExtractAllAndDecode(t *testing.T) {
	ctx := context.Background()

	for _, light := range []bool{true, false} {
		is := is.New(t)

		dev := simulator.New(1, simulator.WithLight(light), simulator.WithInterval(1000))
		start := time.Unix(1700000000, 0)
		want := knownSamples(500, light)
		dev.Load(want, start)
		s := open(t, dev)

		dev.CorruptRanges = 2
		dev.TruncateRanges = 1

		var sink bytes.Buffer
		res, err := s.ExtractAll(ctx, kiwi.Extractor{
			ChunkSize:   4096,
			RetryDelay:  time.Millisecond,
			StopOnEmpty: true,
		}, &sink)
		is.NoErr(err)
		is.Equal(res.Status, kiwi.StatusEmptyTail)

		c, err := s.Config(ctx, true)
		is.NoErr(err)
		got := record.Stamp(record.Decode(sink.Bytes(), c.Schema()), c.StartTime(), c.Interval())
		is.Equal(len(got), 500)
		is.Equal(got[499].Temperature, want[499].Temperature)
		is.True(got[10].Time.Equal(start.Add(10 * time.Second)))
	}
}

func TestOverview(t *testing.T) {
	is := is.New(t)

	dev := simulator.New(1, simulator.WithInterval(1000))
	start := time.Unix(1700000000, 0)
	dev.Load(knownSamples(500, true), start)
	s := open(t, dev)

	got, err := s.Overview(context.Background(), 5)
	is.NoErr(err)
	is.Equal(len(got), 5)

	wantIdx := []int{0, 124, 249, 374, 499}
	for k, smp := range got {
		is.Equal(smp.Index, wantIdx[k])
		is.Equal(smp.Light.ALS, uint16(wantIdx[k]))
		is.True(smp.Time.Equal(start.Add(time.Duration(wantIdx[k]) * time.Second)))
	}
}

func TestLegacyClock(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	s := open(t, simulator.New(kiwi.VersionLegacy))
	target := time.Unix(1700000000, 0)
	got, err := s.SetClock(ctx, target)
	is.NoErr(err)
	is.True(got.Equal(target))

	now, err := s.ReadClock(ctx)
	is.NoErr(err)
	is.True(now.Sub(target).Abs() <= 2*time.Second)

	cur := open(t, simulator.New(1))
	_, err = cur.ReadClock(ctx)
	is.True(errors.Is(err, kiwi.ErrNotSupported))
}

func TestSetClockAligned(t *testing.T) {
	is := is.New(t)

	opts := testOptions()
	opts.Now = func() time.Time { return time.Unix(1700000000, 999_000_000) }
	s, err := kiwi.Open(context.Background(), simulator.New(kiwi.VersionLegacy), opts)
	is.NoErr(err)
	defer s.Close()

	got, err := s.SetClockAligned(context.Background())
	is.NoErr(err)
	is.Equal(got.Unix(), int64(1700000001))
}

func TestLEDsOffAndSleep(t *testing.T) {
	for version, leds := range map[int]string{kiwi.VersionLegacy: "red_led_off green_led_off blue_led_off", 1: "roffgoffboff"} {
		is := is.New(t)

		dev := simulator.New(version)
		s := open(t, dev)
		is.NoErr(s.LEDsOff())
		is.True(dev.Sent(leds))
		is.NoErr(s.Sleep())
		is.True(dev.Sent("sleep"))
	}
}
