// Package simulator emulates Kiwi logger firmware behind the transport
// Channel interface, for tests and for running the tools without hardware.
package simulator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/kiwi/internal/kiwi"
	"github.com/shaunagostinho/kiwi/internal/record"
	"github.com/shaunagostinho/kiwi/internal/transport"
)

// Device is an in-memory logger. It answers each Write as one command and
// queues the reply for the next reads. Reads never block.
type Device struct {
	transport.Guard

	mu sync.Mutex

	version    int
	name       string
	id         string
	start      int64
	stop       int64
	intervalMS int
	useLight   bool
	logging    bool
	vbatt      float64
	rtcOffset  time.Duration

	flash   map[int][]byte
	samples int // records written since the last erase
	out     []byte
	t       float64 // waveform phase
	log     zerolog.Logger

	// Now is the firmware's notion of wall time.
	Now func() time.Time

	// Fault injection. Each counter is consumed one reply at a time.
	DropReplies    int  // text replies swallowed
	GarbleReplies  int  // text replies replaced with undecodable bytes
	CorruptRanges  int  // range replies with a wrong CRC
	TruncateRanges int  // range replies cut short
	IgnoreStop     bool // stop_logging has no effect

	// Commands records every command received, trimmed.
	Commands []string
}

// Option configures a Device.
type Option func(*Device)

func WithName(name string) Option        { return func(d *Device) { d.name = name } }
func WithID(id string) Option            { return func(d *Device) { d.id = id } }
func WithInterval(ms int) Option         { return func(d *Device) { d.intervalMS = ms } }
func WithLight(on bool) Option           { return func(d *Device) { d.useLight = on } }
func WithBattery(v float64) Option       { return func(d *Device) { d.vbatt = v } }
func WithLogger(l zerolog.Logger) Option { return func(d *Device) { d.log = l } }

// New returns an idle, erased logger speaking the given protocol version.
func New(version int, opts ...Option) *Device {
	d := &Device{
		version:    version,
		name:       "kiwi",
		id:         "E46A2C1B0F3D5E79",
		intervalMS: 1000,
		useLight:   true,
		vbatt:      3.05,
		flash:      make(map[int][]byte),
		Now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	if version == kiwi.VersionLegacy {
		d.useLight = true
	}
	d.log = d.log.With().Str("component", "sim").Int("version", version).Logger()
	return d
}

func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd := strings.TrimSpace(string(p))
	d.Commands = append(d.Commands, cmd)
	d.log.Debug().Str("cmd", cmd).Msg("command")
	d.handle(cmd)
	return len(p), nil
}

func (d *Device) ReadLine(time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := bytes.IndexByte(d.out, '\n')
	if i < 0 {
		i = len(d.out) - 1
	}
	line := append([]byte(nil), d.out[:i+1]...)
	d.out = d.out[i+1:]
	return line, nil
}

func (d *Device) ReadFull(n int, _ time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n = min(n, len(d.out))
	b := append([]byte(nil), d.out[:n]...)
	d.out = d.out[n:]
	return b, nil
}

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = nil
	return nil
}

func (d *Device) Close() error { return nil }

// reply queues a text line, subject to the drop and garble faults.
func (d *Device) reply(format string, args ...any) {
	switch {
	case d.DropReplies > 0:
		d.DropReplies--
		return
	case d.GarbleReplies > 0:
		d.GarbleReplies--
		d.out = append(d.out, 0xFE, 0xFF, 0xC3, '\r', '\n')
		return
	}
	d.out = append(d.out, fmt.Sprintf(format, args...)...)
	d.out = append(d.out, '\r', '\n')
}

func (d *Device) legacy() bool { return d.version == kiwi.VersionLegacy }

func (d *Device) ok() {
	if !d.legacy() {
		d.reply("OK")
	}
}

func (d *Device) handle(cmd string) {
	switch {
	case cmd == "id" && !d.legacy():
		d.reply(`{"id":%q,"ver":%d}`, d.id, d.version)
	case cmd == "is_logging" && d.legacy():
		addr := d.schema().Address(d.samples)
		d.reply("%d,%d,%d", b2i(d.logging), addr.Page, addr.Offset)
	case cmd == "status" && !d.legacy():
		d.reply(`{"is_logging":%d,"Vb":%.3f,"sample_count":%d}`, b2i(d.logging), d.vbatt, d.samples)
	case cmd == "get_logging_config" && d.legacy():
		addr := d.schema().Address(d.samples)
		d.reply("%d,%d,%d,%d,%d", d.start, d.stop, legacyCode(d.intervalMS), addr.Page, addr.Offset)
	case cmd == "get_logger_name" && d.legacy():
		if d.name == "" {
			d.reply("%s", bytes.Repeat([]byte{0xFF}, kiwi.MaxNameLength))
		} else {
			d.reply("%s", d.name)
		}
	case cmd == "spi_flash_get_unique_id" && d.legacy():
		d.reply("%s", d.id)
	case cmd == "get_config" && !d.legacy():
		d.reply("%s", d.configJSON())
	case cmd == "read_sys_volt" && d.legacy():
		d.reply("%d,%.3f", int(d.vbatt/3.3*4095), d.vbatt)
	case cmd == "read_temperature" || cmd == "T":
		d.reply("%.3fDeg.C", d.temperature())
	case cmd == "read_pressure" || cmd == "P":
		d.reply("%.3fkPa", d.pressure())
	case cmd == "read_ambient_lx" && d.legacy():
		d.reply("%.2flx,0", d.lux())
	case cmd == "read_white_lx" && d.legacy():
		d.reply("%.2flx,0", d.lux()*1.1)
	case cmd == "read_rgbw" && d.legacy():
		l := d.light()
		d.reply("%d,%d,%d,%d", l.R, l.G, l.B, l.W)
	case cmd == "L" && !d.legacy():
		l := d.light()
		d.reply("%.2f,%.2f,%d,%d,%d,%d", d.lux(), d.lux()*1.1, l.R, l.G, l.B, l.W)
	case strings.HasPrefix(cmd, "spi_flash_read_range") && d.legacy():
		d.readRange(strings.TrimPrefix(cmd, "spi_flash_read_range"))
	case strings.HasPrefix(cmd, "read_range") && !d.legacy():
		d.readRange(strings.TrimPrefix(cmd, "read_range"))
	case cmd == "rt0" && !d.legacy():
		d.ok()
	case strings.HasPrefix(cmd, "start_logging"):
		d.startLogging(strings.TrimPrefix(cmd, "start_logging"))
	case cmd == "stop_logging":
		if d.IgnoreStop {
			return
		}
		if d.logging {
			d.logging = false
			d.stop = d.Now().Unix()
		}
		d.ok()
	case strings.HasPrefix(cmd, "set_logging_interval"):
		d.setInterval(strings.TrimPrefix(cmd, "set_logging_interval"))
	case strings.HasPrefix(cmd, "set_logger_name"):
		name := strings.TrimPrefix(cmd, "set_logger_name")
		if len(name) <= kiwi.MaxNameLength {
			d.name = name
		}
		d.ok()
	case (cmd == "enable_light_sensors" || cmd == "disable_light_sensors") && !d.legacy():
		if !d.logging {
			d.useLight = cmd == "enable_light_sensors"
		}
		d.ok()
	case cmd == "clear_memory":
		d.flash = make(map[int][]byte)
		d.samples = 0
		d.out = append(d.out, strings.Repeat(".", 64)...)
		d.out = append(d.out, "done.\r\n"...)
	case cmd == "read_rtc" && d.legacy():
		d.reply("%d", d.Now().Add(d.rtcOffset).Unix())
	case strings.HasPrefix(cmd, "write_rtc") && d.legacy():
		ts, err := strconv.ParseInt(strings.TrimPrefix(cmd, "write_rtc"), 10, 64)
		if err != nil {
			return
		}
		d.rtcOffset = time.Unix(ts, 0).Sub(d.Now())
		d.reply("%d", ts)
	default:
		// LED, sleep and unknown commands are silent.
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func legacyCode(ms int) int {
	switch ms {
	case 200:
		return 0
	case 60000:
		return 2
	}
	return 1
}

func (d *Device) configJSON() string {
	m := map[string]any{
		"name":        d.name,
		"start":       d.start,
		"interval_ms": d.intervalMS,
		"use_light":   b2i(d.useLight),
		"flash_id":    d.id,
	}
	if !d.logging && d.stop != 0 {
		m["stop"] = d.stop
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func (d *Device) startLogging(arg string) {
	if arg != "" {
		ts, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return
		}
		d.start = ts
	} else {
		d.start = d.Now().Add(d.rtcOffset).Unix()
	}
	d.stop = 0
	d.logging = true
	d.ok()
}

func (d *Device) setInterval(arg string) {
	v, err := strconv.Atoi(arg)
	if err != nil {
		return
	}
	if d.legacy() {
		if ms := map[int]int{0: 200, 1: 1000, 2: 60000}[v]; ms != 0 {
			d.intervalMS = ms
		}
		return
	}
	if _, eff, err := kiwi.IntervalCode(d.version, v); err == nil && eff == v {
		d.intervalMS = v
		d.ok()
		return
	}
	d.reply("ERR")
}

func (d *Device) readRange(arg string) {
	parts := strings.Split(arg, ",")
	if len(parts) != 2 {
		return
	}
	begin, err1 := strconv.ParseInt(parts[0], 16, 64)
	end, err2 := strconv.ParseInt(parts[1], 16, 64)
	if err1 != nil || err2 != nil || end < begin || end >= record.FlashSize {
		return
	}
	payload := d.peek(int(begin), int(end))
	resp := kiwi.AppendCRC(payload)
	switch {
	case d.TruncateRanges > 0:
		d.TruncateRanges--
		resp = resp[:len(resp)/2]
	case d.CorruptRanges > 0:
		d.CorruptRanges--
		resp[len(resp)-1] ^= 0x5A
	}
	d.out = append(d.out, resp...)
}

func (d *Device) peek(begin, end int) []byte {
	out := make([]byte, 0, end-begin+1)
	for a := begin; a <= end; a++ {
		p, ok := d.flash[a/record.PageSize]
		if !ok {
			out = append(out, record.Erased)
			continue
		}
		out = append(out, p[a%record.PageSize])
	}
	return out
}

func (d *Device) poke(addr int, b []byte) {
	for i, v := range b {
		a := addr + i
		p, ok := d.flash[a/record.PageSize]
		if !ok {
			p = bytes.Repeat([]byte{record.Erased}, record.PageSize)
			d.flash[a/record.PageSize] = p
		}
		p[a%record.PageSize] = v
	}
}

func (d *Device) schema() record.Schema { return record.SchemaFor(d.useLight) }

// sensor waveforms

func (d *Device) advance() {
	d.t += 0.05
}

func (d *Device) temperature() float64 {
	d.advance()
	return 22 + 4*math.Sin(d.t*0.3) + rand.Float64()*0.05
}

func (d *Device) pressure() float64 {
	d.advance()
	return 101.3 + 0.6*math.Sin(d.t*0.07) + rand.Float64()*0.01
}

func (d *Device) lux() float64 {
	return 400 + 350*math.Sin(d.t*0.1)
}

func (d *Device) light() record.Light {
	base := d.lux()
	return record.Light{
		ALS:   uint16(base),
		White: uint16(base * 1.1),
		R:     uint16(base * 0.4),
		G:     uint16(base * 0.5),
		B:     uint16(base * 0.3),
		W:     uint16(base * 1.2),
	}
}

// Sample generates one record from the waveforms.
func (d *Device) Sample() record.Raw {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sample()
}

func (d *Device) sample() record.Raw {
	r := record.Raw{Temperature: float32(d.temperature()), Pressure: float32(d.pressure())}
	if d.useLight {
		l := d.light()
		r.Light = &l
	}
	return r
}

// Tick appends n generated samples to flash while logging. It returns the
// number actually written.
func (d *Device) Tick(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.logging {
		return 0
	}
	s := d.schema()
	written := 0
	for ; written < n && d.samples < s.Capacity(); written++ {
		d.poke(s.Address(d.samples).Byte(), record.Append(nil, d.sample(), s))
		d.samples++
	}
	return written
}

// Load replaces flash contents with rs laid out page-exact from address 0
// and records start as the logging start time.
func (d *Device) Load(rs []record.Raw, start time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flash = make(map[int][]byte)
	d.poke(0, record.Pack(rs, d.schema()))
	d.samples = len(rs)
	d.start = start.Unix()
	d.stop = start.Add(time.Duration(len(rs)) * time.Duration(d.intervalMS) * time.Millisecond).Unix()
}

// WriteFlash stores raw bytes at addr, for building layouts Load cannot.
func (d *Device) WriteFlash(addr int, b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.poke(addr, b)
}

// SetLogging forces the logging state without a command.
func (d *Device) SetLogging(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logging = on
}

func (d *Device) Logging() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logging
}

func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *Device) IntervalMS() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.intervalMS
}

// Sent reports whether cmd, or a command starting with it, was received.
func (d *Device) Sent(prefix string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.Commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// NewDemo returns a current-generation logger that has recorded n samples
// ending now and then stopped.
func NewDemo(n int, opts ...Option) *Device {
	d := New(1, append([]Option{WithName("demo")}, opts...)...)
	rs := make([]record.Raw, n)
	for i := range rs {
		rs[i] = d.Sample()
	}
	d.Load(rs, d.Now().Add(-time.Duration(n)*time.Duration(d.intervalMS)*time.Millisecond))
	return d
}
