package kiwi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// query pairs a command with the parser that validates its reply.
type query[T any] struct {
	cmd   string
	parse func(reply string) (T, error)
}

// ask runs q through the exchange retry loop and returns the parsed value.
func ask[T any](ctx context.Context, x *Exchange, q query[T], attempts int) (T, error) {
	var v T
	_, err := x.Query(ctx, q.cmd, attempts, func(reply string) error {
		var err error
		v, err = q.parse(reply)
		return err
	})
	return v, err
}

// dialect is the command set of one firmware generation. A session picks
// one at identification time and never branches on version elsewhere.
type dialect interface {
	version() int
	logging() query[bool]
	battery() query[float64]
	temperature() query[float64]
	pressure() query[float64]
	light(ctx context.Context, x *Exchange, attempts int) (LightReading, error)
	config(ctx context.Context, x *Exchange, attempts int) (Config, error)
	rangeCommand(begin, end int) string
	intervalCommand(code int) string
	startCommands(now time.Time) []string
	nameCommand(name string) string
	lightCommand(on bool) (string, error)
	ledsOffCommand() string
	// acks reports whether mutating commands are answered with OK.
	acks() bool
	clockSupported() bool
}

func dialectFor(version int) dialect {
	if version == VersionLegacy {
		return legacy{}
	}
	return current{ver: version}
}

var errFieldCount = errors.New("unexpected field count")

// legacy speaks the version 0 CSV protocol.
type legacy struct{}

func (legacy) version() int { return VersionLegacy }

func (legacy) logging() query[bool] {
	return query[bool]{cmd: "is_logging", parse: parseLegacyStatus}
}

// parseLegacyStatus accepts "state,page,index" with state 0 or 1.
func parseLegacyStatus(reply string) (bool, error) {
	f := strings.Split(reply, ",")
	if len(f) != 3 {
		return false, errFieldCount
	}
	switch f[0] {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("unknown logging state %q", f[0])
}

func (legacy) battery() query[float64] {
	return query[float64]{cmd: "read_sys_volt", parse: func(reply string) (float64, error) {
		f := strings.Split(reply, ",")
		if len(f) < 2 {
			return 0, errFieldCount
		}
		v, err := parseFloat(f[1])
		if err != nil {
			return 0, err
		}
		return math.Round(v*100) / 100, nil
	}}
}

func (legacy) temperature() query[float64] {
	return query[float64]{cmd: "read_temperature", parse: unitParser("Deg.C")}
}

func (legacy) pressure() query[float64] {
	return query[float64]{cmd: "read_pressure", parse: unitParser("kPa")}
}

func (legacy) light(ctx context.Context, x *Exchange, attempts int) (LightReading, error) {
	lux := func(reply string) (float64, error) {
		return unitParser("lx")(strings.Split(reply, ",")[0])
	}
	als, err := ask(ctx, x, query[float64]{cmd: "read_ambient_lx", parse: lux}, attempts)
	if err != nil {
		return LightReading{}, err
	}
	white, err := ask(ctx, x, query[float64]{cmd: "read_white_lx", parse: lux}, attempts)
	if err != nil {
		return LightReading{}, err
	}
	rgbw, err := ask(ctx, x, query[[]float64]{cmd: "read_rgbw", parse: csvFloats(4)}, attempts)
	if err != nil {
		return LightReading{}, err
	}
	return LightReading{ALS: als, White: white, R: rgbw[0], G: rgbw[1], B: rgbw[2], W: rgbw[3]}, nil
}

func (legacy) config(ctx context.Context, x *Exchange, attempts int) (Config, error) {
	var c Config
	_, err := x.Query(ctx, "get_logging_config", attempts, func(reply string) error {
		f := strings.Split(reply, ",")
		if len(f) < 3 || len(f) > 5 {
			return errFieldCount
		}
		var v [3]int64
		for i := range v {
			n, err := strconv.ParseInt(strings.TrimSpace(f[i]), 10, 64)
			if err != nil {
				return err
			}
			v[i] = n
		}
		d, err := CodeInterval(VersionLegacy, int(v[2]))
		if err != nil {
			return err
		}
		c.Start, c.Stop, c.IntervalMS = v[0], v[1], int(d/time.Millisecond)
		return nil
	})
	if err != nil {
		return Config{}, err
	}

	err = x.QueryRaw(ctx, "get_logger_name", attempts, func(raw []byte) error {
		raw = bytes.TrimRight(raw, "\r\n")
		switch {
		case len(raw) > 0 && bytes.Count(raw, []byte{0xFF}) == len(raw):
			c.Name = "" // never set
			return nil
		case len(bytes.TrimSpace(raw)) == 0:
			return errors.New("empty name reply")
		}
		// Names written by other tools may break the local naming
		// policy; any readable text is accepted.
		if !utf8.Valid(raw) {
			return errors.New("name reply is not text")
		}
		c.Name = strings.TrimSpace(string(raw))
		return nil
	})
	if err != nil {
		return Config{}, err
	}

	c.ID, err = ask(ctx, x, query[string]{cmd: "spi_flash_get_unique_id", parse: parseHardwareID}, attempts)
	if err != nil {
		return Config{}, err
	}
	c.UseLight = true
	return c, nil
}

func (legacy) rangeCommand(begin, end int) string {
	return fmt.Sprintf("spi_flash_read_range%x,%x\n", begin, end)
}

func (legacy) intervalCommand(code int) string {
	return fmt.Sprintf("set_logging_interval%d\r\n", code)
}

func (legacy) startCommands(time.Time) []string { return []string{"start_logging"} }

func (legacy) nameCommand(name string) string { return "set_logger_name" + name + "\n" }

func (legacy) lightCommand(bool) (string, error) { return "", ErrNotSupported }

func (legacy) ledsOffCommand() string { return "red_led_off green_led_off blue_led_off" }

func (legacy) acks() bool { return false }

func (legacy) clockSupported() bool { return true }

// current speaks the JSON protocol of version 1 and later firmware.
type current struct{ ver int }

func (c current) version() int { return c.ver }

type statusReply struct {
	Logging *flag    `json:"is_logging"`
	Vb      *float64 `json:"Vb"`
}

func parseStatus(reply string) (statusReply, error) {
	var s statusReply
	if err := json.Unmarshal([]byte(reply), &s); err != nil {
		return s, err
	}
	return s, nil
}

func (current) logging() query[bool] {
	return query[bool]{cmd: "status", parse: func(reply string) (bool, error) {
		s, err := parseStatus(reply)
		if err != nil {
			return false, err
		}
		if s.Logging == nil {
			return false, errors.New("status without is_logging")
		}
		return bool(*s.Logging), nil
	}}
}

func (current) battery() query[float64] {
	return query[float64]{cmd: "status", parse: func(reply string) (float64, error) {
		s, err := parseStatus(reply)
		if err != nil {
			return 0, err
		}
		if s.Vb == nil {
			return 0, errors.New("status without Vb")
		}
		return *s.Vb, nil
	}}
}

func (current) temperature() query[float64] {
	return query[float64]{cmd: "T", parse: unitParser("Deg.C")}
}

func (current) pressure() query[float64] {
	return query[float64]{cmd: "P", parse: unitParser("kPa")}
}

func (current) light(ctx context.Context, x *Exchange, attempts int) (LightReading, error) {
	v, err := ask(ctx, x, query[[]float64]{cmd: "L", parse: csvFloats(6)}, attempts)
	if err != nil {
		return LightReading{}, err
	}
	return LightReading{ALS: v[0], White: v[1], R: v[2], G: v[3], B: v[4], W: v[5]}, nil
}

type currentConfig struct {
	Name       string `json:"name"`
	Start      int64  `json:"start"`
	Stop       *int64 `json:"stop"`
	IntervalMS *int   `json:"interval_ms"`
	UseLight   flag   `json:"use_light"`
	FlashID    string `json:"flash_id"`
}

type identity struct {
	ID  string `json:"id"`
	Ver *int   `json:"ver"`
}

func parseIdentity(reply string) (identity, error) {
	var id identity
	if err := json.Unmarshal([]byte(reply), &id); err != nil {
		return id, err
	}
	if id.Ver == nil || *id.Ver < 0 {
		return id, errors.New("identity without version")
	}
	return id, nil
}

func (current) config(ctx context.Context, x *Exchange, attempts int) (Config, error) {
	cc, err := ask(ctx, x, query[currentConfig]{cmd: "get_config", parse: func(reply string) (currentConfig, error) {
		var cc currentConfig
		if err := json.Unmarshal([]byte(reply), &cc); err != nil {
			return cc, err
		}
		if cc.IntervalMS == nil {
			return cc, errors.New("config without interval_ms")
		}
		return cc, nil
	}}, attempts)
	if err != nil {
		return Config{}, err
	}

	id, err := ask(ctx, x, query[identity]{cmd: "id", parse: func(reply string) (identity, error) {
		id, err := parseIdentity(reply)
		if err == nil && id.ID == "" {
			err = errors.New("identity without id")
		}
		return id, err
	}}, attempts)
	if err != nil {
		return Config{}, err
	}

	c := Config{
		Name:       cc.Name,
		ID:         id.ID,
		Start:      cc.Start,
		IntervalMS: *cc.IntervalMS,
		UseLight:   bool(cc.UseLight),
		FlashID:    cc.FlashID,
	}
	if cc.Stop != nil {
		c.Stop = *cc.Stop
	}
	return c, nil
}

func (current) rangeCommand(begin, end int) string {
	return fmt.Sprintf("read_range%x,%x\n", begin, end)
}

func (current) intervalCommand(code int) string {
	return fmt.Sprintf("set_logging_interval%d\r\n", code)
}

func (current) startCommands(now time.Time) []string {
	// rt0 stops real-time sample output.
	return []string{"rt0", fmt.Sprintf("start_logging%d\n", now.Unix())}
}

func (current) nameCommand(name string) string { return "set_logger_name" + name + "\n" }

func (current) lightCommand(on bool) (string, error) {
	if on {
		return "enable_light_sensors", nil
	}
	return "disable_light_sensors", nil
}

func (current) ledsOffCommand() string { return "roffgoffboff" }

func (current) acks() bool { return true }

func (current) clockSupported() bool { return false }

// flag decodes JSON booleans and the 0/1 integers older firmware emits.
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	switch strings.TrimSpace(string(b)) {
	case "true", "1":
		*f = true
	case "false", "0", "null":
		*f = false
	default:
		return fmt.Errorf("kiwi: bad flag %s", b)
	}
	return nil
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) {
		return 0, errors.New("NaN reading")
	}
	return v, nil
}

func unitParser(unit string) func(string) (float64, error) {
	return func(reply string) (float64, error) {
		return parseFloat(strings.TrimSuffix(strings.TrimSpace(reply), unit))
	}
}

func csvFloats(n int) func(string) ([]float64, error) {
	return func(reply string) ([]float64, error) {
		f := strings.Split(reply, ",")
		if len(f) != n {
			return nil, errFieldCount
		}
		out := make([]float64, n)
		for i, s := range f {
			v, err := parseFloat(s)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
}

// parseHardwareID accepts 16 hex digits starting with the 'E' sentinel.
func parseHardwareID(reply string) (string, error) {
	if len(reply) != idLength || reply[0] != idPrefix {
		return "", fmt.Errorf("malformed id %q", reply)
	}
	for _, c := range reply {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return "", fmt.Errorf("malformed id %q", reply)
		}
	}
	return reply, nil
}

// parseName checks a logger name for length and printable ASCII. Commas and
// control characters would break the line protocol.
func parseName(name string) (string, error) {
	if name == "" || len(name) > MaxNameLength {
		return "", fmt.Errorf("%w: %q must be 1 to %d characters", ErrInvalidName, name, MaxNameLength)
	}
	for _, c := range name {
		if c < 0x20 || c > 0x7e || c == ',' {
			return "", fmt.Errorf("%w: %q has unsupported character %q", ErrInvalidName, name, c)
		}
	}
	return name, nil
}
