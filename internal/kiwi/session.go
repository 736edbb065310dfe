package kiwi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/kiwi/internal/record"
	"github.com/shaunagostinho/kiwi/internal/transport"
)

// Options tunes a Session. Zero fields take the defaults below.
type Options struct {
	Attempts      int           // per query (default 10)
	ProbeAttempts int           // per identification probe (default 2)
	RangeAttempts int           // per single page read (default 5)
	LineTimeout   time.Duration // text replies (default 1s)
	RangeTimeout  time.Duration // range-read replies (default 4s)
	Settle        time.Duration // pause after start/stop/rename (default 200ms); negative disables
	BackOff       BackOffFunc   // default DefaultBackOff
	Now           func() time.Time
	Logger        zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 10
	}
	if o.ProbeAttempts <= 0 {
		o.ProbeAttempts = 2
	}
	if o.RangeAttempts <= 0 {
		o.RangeAttempts = 5
	}
	if o.LineTimeout <= 0 {
		o.LineTimeout = time.Second
	}
	if o.RangeTimeout <= 0 {
		o.RangeTimeout = 4 * time.Second
	}
	if o.Settle == 0 {
		o.Settle = 200 * time.Millisecond
	}
	if o.BackOff == nil {
		o.BackOff = DefaultBackOff
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Session is a handle on one logger bound to one channel. Methods are safe
// for concurrent use; commands are serialized.
type Session struct {
	mu     sync.Mutex
	ch     transport.Channel
	x      *Exchange
	d      dialect
	opts   Options
	config *Config
	schema record.Schema
	log    zerolog.Logger
	closed bool
}

// Open identifies the logger on ch and fetches its configuration. If ch is
// a transport.Claimer it is claimed for the life of the session.
func Open(ctx context.Context, ch transport.Channel, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if c, ok := ch.(transport.Claimer); ok {
		if err := c.Claim(); err != nil {
			return nil, err
		}
	}

	s := &Session{
		ch:   ch,
		x:    newExchange(ch, opts.LineTimeout, opts.BackOff, opts.Logger),
		opts: opts,
		log:  opts.Logger.With().Str("component", "session").Logger(),
	}

	version, err := s.identify(ctx)
	if err != nil {
		s.release()
		return nil, err
	}
	s.d = dialectFor(version)
	s.log.Info().Int("version", version).Msg("identified logger")

	if _, err := s.fetchConfig(ctx); err != nil {
		s.release()
		return nil, fmt.Errorf("kiwi: fetch config: %w", err)
	}
	return s, nil
}

// identify probes with the JSON identity command, then with the legacy
// status command. Each probe gets ProbeAttempts tries and no more.
func (s *Session) identify(ctx context.Context) (int, error) {
	id, err := ask(ctx, s.x, query[identity]{cmd: "id", parse: parseIdentity}, s.opts.ProbeAttempts)
	if err == nil {
		return *id.Ver, nil
	}
	if !errors.Is(err, ErrNoResponse) {
		return 0, err
	}
	s.log.Debug().Err(err).Msg("identity probe failed, trying legacy status")

	_, err = ask(ctx, s.x, legacy{}.logging(), s.opts.ProbeAttempts)
	if err == nil {
		return VersionLegacy, nil
	}
	if !errors.Is(err, ErrNoResponse) {
		return 0, err
	}
	return 0, fmt.Errorf("%w: %v", ErrUnknownVersion, err)
}

func (s *Session) release() {
	if c, ok := s.ch.(transport.Claimer); ok {
		c.Release()
	}
}

// Close unbinds the session from its channel. The channel stays open.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.release()
	return nil
}

// Version is the protocol generation found by Open.
func (s *Session) Version() int { return s.d.version() }

// Schema is the record layout implied by the cached configuration.
func (s *Session) Schema() record.Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schema
}

// Config returns the logger configuration, from cache when useCached is set
// and a snapshot is held.
func (s *Session) Config(ctx context.Context, useCached bool) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if useCached && s.config != nil {
		return *s.config, nil
	}
	return s.fetchConfig(ctx)
}

func (s *Session) fetchConfig(ctx context.Context) (Config, error) {
	c, err := s.d.config(ctx, s.x, s.opts.Attempts)
	if err != nil {
		return Config{}, err
	}
	s.config = &c
	s.schema = c.Schema()
	s.log.Debug().Interface("config", c).Msg("config")
	return c, nil
}

func (s *Session) invalidate() { s.config = nil }

func (s *Session) settle(ctx context.Context) error {
	if s.opts.Settle < 0 {
		return nil
	}
	t := time.NewTimer(s.opts.Settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Session) IsLogging(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ask(ctx, s.x, s.d.logging(), s.opts.Attempts)
}

// BatteryVoltage reads the supply voltage in volts.
func (s *Session) BatteryVoltage(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ask(ctx, s.x, s.d.battery(), s.opts.Attempts)
}

func (s *Session) ReadTemperature(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ask(ctx, s.x, s.d.temperature(), s.opts.Attempts)
}

func (s *Session) ReadPressure(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ask(ctx, s.x, s.d.pressure(), s.opts.Attempts)
}

func (s *Session) ReadLight(ctx context.Context) (LightReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.light(ctx, s.x, s.opts.Attempts)
}

// ReadSensors takes one snapshot of every sensor. Light is read only when
// the logger has its light sensors enabled.
func (s *Session) ReadSensors(ctx context.Context) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Reading{Time: s.opts.Now().UTC()}
	var err error
	if r.Temperature, err = ask(ctx, s.x, s.d.temperature(), s.opts.Attempts); err != nil {
		return r, err
	}
	if r.Pressure, err = ask(ctx, s.x, s.d.pressure(), s.opts.Attempts); err != nil {
		return r, err
	}
	if r.Battery, err = ask(ctx, s.x, s.d.battery(), s.opts.Attempts); err != nil {
		return r, err
	}
	if s.schema.HasLight() {
		l, err := s.d.light(ctx, s.x, s.opts.Attempts)
		if err != nil {
			return r, err
		}
		r.Light = &l
	}
	return r, nil
}

// sendMutation writes a state-changing command. On firmware that
// acknowledges, the reply must be OK.
func (s *Session) sendMutation(cmd string) error {
	if !s.d.acks() {
		return s.x.Send(cmd)
	}
	raw, err := s.x.Ask(cmd)
	if err != nil {
		return err
	}
	if reply := strings.TrimSpace(string(raw)); reply != "OK" {
		return fmt.Errorf("%w: %s replied %q", ErrNotConfirmed, strings.TrimSpace(cmd), reply)
	}
	return nil
}

// StartLogging starts a logging run and confirms it through the status
// query. Current firmware is given the host clock as the start time.
func (s *Session) StartLogging(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidate()

	for _, cmd := range s.d.startCommands(s.opts.Now()) {
		if err := s.sendMutation(cmd); err != nil {
			// The status check below is authoritative.
			s.log.Warn().Err(err).Msg("start not acknowledged")
		}
	}
	if err := s.settle(ctx); err != nil {
		return err
	}
	on, err := ask(ctx, s.x, s.d.logging(), s.opts.Attempts)
	if err != nil {
		return err
	}
	if !on {
		return fmt.Errorf("%w: logger is not logging after start", ErrNotConfirmed)
	}
	s.log.Info().Msg("logging started")
	return nil
}

// StopLogging stops logging. Firmware that acknowledges confirms with OK;
// otherwise the status query must report not logging. The command is
// repeated until confirmed or attempts run out.
func (s *Session) StopLogging(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidate()

	op := func() error {
		err := s.sendMutation("stop_logging")
		if err == nil && s.d.acks() {
			return nil
		}
		if err != nil && !errors.Is(err, ErrNotConfirmed) {
			return backoff.Permanent(err)
		}
		if err := s.settle(ctx); err != nil {
			return backoff.Permanent(err)
		}
		on, err := ask(ctx, s.x, s.d.logging(), s.opts.Attempts)
		if err != nil {
			return backoff.Permanent(err)
		}
		if on {
			return fmt.Errorf("%w: still logging", ErrNotConfirmed)
		}
		return nil
	}
	n, err := retry(ctx, s.opts.BackOff(), s.opts.Attempts, op, nil)
	if err != nil {
		s.log.Warn().Err(err).Int("attempts", n).Msg("stop failed")
		return err
	}
	s.log.Info().Int("attempts", n).Msg("logging stopped")
	return nil
}

// SetInterval sets the sampling interval in milliseconds. Unsupported
// values are rejected without contacting the logger. The change is
// confirmed by re-reading the configuration.
func (s *Session) SetInterval(ctx context.Context, ms int) error {
	code, effective, err := IntervalCode(s.d.version(), ms)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidate()

	if err := s.sendMutation(s.d.intervalCommand(code)); err != nil {
		return err
	}
	c, err := s.fetchConfig(ctx)
	if err != nil {
		return err
	}
	if c.IntervalMS != effective {
		return fmt.Errorf("%w: interval is %d ms, want %d ms", ErrNotConfirmed, c.IntervalMS, effective)
	}
	return nil
}

// SetName renames the logger and confirms by reading the name back.
func (s *Session) SetName(ctx context.Context, name string) error {
	if _, err := parseName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidate()

	op := func() error {
		if err := s.x.Send(s.d.nameCommand(name)); err != nil {
			return backoff.Permanent(err)
		}
		if err := s.settle(ctx); err != nil {
			return backoff.Permanent(err)
		}
		c, err := s.fetchConfig(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.Name != name {
			return fmt.Errorf("%w: name is %q", ErrNotConfirmed, c.Name)
		}
		return nil
	}
	_, err := retry(ctx, s.opts.BackOff(), s.opts.Attempts, op, nil)
	return err
}

// SetLightSensors turns the light sensors on or off and refreshes the
// record schema. Legacy firmware always logs light.
func (s *Session) SetLightSensors(ctx context.Context, on bool) error {
	cmd, err := s.d.lightCommand(on)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidate()

	if _, err := s.x.Query(ctx, cmd, s.opts.Attempts, expectOK); err != nil {
		return err
	}
	c, err := s.fetchConfig(ctx)
	if err != nil {
		return err
	}
	if c.UseLight != on {
		return fmt.Errorf("%w: use_light is %v", ErrNotConfirmed, c.UseLight)
	}
	return nil
}

func expectOK(reply string) error {
	if reply != "OK" {
		return fmt.Errorf("want OK, got %q", reply)
	}
	return nil
}

// ClearMemory erases the flash. The logger prints dots while erasing and
// "done." at the end; progress is called with the running dot count.
func (s *Session) ClearMemory(ctx context.Context, progress func(dots int)) error {
	const patience = 8

	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidate()

	if err := s.x.Send("clear_memory"); err != nil {
		return err
	}

	var (
		tail  string
		dots  int
		quiet = patience
	)
	for quiet > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := s.ch.ReadFull(100, s.opts.LineTimeout)
		if err != nil {
			return fmt.Errorf("kiwi: clear_memory: %w", err)
		}
		text := string(b)
		if len(b) > 0 && strings.Trim(text, ".") == "" {
			quiet = patience
		} else {
			quiet--
		}
		dots += strings.Count(text, ".")
		if progress != nil {
			progress(dots)
		}
		tail += text
		if strings.Contains(tail, "done.") {
			s.log.Info().Int("dots", dots).Msg("memory cleared")
			return nil
		}
		if len(tail) > 8 {
			tail = tail[len(tail)-8:]
		}
	}
	return &ResponseError{Command: "clear_memory", Attempts: patience, Last: tail}
}

// LEDsOff turns every status LED off. No reply is expected.
func (s *Session) LEDsOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x.Send(s.d.ledsOffCommand())
}

// Sleep puts the logger into its low-power state. The session is no longer
// useful afterwards.
func (s *Session) Sleep() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x.Send("sleep")
}

// ReadClock reads the logger's real-time clock. Legacy firmware only.
func (s *Session) ReadClock(ctx context.Context) (time.Time, error) {
	if !s.d.clockSupported() {
		return time.Time{}, ErrNotSupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, err := ask(ctx, s.x, query[float64]{cmd: "read_rtc", parse: parseFloat}, s.opts.Attempts)
	if err != nil {
		return time.Time{}, err
	}
	return unixFloat(sec), nil
}

// SetClock writes t, truncated to the second, and returns the time the
// logger echoes back. Legacy firmware only.
func (s *Session) SetClock(ctx context.Context, t time.Time) (time.Time, error) {
	if !s.d.clockSupported() {
		return time.Time{}, ErrNotSupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := "write_rtc" + strconv.FormatInt(t.Unix(), 10) + "\n"
	sec, err := ask(ctx, s.x, query[float64]{cmd: cmd, parse: parseFloat}, s.opts.Attempts)
	if err != nil {
		return time.Time{}, err
	}
	return unixFloat(sec), nil
}

// SetClockAligned waits for the host clock to reach the next whole second
// and writes it, since the logger's RTC only keeps whole seconds.
func (s *Session) SetClockAligned(ctx context.Context) (time.Time, error) {
	if !s.d.clockSupported() {
		return time.Time{}, ErrNotSupported
	}
	now := s.opts.Now()
	next := now.Truncate(time.Second).Add(time.Second)
	t := time.NewTimer(next.Sub(now))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-t.C:
	}
	return s.SetClock(ctx, next)
}

func unixFloat(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}

// ReadRangeOnce performs a single CRC-checked read of flash bytes
// [begin, end] with no retry.
func (s *Session) ReadRangeOnce(begin, end int) ([]byte, error) {
	if end < begin {
		return nil, fmt.Errorf("kiwi: bad range 0x%x-0x%x", begin, end)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x.ReadRange(s.d.rangeCommand(begin, end), end-begin+1, s.opts.RangeTimeout)
}
