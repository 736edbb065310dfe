package kiwi

import (
	"fmt"
	"time"
)

// Legacy firmware takes a small code instead of milliseconds.
var (
	legacyIntervalCodes = map[int]int{200: 0, 1000: 1, 60000: 2}
	legacyCodeSeconds   = map[int]float64{0: 0.2, 1: 1, 2: 60}
)

// Current firmware takes milliseconds: four sub-second rates, then whole
// seconds up to a minute.
var currentFastIntervals = map[int]bool{125: true, 250: true, 500: true, 1000: true}

const (
	maxIntervalMS = 60000
)

// IntervalCode maps a requested interval to the value sent to the logger and
// the interval the logger will actually use. Current firmware snaps values
// above one second down to a whole second; nothing else is adjusted.
func IntervalCode(version, ms int) (code, effective int, err error) {
	if version == VersionLegacy {
		c, ok := legacyIntervalCodes[ms]
		if !ok {
			return 0, 0, fmt.Errorf("%w: %d ms (legacy supports 200, 1000, 60000)", ErrInvalidInterval, ms)
		}
		return c, ms, nil
	}
	if currentFastIntervals[ms] {
		return ms, ms, nil
	}
	if ms < 1000 || ms > maxIntervalMS {
		return 0, 0, fmt.Errorf("%w: %d ms (supports 125, 250, 500, 1000 or 1000-60000)", ErrInvalidInterval, ms)
	}
	ms = ms / 1000 * 1000
	return ms, ms, nil
}

// CodeInterval is the inverse lookup: the sampling period for a code as the
// logger reports it.
func CodeInterval(version, code int) (time.Duration, error) {
	if version == VersionLegacy {
		s, ok := legacyCodeSeconds[code]
		if !ok {
			return 0, fmt.Errorf("kiwi: unknown legacy interval code %d", code)
		}
		return time.Duration(s * float64(time.Second)), nil
	}
	if code <= 0 || code > maxIntervalMS {
		return 0, fmt.Errorf("kiwi: interval %d ms out of range", code)
	}
	return time.Duration(code) * time.Millisecond, nil
}
