package transport

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrBusy is returned by Claim when another session already owns the channel.
var ErrBusy = errors.New("transport: channel already claimed")

// Channel is a half-duplex byte link to one logger.
//
// Reads never fail on timeout: they return whatever arrived before the
// deadline, which may be empty or short. Callers validate lengths. An error
// is returned only when the underlying link itself fails.
type Channel interface {
	Write(p []byte) (int, error)
	// ReadLine returns bytes up to and including the next '\n', or the
	// partial line received before timeout.
	ReadLine(timeout time.Duration) ([]byte, error)
	// ReadFull returns up to n bytes, fewer if the timeout elapses first.
	ReadFull(n int, timeout time.Duration) ([]byte, error)
	// Reset discards pending input and output.
	Reset() error
	Close() error
}

// Claimer is implemented by channels that can be bound to at most one
// session at a time.
type Claimer interface {
	Claim() error
	Release()
}

// Guard is an embeddable Claimer.
type Guard struct {
	claimed atomic.Bool
}

func (g *Guard) Claim() error {
	if !g.claimed.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (g *Guard) Release() { g.claimed.Store(false) }
