package kiwi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/kiwi/internal/transport"
)

// Validator accepts a trimmed text reply or says why it is unacceptable.
// A rejected reply is retried exactly like a missing one.
type Validator func(reply string) error

// BackOffFunc builds a fresh retry schedule.
type BackOffFunc func() backoff.BackOff

// DefaultBackOff waits a randomized tens to hundreds of milliseconds between
// attempts, giving a busy logger time to service its UART.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.RandomizationFactor = 0.8
	b.Multiplier = 1.5
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// retry runs op up to attempts times on schedule b. op marks errors that
// retrying cannot fix with backoff.Permanent; those end the loop and come
// back unwrapped. Returns the number of calls made and the last error, or
// ctx.Err() when the context ends first.
func retry(ctx context.Context, b backoff.BackOff, attempts int, op func() error, notify backoff.Notify) (int, error) {
	if attempts < 1 {
		attempts = 1
	}
	n := 0
	counted := func() error {
		n++
		return op()
	}
	err := backoff.RetryNotify(counted, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx), notify)
	return n, err
}

// Exchange sends one command at a time over a channel and reads the reply.
type Exchange struct {
	ch          transport.Channel
	lineTimeout time.Duration
	newBackOff  BackOffFunc
	log         zerolog.Logger
}

func newExchange(ch transport.Channel, lineTimeout time.Duration, bo BackOffFunc, log zerolog.Logger) *Exchange {
	if bo == nil {
		bo = DefaultBackOff
	}
	return &Exchange{
		ch:          ch,
		lineTimeout: lineTimeout,
		newBackOff:  bo,
		log:         log.With().Str("component", "exchange").Logger(),
	}
}

// Send flushes the channel and writes cmd without waiting for a reply.
func (x *Exchange) Send(cmd string) error {
	if err := x.ch.Reset(); err != nil {
		return err
	}
	x.log.Debug().Str("cmd", strings.TrimSpace(cmd)).Msg("send")
	_, err := x.ch.Write([]byte(cmd))
	return err
}

// Ask sends cmd and returns the raw reply line, terminator included.
func (x *Exchange) Ask(cmd string) ([]byte, error) {
	if err := x.Send(cmd); err != nil {
		return nil, err
	}
	return x.ReadLine()
}

// ReadLine reads one more line of an ongoing reply.
func (x *Exchange) ReadLine() ([]byte, error) {
	raw, err := x.ch.ReadLine(x.lineTimeout)
	if err != nil {
		return nil, err
	}
	x.log.Debug().Bytes("reply", raw).Msg("recv")
	return raw, nil
}

// QueryRaw sends cmd until accept takes the raw reply or attempts run out.
// Exhaustion returns a *ResponseError. Link failures and context
// cancellation end the loop at once.
func (x *Exchange) QueryRaw(ctx context.Context, cmd string, attempts int, accept func(raw []byte) error) error {
	name := strings.TrimSpace(cmd)

	var (
		last  []byte
		fatal error
	)
	op := func() error {
		raw, err := x.Ask(cmd)
		if err != nil {
			fatal = err
			return backoff.Permanent(err)
		}
		last = raw
		return accept(raw)
	}
	notify := func(err error, wait time.Duration) {
		x.log.Debug().Str("cmd", name).Bytes("reply", last).Err(err).Dur("wait", wait).Msg("retrying")
	}

	n, err := retry(ctx, x.newBackOff(), attempts, op, notify)
	switch {
	case err == nil:
		return nil
	case fatal != nil:
		return fmt.Errorf("kiwi: %s: %w", name, fatal)
	case ctx.Err() != nil:
		return ctx.Err()
	}

	x.log.Warn().Str("cmd", name).Int("attempts", n).Bytes("last", last).Msg("no valid response")
	return &ResponseError{Command: name, Attempts: n, Last: strings.TrimSpace(string(last))}
}

var errNotText = errors.New("reply is not text")

// Query is QueryRaw for text replies. The reply handed to validate is
// trimmed; undecodable bytes count as a bad reply.
func (x *Exchange) Query(ctx context.Context, cmd string, attempts int, validate Validator) (string, error) {
	var reply string
	err := x.QueryRaw(ctx, cmd, attempts, func(raw []byte) error {
		if !utf8.Valid(raw) {
			return errNotText
		}
		reply = strings.TrimSpace(string(raw))
		return validate(reply)
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// ReadRange performs one range read: n payload bytes plus the CRC trailer.
// Short replies give ErrLength and trailer mismatches give ErrCRC.
func (x *Exchange) ReadRange(cmd string, n int, timeout time.Duration) ([]byte, error) {
	if err := x.Send(cmd); err != nil {
		return nil, err
	}
	resp, err := x.ch.ReadFull(n+CRCSize, timeout)
	if err != nil {
		return nil, err
	}
	if len(resp) != n+CRCSize {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrLength, n+CRCSize, len(resp))
	}
	payload, ok := VerifyCRC(resp)
	if !ok {
		return nil, ErrCRC
	}
	return payload, nil
}
