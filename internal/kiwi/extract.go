package kiwi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/kiwi/internal/record"
)

// Chunk is an inclusive flash byte range.
type Chunk struct {
	Begin int
	End   int
}

func (c Chunk) Len() int { return c.End - c.Begin + 1 }

// SplitRange cuts [begin, end] into consecutive chunks of at most size
// bytes. The last chunk may be shorter.
func SplitRange(begin, end, size int) []Chunk {
	if end < begin || size <= 0 {
		return nil
	}
	out := make([]Chunk, 0, (end-begin)/size+1)
	for b := begin; b <= end; b += size {
		out = append(out, Chunk{Begin: b, End: min(b+size-1, end)})
	}
	return out
}

// RangeReader performs one CRC-checked range read. *Session implements it.
type RangeReader interface {
	ReadRangeOnce(begin, end int) ([]byte, error)
}

// Status is how an extraction ended.
type Status int

const (
	StatusComplete    Status = iota // every chunk read
	StatusEmptyTail                 // stopped at an erased chunk
	StatusInterrupted               // cancelled between chunks
	StatusFailed                    // a chunk could not be read
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusEmptyTail:
		return "empty-tail"
	case StatusInterrupted:
		return "interrupted"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Result summarizes an extraction. Next is the first address not written
// to the sink, where a resumed extraction would start.
type Result struct {
	Status Status
	Chunks int
	Bytes  int64
	Next   int
}

// Extractor streams a flash range to a sink chunk by chunk.
type Extractor struct {
	Reader RangeReader

	ChunkSize     int           // bytes per range read (default 16 pages)
	MaxRetry      int           // attempts per chunk (default 16)
	RetryDelay    time.Duration // pause between attempts (default 100ms)
	StopOnEmpty   bool          // stop at the first erased chunk
	KeepEmptyTail bool          // write that erased chunk before stopping
	Progress      func(c Chunk, r Result)
	Logger        zerolog.Logger
}

const DefaultChunkSize = 16 * record.PageSize

// Extract reads [begin, end] and writes each validated chunk to sink before
// requesting the next. Cancelling ctx stops at the next chunk boundary with
// ErrInterrupted; a chunk that fails every attempt returns *ExtractError.
// In both cases chunks already written are left in the sink.
func (e Extractor) Extract(ctx context.Context, begin, end int, sink io.Writer) (Result, error) {
	if e.ChunkSize <= 0 {
		e.ChunkSize = DefaultChunkSize
	}
	if e.MaxRetry <= 0 {
		e.MaxRetry = 16
	}
	if e.RetryDelay <= 0 {
		e.RetryDelay = 100 * time.Millisecond
	}
	log := e.Logger.With().Str("component", "extract").Logger()

	res := Result{Next: begin}
	chunks := SplitRange(begin, end, e.ChunkSize)
	log.Info().Int("begin", begin).Int("end", end).Int("chunks", len(chunks)).Msg("extract")

	for _, c := range chunks {
		if ctx.Err() != nil {
			res.Status = StatusInterrupted
			log.Warn().Int("next", res.Next).Msg("interrupted")
			return res, ErrInterrupted
		}

		data, n, err := e.readChunk(ctx, c, log)
		if err != nil {
			if ctx.Err() != nil {
				res.Status = StatusInterrupted
				log.Warn().Int("next", res.Next).Msg("interrupted")
				return res, ErrInterrupted
			}
			res.Status = StatusFailed
			log.Error().Err(err).Int("begin", c.Begin).Int("end", c.End).Msg("chunk failed")
			return res, &ExtractError{Begin: c.Begin, End: c.End, Attempts: n, Err: err}
		}

		empty := e.StopOnEmpty && erased(data)
		if !empty || e.KeepEmptyTail {
			if _, err := sink.Write(data); err != nil {
				res.Status = StatusFailed
				return res, fmt.Errorf("kiwi: write chunk 0x%x: %w", c.Begin, err)
			}
			res.Chunks++
			res.Bytes += int64(len(data))
			res.Next = c.End + 1
		}
		if e.Progress != nil {
			e.Progress(c, res)
		}
		if empty {
			res.Status = StatusEmptyTail
			log.Info().Int("at", c.Begin).Msg("reached erased flash")
			return res, nil
		}
	}

	res.Status = StatusComplete
	return res, nil
}

func (e Extractor) readChunk(ctx context.Context, c Chunk, log zerolog.Logger) ([]byte, int, error) {
	var data []byte
	op := func() error {
		d, err := e.Reader.ReadRangeOnce(c.Begin, c.End)
		if errors.Is(err, ErrLength) || errors.Is(err, ErrCRC) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		data = d
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Int("begin", c.Begin).Msg("chunk retry")
	}
	n, err := retry(ctx, backoff.NewConstantBackOff(e.RetryDelay), e.MaxRetry, op, notify)
	return data, n, err
}

// ExtractAll extracts the whole flash with the session, stopping at the
// erased tail when e.StopOnEmpty is set. Reader and Logger are replaced by
// the session's.
func (s *Session) ExtractAll(ctx context.Context, e Extractor, sink io.Writer) (Result, error) {
	e.Reader = s
	e.Logger = s.opts.Logger
	return e.Extract(ctx, 0, record.FlashSize-1, sink)
}
