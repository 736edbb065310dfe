package kiwi

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/kiwi/internal/record"
)

func TestSplitRange(t *testing.T) {
	tests := []struct{ begin, end, size int }{
		{0, 0, 1},
		{0, 255, 256},
		{0, 256, 256},
		{0, 1023, 256},
		{10, 1000, 64},
		{0, record.FlashSize - 1, 4096},
		{7, 8, 100},
	}
	for _, tt := range tests {
		is := is.New(t)

		chunks := SplitRange(tt.begin, tt.end, tt.size)
		is.True(len(chunks) > 0)
		is.Equal(chunks[0].Begin, tt.begin)
		is.Equal(chunks[len(chunks)-1].End, tt.end)

		total := 0
		for i, c := range chunks {
			is.True(c.Len() > 0)
			is.True(c.Len() <= tt.size)
			if i > 0 {
				is.Equal(c.Begin, chunks[i-1].End+1) // contiguous, no overlap
			}
			if i < len(chunks)-1 {
				is.Equal(c.Len(), tt.size) // only the last may be short
			}
			total += c.Len()
		}
		is.Equal(total, tt.end-tt.begin+1)
	}

	is := is.New(t)
	is.Equal(len(SplitRange(5, 4, 10)), 0)
}

// memReader serves ranges from an in-memory image. failures[begin] makes
// that many reads of the chunk at begin fail with ErrCRC first.
type memReader struct {
	mem      []byte
	failures map[int]int
	reads    int
	onRead   func(n int)
}

func (m *memReader) ReadRangeOnce(begin, end int) ([]byte, error) {
	if m.failures[begin] > 0 {
		m.failures[begin]--
		return nil, ErrCRC
	}
	m.reads++
	out := append([]byte(nil), m.mem[begin:end+1]...)
	if m.onRead != nil {
		m.onRead(m.reads)
	}
	return out, nil
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func testExtractor(r RangeReader) Extractor {
	return Extractor{
		Reader:     r,
		ChunkSize:  256,
		MaxRetry:   16,
		RetryDelay: time.Millisecond,
		Logger:     zerolog.Nop(),
	}
}

func TestExtractComplete(t *testing.T) {
	is := is.New(t)

	mem := pattern(10 * 256)
	r := &memReader{mem: mem, failures: map[int]int{256: 3, 1024: 1}}

	var sink bytes.Buffer
	res, err := testExtractor(r).Extract(context.Background(), 0, len(mem)-1, &sink)
	is.NoErr(err)
	is.Equal(res.Status, StatusComplete)
	is.Equal(res.Chunks, 10)
	is.Equal(res.Bytes, int64(len(mem)))
	is.Equal(sink.Bytes(), mem)
}

func TestExtractInterruptedKeepsWrittenChunks(t *testing.T) {
	is := is.New(t)

	mem := pattern(10 * 256)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &memReader{mem: mem, onRead: func(n int) {
		if n == 3 {
			cancel()
		}
	}}

	var sink bytes.Buffer
	res, err := testExtractor(r).Extract(ctx, 0, len(mem)-1, &sink)
	is.True(errors.Is(err, ErrInterrupted))
	is.Equal(res.Status, StatusInterrupted)
	is.Equal(res.Chunks, 3)
	is.Equal(res.Next, 3*256)
	is.Equal(sink.Bytes(), mem[:3*256])
	is.Equal(r.reads, 3)
}

func TestExtractRetryExhaustion(t *testing.T) {
	is := is.New(t)

	mem := pattern(10 * 256)
	r := &memReader{mem: mem, failures: map[int]int{512: 100}}
	e := testExtractor(r)
	e.MaxRetry = 4

	var sink bytes.Buffer
	res, err := e.Extract(context.Background(), 0, len(mem)-1, &sink)

	var xe *ExtractError
	is.True(errors.As(err, &xe))
	is.Equal(xe.Begin, 512)
	is.Equal(xe.End, 767)
	is.Equal(xe.Attempts, 4)
	is.True(errors.Is(err, ErrCRC))
	is.True(!errors.Is(err, ErrInterrupted))
	is.Equal(res.Status, StatusFailed)
	is.Equal(sink.Bytes(), mem[:512])
	is.Equal(r.failures[512], 96)
}

func TestExtractStopsAtErasedChunk(t *testing.T) {
	mem := append(pattern(4*256), bytes.Repeat([]byte{record.Erased}, 6*256)...)

	for _, keep := range []bool{false, true} {
		is := is.New(t)

		r := &memReader{mem: mem}
		e := testExtractor(r)
		e.StopOnEmpty = true
		e.KeepEmptyTail = keep

		var sink bytes.Buffer
		res, err := e.Extract(context.Background(), 0, len(mem)-1, &sink)
		is.NoErr(err)
		is.Equal(res.Status, StatusEmptyTail)
		is.Equal(r.reads, 5)
		if keep {
			is.Equal(sink.Len(), 5*256)
			is.Equal(res.Chunks, 5)
		} else {
			is.Equal(sink.Bytes(), mem[:4*256])
			is.Equal(res.Chunks, 4)
			is.Equal(res.Next, 4*256)
		}
	}
}

func TestExtractErasedChunksWithoutStop(t *testing.T) {
	is := is.New(t)

	mem := append(pattern(256), bytes.Repeat([]byte{record.Erased}, 3*256)...)
	r := &memReader{mem: mem}

	var sink bytes.Buffer
	res, err := testExtractor(r).Extract(context.Background(), 0, len(mem)-1, &sink)
	is.NoErr(err)
	is.Equal(res.Status, StatusComplete)
	is.Equal(sink.Bytes(), mem)
}
