package kiwi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shaunagostinho/kiwi/internal/record"
)

// readRange is ReadRangeOnce retried on length and CRC failures.
func (s *Session) readRange(ctx context.Context, begin, end int) ([]byte, error) {
	var data []byte
	op := func() error {
		d, err := s.ReadRangeOnce(begin, end)
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
		s.log.Debug().Err(err).Int("begin", begin).Int("end", end).Dur("wait", wait).Msg("range read retry")
	}
	n, err := retry(ctx, s.opts.BackOff(), s.opts.RangeAttempts, op, notify)
	if err != nil {
		if errors.Is(err, ErrLength) || errors.Is(err, ErrCRC) {
			return nil, &ResponseError{Command: fmt.Sprintf("read range 0x%x-0x%x", begin, end), Attempts: n, Last: err.Error()}
		}
		return nil, err
	}
	return data, nil
}

// ReadPage reads one 256-byte flash page.
func (s *Session) ReadPage(ctx context.Context, page int) ([]byte, error) {
	if page < 0 || page >= record.PageCount {
		return nil, fmt.Errorf("kiwi: page %d out of range", page)
	}
	begin := page * record.PageSize
	return s.readRange(ctx, begin, begin+record.PageSize-1)
}

func erased(b []byte) bool {
	for _, v := range b {
		if v != record.Erased {
			return false
		}
	}
	return true
}

// PageTest reports whether a page is entirely erased.
type PageTest func(ctx context.Context, page int) (bool, error)

// LocateBoundary binary-searches pages [begin, end) for the last page that
// is not erased, assuming everything before it is written and everything
// after it is erased. ok is false if no page in the range holds data.
func LocateBoundary(ctx context.Context, begin, end int, isEmpty PageTest) (page int, ok bool, err error) {
	if begin >= end {
		return 0, false, fmt.Errorf("kiwi: empty search range [%d,%d)", begin, end)
	}
	for end-begin > 1 {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		mid := (begin + end) / 2
		empty, err := isEmpty(ctx, mid)
		if err != nil {
			return 0, false, err
		}
		if empty {
			end = mid
		} else {
			begin = mid
		}
	}
	empty, err := isEmpty(ctx, begin)
	if err != nil {
		return 0, false, err
	}
	return begin, !empty, nil
}

func (s *Session) pageEmpty(ctx context.Context, page int) (bool, error) {
	b, err := s.ReadPage(ctx, page)
	if err != nil {
		return false, err
	}
	return erased(b), nil
}

// LastUsedPage finds the last flash page holding data. A written last page
// with an erased first page contradicts append-only writing and returns
// ErrNonContiguous.
func (s *Session) LastUsedPage(ctx context.Context) (int, bool, error) {
	page, ok, err := LocateBoundary(ctx, 0, record.PageCount, s.pageEmpty)
	if err != nil || !ok || page == 0 {
		return page, ok, err
	}
	first, err := s.pageEmpty(ctx, 0)
	if err != nil {
		return 0, false, err
	}
	if first {
		return 0, false, fmt.Errorf("%w: page %d written but page 0 erased", ErrNonContiguous, page)
	}
	s.log.Debug().Int("page", page).Msg("last used page")
	return page, true, nil
}

// usedBytes counts the bytes of a page up to its last byte that is neither
// erased nor zero, so a partly written trailing record is not counted.
func usedBytes(page []byte) int {
	for i := len(page) - 1; i >= 0; i-- {
		if page[i] != record.Erased && page[i] != 0 {
			return i + 1
		}
	}
	return 0
}

// SampleCount is the number of samples in flash.
func (s *Session) SampleCount(ctx context.Context) (int, error) {
	page, ok, err := s.LastUsedPage(ctx)
	if err != nil || !ok {
		return 0, err
	}
	buf, err := s.ReadPage(ctx, page)
	if err != nil {
		return 0, err
	}
	schema := s.Schema()
	return page*schema.PerPage() + usedBytes(buf)/schema.Size(), nil
}

// IsEmpty reports whether the start of flash is erased.
func (s *Session) IsEmpty(ctx context.Context) (bool, error) {
	b, err := s.readRange(ctx, 0, 63)
	if err != nil {
		return false, err
	}
	return erased(b), nil
}

// Overview reads n samples spread evenly over the recorded data, one page
// read each, without extracting the whole flash.
func (s *Session) Overview(ctx context.Context, n int) ([]record.Sample, error) {
	total, err := s.SampleCount(ctx)
	if err != nil || total == 0 || n <= 0 {
		return nil, err
	}
	c, err := s.Config(ctx, true)
	if err != nil {
		return nil, err
	}
	schema := c.Schema()
	n = min(n, total)

	pages := make(map[int][]byte)
	out := make([]record.Sample, 0, n)
	for k := 0; k < n; k++ {
		i := 0
		if n > 1 {
			i = k * (total - 1) / (n - 1)
		}
		addr := schema.Address(i)
		buf, cached := pages[addr.Page]
		if !cached {
			if buf, err = s.ReadPage(ctx, addr.Page); err != nil {
				return out, err
			}
			pages[addr.Page] = buf
		}
		rs := record.Decode(buf[addr.Offset:addr.Offset+schema.Size()], schema)
		if len(rs) == 0 {
			continue
		}
		out = append(out, record.Sample{
			Raw:   rs[0],
			Index: i,
			Time:  c.StartTime().Add(time.Duration(i) * c.Interval()),
		})
	}
	return out, nil
}
