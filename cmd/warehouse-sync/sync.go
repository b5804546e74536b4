package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// maxLineSize bounds a single record. Responses with long completions or
// embeddings run well past bufio's 64KiB default.
const maxLineSize = 16 << 20

type deliverer interface {
	Deliver(ctx context.Context, rec record.CallRecord) error
}

type summary struct {
	Delivered int
	Failed    int
	Invalid   int
}

// Records is the number of non-blank lines seen.
func (s summary) Records() int { return s.Delivered + s.Failed + s.Invalid }

// syncLog delivers every record in r with at most concurrency deliveries in
// flight. Undecodable lines are counted and skipped; delivery failures are
// counted and logged. Only read errors and cancellation abort the sync.
func syncLog(ctx context.Context, r io.Reader, d deliverer, concurrency int, log zerolog.Logger) (summary, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	var delivered, failed, invalid atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := record.Unmarshal(line)
		if err == nil {
			err = rec.Validate()
		}
		if err != nil {
			invalid.Add(1)
			log.Warn().Err(err).Int("line", lineNo).Msg("Skipping invalid record")
			continue
		}
		if gctx.Err() != nil {
			break
		}

		n := lineNo
		g.Go(func() error {
			if err := d.Deliver(gctx, rec); err != nil {
				failed.Add(1)
				log.Warn().
					Err(err).
					Int("line", n).
					Str("method", rec.SDKMethod).
					Msg("Delivery failed")
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	scanErr := scanner.Err()
	_ = g.Wait()

	sum := summary{
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
		Invalid:   int(invalid.Load()),
	}
	if scanErr != nil {
		return sum, fmt.Errorf("failed to read call log at line %d: %w", lineNo+1, scanErr)
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}
