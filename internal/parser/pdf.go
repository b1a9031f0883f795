package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"kb-engine/internal/domain"
)

// maxPDFWorkers caps the page-range fan-out regardless of core count.
const maxPDFWorkers = 8

// parsePDF extracts page text. Documents above the page threshold are split
// into contiguous page ranges, one ephemeral goroutine per range, each with
// its own reader over the shared bytes. Ranges join in page order; a single
// failed range fails the whole parse rather than silently dropping pages.
func (p *Parser) parsePDF(ctx context.Context, data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: pdf: %v", domain.ErrCorruptFile, err)
	}

	numPages := reader.NumPage()
	if numPages <= p.pdfPageThreshold {
		return extractPageRange(ctx, reader, 1, numPages)
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > maxPDFWorkers {
		workers = maxPDFWorkers
	}
	if workers > numPages {
		workers = numPages
	}

	p.logger.Info("pdf_parse_fanout",
		"pages", numPages,
		"workers", workers)

	texts := make([]string, workers)
	g, gctx := errgroup.WithContext(ctx)

	per := numPages / workers
	extra := numPages % workers
	from := 1
	for i := 0; i < workers; i++ {
		count := per
		if i < extra {
			count++
		}
		lo, hi := from, from+count-1
		from += count

		slot := i
		g.Go(func() (err error) {
			defer func() {
				// The pdf library panics on some malformed xref tables; a
				// worker panic must become an error, not a process crash.
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: pdf panic on pages %d-%d: %v", domain.ErrCorruptFile, lo, hi, r)
				}
			}()

			rangeReader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
			if err != nil {
				return fmt.Errorf("pages %d-%d: %w", lo, hi, err)
			}
			text, err := extractPageRange(gctx, rangeReader, lo, hi)
			if err != nil {
				return fmt.Errorf("pages %d-%d: %w", lo, hi, err)
			}
			texts[slot] = text
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return "", fmt.Errorf("%w: %v", domain.ErrParseTimeout, err)
		case errors.Is(err, domain.ErrCorruptFile):
			return "", err
		default:
			return "", fmt.Errorf("%w: %v", domain.ErrPartialParseFailure, err)
		}
	}

	return strings.Join(texts, "\n"), nil
}

func extractPageRange(ctx context.Context, reader *pdf.Reader, from, to int) (string, error) {
	var b strings.Builder
	for n := from; n <= to; n++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		page := reader.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", n, err)
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}
