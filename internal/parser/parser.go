// Package parser extracts plain text from uploaded files. Every format
// funnels into the same contract: normalized line endings, trimmed edges,
// typed errors from the pipeline taxonomy.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"code.sajari.com/docconv"

	"kb-engine/internal/domain"
)

const (
	// DefaultTimeout bounds one whole document parse.
	DefaultTimeout = 15 * time.Minute
	// DefaultPDFPageThreshold is the page count above which PDF extraction
	// fans out to parallel page-range workers.
	DefaultPDFPageThreshold = 16
)

// Parser dispatches file bytes to a format-specific extractor.
type Parser struct {
	logger           *slog.Logger
	timeout          time.Duration
	pdfPageThreshold int
}

// New creates a Parser. Non-positive timeout or threshold fall back to the
// defaults.
func New(logger *slog.Logger, timeout time.Duration, pdfPageThreshold int) *Parser {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if pdfPageThreshold <= 0 {
		pdfPageThreshold = DefaultPDFPageThreshold
	}
	return &Parser{
		logger:           logger,
		timeout:          timeout,
		pdfPageThreshold: pdfPageThreshold,
	}
}

// SupportedExtensions lists the extensions Parse accepts, without dots.
func SupportedExtensions() []string {
	return []string{"pdf", "docx", "html", "htm", "txt", "md", "markdown"}
}

// Supported reports whether ext (with or without a leading dot, any case)
// is a parseable format.
func Supported(ext string) bool {
	ext = NormalizeExtension(ext)
	for _, s := range SupportedExtensions() {
		if ext == s {
			return true
		}
	}
	return false
}

// NormalizeExtension lowercases ext and strips a leading dot.
func NormalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// Parse extracts plain text from data according to the file extension.
// It fails with ErrUnsupportedFormat for unknown extensions, ErrCorruptFile
// when the bytes cannot be decoded, and ErrParseTimeout when extraction
// exceeds the configured ceiling.
func (p *Parser) Parse(ctx context.Context, data []byte, ext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ext = NormalizeExtension(ext)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type extracted struct {
		text string
		err  error
	}
	resCh := make(chan extracted, 1)

	go func() {
		defer func() {
			// Extraction libraries can panic on malformed input. A panic is
			// a property of the file, not of the process.
			if r := recover(); r != nil {
				resCh <- extracted{err: fmt.Errorf("%w: extractor panic: %v", domain.ErrCorruptFile, r)}
			}
		}()
		text, err := p.extract(ctx, data, ext)
		resCh <- extracted{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: exceeded %s", domain.ErrParseTimeout, p.timeout)
		}
		return "", ctx.Err()
	case res := <-resCh:
		if res.err != nil {
			return "", res.err
		}
		text := normalizeText(res.text)
		p.logger.Info("parse_completed",
			"extension", ext,
			"input_bytes", len(data),
			"output_runes", utf8.RuneCountInString(text),
			"duration_ms", time.Since(start).Milliseconds())
		return text, nil
	}
}

func (p *Parser) extract(ctx context.Context, data []byte, ext string) (string, error) {
	switch ext {
	case "pdf":
		return p.parsePDF(ctx, data)
	case "docx":
		return parseDocx(data)
	case "html", "htm":
		return parseHTML(data)
	case "txt", "md", "markdown":
		return parseText(data)
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedFormat, ext)
	}
}

func parseDocx(data []byte) (string, error) {
	text, _, err := docconv.ConvertDocx(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: docx: %v", domain.ErrCorruptFile, err)
	}
	return text, nil
}

func parseText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not valid UTF-8", domain.ErrCorruptFile)
	}
	return string(data), nil
}

var multiNewline = regexp.MustCompile(`\n{3,}`)

// normalizeText gives every extractor output the same shape: \n line
// endings, at most one blank line in a row, no surrounding whitespace.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = multiNewline.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
