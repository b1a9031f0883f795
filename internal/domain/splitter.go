package domain

import (
	"strings"
	"unicode"
)

// Piece is one split segment of a parsed document, with rune offsets into
// the normalized input text.
type Piece struct {
	Content     string
	StartOffset int
	EndOffset   int
}

// Sentence terminators that may carry a chunk boundary. ASCII terminators
// only count when followed by whitespace or end of text, so "3.14" and
// "v1.2" survive intact. CJK terminators always count.
var cjkTerminators = map[rune]bool{
	'。': true,
	'！': true,
	'？': true,
	'；': true,
	'，': true,
}

func isASCIITerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// Split cuts text into pieces of at most size runes, restarting each
// subsequent piece overlap runes before the previous piece's end. Boundaries
// prefer, in order: paragraph break, newline, sentence terminator, space,
// raw rune cut. The result is deterministic: identical input always yields
// identical boundaries, which re-processing and the delete-then-insert
// reindex both rely on.
//
// Whitespace-only pieces are dropped. Returns ErrEmptyDocument when the
// input is empty after whitespace normalization. Offsets are rune positions
// into the newline-normalized text.
func Split(text string, size, overlap int) ([]Piece, error) {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 10
	}

	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	if strings.TrimSpace(normalized) == "" {
		return nil, ErrEmptyDocument
	}

	runes := []rune(normalized)
	total := len(runes)

	var pieces []Piece
	start := 0
	for start < total {
		end := start + size
		if end >= total {
			if p, ok := trimPiece(runes, start, total); ok {
				pieces = append(pieces, p)
			}
			break
		}

		breakAt := findBreak(runes, start, end, size)
		if p, ok := trimPiece(runes, start, breakAt); ok {
			pieces = append(pieces, p)
		}

		next := breakAt - overlap
		if next <= start {
			// A boundary this close to the window start would stall the
			// scan; advance past it instead.
			next = breakAt
		}
		start = next
	}

	return pieces, nil
}

// findBreak picks the cut position in (start, end]. It scans backward from
// the window end for the highest-priority boundary, rejecting boundaries in
// the front half of the window so one early paragraph break cannot produce
// a degenerate sliver chunk.
func findBreak(runes []rune, start, end, size int) int {
	minCut := start + size/2
	total := len(runes)

	// Paragraph break: cut after the blank line.
	for i := end - 2; i >= start; i-- {
		if runes[i] == '\n' && runes[i+1] == '\n' {
			if cut := i + 2; cut > minCut {
				return cut
			}
			break
		}
	}

	// Single newline.
	for i := end - 1; i >= start; i-- {
		if runes[i] == '\n' {
			if cut := i + 1; cut > minCut {
				return cut
			}
			break
		}
	}

	// Sentence terminator.
	for i := end - 1; i >= start; i-- {
		r := runes[i]
		terminator := cjkTerminators[r] ||
			(isASCIITerminator(r) && (i+1 >= total || unicode.IsSpace(runes[i+1])))
		if !terminator {
			continue
		}
		if cut := i + 1; cut > minCut {
			return cut
		}
		break
	}

	// Space.
	for i := end - 1; i >= start; i-- {
		if unicode.IsSpace(runes[i]) {
			if cut := i + 1; cut > minCut {
				return cut
			}
			break
		}
	}

	// Raw rune cut.
	return end
}

// trimPiece shrinks [start, end) to exclude surrounding whitespace.
// Returns ok=false when nothing but whitespace remains.
func trimPiece(runes []rune, start, end int) (Piece, bool) {
	for start < end && unicode.IsSpace(runes[start]) {
		start++
	}
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	if start >= end {
		return Piece{}, false
	}
	return Piece{
		Content:     string(runes[start:end]),
		StartOffset: start,
		EndOffset:   end,
	}, true
}
