// Package chunk splits UTF-8 text into overlapping windows. Chunks are the
// unit of both embedding and retrieval; identical input always yields
// identical chunks.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Default window sizes.
const (
	DefaultMaxChunkChars = 1600
	DefaultOverlapChars  = 200
)

// Chunk is one bounded contiguous text window extracted from a file.
type Chunk struct {
	// Index is the zero-based position of the chunk within its file.
	Index int
	// ByteOffset is the offset of Text within the original input.
	ByteOffset int
	// ByteLen is len(Text).
	ByteLen int
	// Text is the whitespace-trimmed window content.
	Text string
	// SHA256 is the hex content hash of Text; the cache and dedup key.
	SHA256 string
}

// Options configures a Chunker.
type Options struct {
	MaxChunkChars int
	OverlapChars  int
}

// Chunker produces deterministic overlapping windows.
type Chunker struct {
	maxChars int
	overlap  int
}

// New creates a Chunker, applying defaults for zero options.
func New(opts Options) *Chunker {
	maxChars := opts.MaxChunkChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChunkChars
	}
	overlap := opts.OverlapChars
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxChars {
		overlap = maxChars / 4
	}
	return &Chunker{maxChars: maxChars, overlap: overlap}
}

// Split chunks text into windows of at most MaxChunkChars with OverlapChars
// overlap, broken on line boundaries where possible and word boundaries
// otherwise. Empty or whitespace-only input yields no chunks.
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	pos := 0
	for pos < len(text) {
		end := pos + c.maxChars
		if end >= len(text) {
			end = len(text)
		} else {
			end = breakPoint(text, pos, end)
		}

		if ch, ok := makeChunk(text, pos, end, len(chunks)); ok {
			chunks = append(chunks, ch)
		}

		if end == len(text) {
			break
		}
		pos = nextStart(text, pos, end, c.overlap)
	}

	return chunks
}

// makeChunk trims the window and records the offset of the trimmed text in
// the original input. Whitespace-only windows produce no chunk.
func makeChunk(text string, start, end, index int) (Chunk, bool) {
	window := text[start:end]
	trimmed := strings.TrimSpace(window)
	if trimmed == "" {
		return Chunk{}, false
	}
	lead := strings.Index(window, trimmed)
	sum := sha256.Sum256([]byte(trimmed))
	return Chunk{
		Index:      index,
		ByteOffset: start + lead,
		ByteLen:    len(trimmed),
		Text:       trimmed,
		SHA256:     hex.EncodeToString(sum[:]),
	}, true
}

// breakPoint finds the best split position in (start, limit]: the last
// newline, else the last whitespace, else limit aligned to a rune boundary.
func breakPoint(text string, start, limit int) int {
	window := text[start:limit]

	if i := strings.LastIndexByte(window, '\n'); i > 0 {
		return start + i + 1
	}
	if i := lastSpace(window); i > 0 {
		return start + i + 1
	}

	// Hard split inside a single huge token: do not cut a rune in half.
	for limit > start+1 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return limit
}

// nextStart computes the next window start: overlap back from end, advanced
// to the nearest word start. Always makes forward progress past pos.
func nextStart(text string, pos, end, overlap int) int {
	next := end - overlap
	if next <= pos {
		return end
	}
	for next < end && !isWordStart(text, next) {
		next++
	}
	if next >= end {
		return end
	}
	return next
}

// isWordStart reports whether the byte at i begins a word.
func isWordStart(text string, i int) bool {
	if i == 0 {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:i])
	cur, _ := utf8.DecodeRuneInString(text[i:])
	return unicode.IsSpace(prev) && !unicode.IsSpace(cur)
}

// lastSpace returns the index of the last whitespace byte in s, or -1.
func lastSpace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ' ' || s[i] == '\t' || s[i] == '\r' {
			return i
		}
	}
	return -1
}

// HashText returns the chunk content hash for arbitrary text. Exposed so the
// cache key derivation matches chunking exactly.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
