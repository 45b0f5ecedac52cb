// Package chunking cuts document text into passages for pairwise reranking.
package chunking

import (
	"strings"
	"unicode"
)

// Splitter packs whole sentences into passages of at most ChunkSize runes.
// Consecutive passages repeat up to Overlap runes of trailing sentences.
// A sentence longer than ChunkSize is cut by runes.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 600
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

func (s *Splitter) Split(text string) []string {
	var parts []string
	for _, sentence := range sentences(text) {
		parts = append(parts, s.cut(sentence)...)
	}
	if len(parts) == 0 {
		return nil
	}

	var (
		out     []string
		current []string
		size    int
	)
	flush := func() {
		if len(current) > 0 {
			out = append(out, strings.Join(current, " "))
		}
	}
	for _, sentence := range parts {
		n := runeLen(sentence)
		if size > 0 && size+1+n > s.ChunkSize {
			flush()
			current = s.tail(current)
			size = runeLen(strings.Join(current, " "))
			if size > 0 && size+1+n > s.ChunkSize {
				current, size = nil, 0
			}
		}
		if size > 0 {
			size++
		}
		current = append(current, sentence)
		size += n
	}
	flush()
	return out
}

// tail keeps the trailing sentences that fit in the overlap budget.
func (s *Splitter) tail(current []string) []string {
	if s.Overlap == 0 {
		return nil
	}
	budget := s.Overlap
	start := len(current)
	for start > 0 {
		n := runeLen(current[start-1])
		if n > budget {
			break
		}
		budget -= n + 1
		start--
	}
	return append([]string(nil), current[start:]...)
}

func (s *Splitter) cut(sentence string) []string {
	runes := []rune(sentence)
	if len(runes) <= s.ChunkSize {
		return []string{sentence}
	}
	var out []string
	for start := 0; start < len(runes); start += s.ChunkSize {
		end := min(start+s.ChunkSize, len(runes))
		if part := strings.TrimSpace(string(runes[start:end])); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// sentences splits on '.', '!', '?' and line breaks, keeping the terminator.
func sentences(text string) []string {
	var out []string
	var b strings.Builder
	emit := func() {
		if sentence := strings.Join(strings.Fields(b.String()), " "); sentence != "" {
			out = append(out, sentence)
		}
		b.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			emit()
			continue
		}
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				emit()
			}
		}
	}
	emit()
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}
