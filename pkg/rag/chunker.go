package rag

import (
	"strings"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/parley-ai/parley/pkg/models"
)

// ChunkStrategy selects how document text is segmented before packing.
type ChunkStrategy string

// Chunking strategies.
const (
	StrategyFixed     ChunkStrategy = "fixed"
	StrategyParagraph ChunkStrategy = "paragraph"
	StrategySentence  ChunkStrategy = "sentence"
)

// ChunkConfig parameterizes the chunker. Sizes are in tokens.
type ChunkConfig struct {
	Strategy     ChunkStrategy
	ChunkSize    int
	ChunkOverlap int
}

// DefaultChunkConfig returns the standard chunking parameters.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		Strategy:     StrategyParagraph,
		ChunkSize:    512,
		ChunkOverlap: 64,
	}
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens counts tokens with the cl100k_base encoding, falling back
// to the rough 4-characters-per-token estimate if the encoding cannot be
// loaded.
func CountTokens(text string) int {
	encodingOnce.Do(func() {
		encoding, _ = tiktoken.GetEncoding("cl100k_base")
	})
	if encoding == nil {
		return (len(text) + 3) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// Chunker splits normalized text into token-bounded chunks with overlap.
type Chunker struct {
	cfg ChunkConfig
}

// NewChunker creates a chunker, filling zero config values from defaults.
func NewChunker(cfg ChunkConfig) *Chunker {
	def := DefaultChunkConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 8
	}
	return &Chunker{cfg: cfg}
}

// segment is a splitting unit (word, sentence, or paragraph) with its
// byte offsets into the source text.
type segment struct {
	text       string
	start, end int
	tokens     int
}

// Chunk splits text into chunks. Positions are byte offsets into the
// input; content is the verbatim input slice so offsets stay exact.
func (c *Chunker) Chunk(text string) []*models.DocumentChunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var segs []segment
	switch c.cfg.Strategy {
	case StrategyFixed:
		segs = splitWords(text)
	case StrategySentence:
		segs = splitSentences(text)
	default:
		segs = splitParagraphs(text)
	}
	for i := range segs {
		segs[i].tokens = CountTokens(segs[i].text)
	}

	return c.pack(text, segs)
}

// pack greedily fills chunks up to ChunkSize tokens, carrying trailing
// segments worth up to ChunkOverlap tokens into the next chunk. A single
// oversized segment becomes its own chunk rather than being split.
func (c *Chunker) pack(text string, segs []segment) []*models.DocumentChunk {
	var chunks []*models.DocumentChunk
	var current []segment
	currentTokens := 0

	emit := func() {
		if len(current) == 0 {
			return
		}
		start := current[0].start
		end := current[len(current)-1].end
		chunks = append(chunks, &models.DocumentChunk{
			Index:         len(chunks),
			Content:       text[start:end],
			TokenCount:    currentTokens,
			StartPosition: start,
			EndPosition:   end,
		})

		// Seed the next chunk with the overlap tail.
		var carry []segment
		carryTokens := 0
		for i := len(current) - 1; i >= 0; i-- {
			if carryTokens+current[i].tokens > c.cfg.ChunkOverlap {
				break
			}
			carryTokens += current[i].tokens
			carry = append([]segment{current[i]}, carry...)
		}
		current = carry
		currentTokens = carryTokens
	}

	for _, seg := range segs {
		if currentTokens+seg.tokens > c.cfg.ChunkSize && currentTokens > 0 {
			emit()
		}
		current = append(current, seg)
		currentTokens += seg.tokens
	}
	if currentTokens > 0 {
		// Drop a pure-overlap tail: its content is already covered.
		lastEnd := 0
		if len(chunks) > 0 {
			lastEnd = chunks[len(chunks)-1].EndPosition
		}
		if current[len(current)-1].end > lastEnd {
			emit()
		}
	}
	return chunks
}

func splitParagraphs(text string) []segment {
	var segs []segment
	offset := 0
	for _, part := range strings.Split(text, "\n\n") {
		idx := strings.Index(text[offset:], part)
		start := offset + idx
		end := start + len(part)
		offset = end
		if strings.TrimSpace(part) != "" {
			segs = append(segs, segment{text: part, start: start, end: end})
		}
	}
	return segs
}

func splitSentences(text string) []segment {
	var segs []segment
	start := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// Sentence ends at punctuation followed by whitespace or EOF.
		next := i + 1
		if next < len(text) && !unicode.IsSpace(rune(text[next])) {
			continue
		}
		if s := trimSegment(text, start, next); s != nil {
			segs = append(segs, *s)
		}
		start = next
	}
	if s := trimSegment(text, start, len(text)); s != nil {
		segs = append(segs, *s)
	}
	return segs
}

func splitWords(text string) []segment {
	var segs []segment
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				segs = append(segs, segment{text: text[start:i], start: start, end: i})
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		segs = append(segs, segment{text: text[start:], start: start, end: len(text)})
	}
	return segs
}

// trimSegment shrinks [start,end) to its non-space extent, returning nil
// for all-whitespace spans.
func trimSegment(text string, start, end int) *segment {
	for start < end && unicode.IsSpace(rune(text[start])) {
		start++
	}
	for end > start && unicode.IsSpace(rune(text[end-1])) {
		end--
	}
	if start >= end {
		return nil
	}
	return &segment{text: text[start:end], start: start, end: end}
}
