package segment

import (
	"math"
	"strings"

	"github.com/hyperifyio/gorewrite/internal/extract"
)

// DefaultMaxSize is the soft number of segments per chunk.
const DefaultMaxSize = 5

// Chunk is a contiguous run of segments sent to the rewrite service in one call.
type Chunk struct {
	Index      int
	Segments   []extract.Segment
	Generation uint64
}

// Len returns the number of segments in the chunk.
func (c Chunk) Len() int { return len(c.Segments) }

// Text serializes the chunk for the rewrite call.
func (c Chunk) Text() string { return extract.Join(c.Segments) }

// Pack groups segments greedily. A chunk closes after a segment when the next
// segment is a heading, when it holds at least maxSize segments and the last
// one ends a sentence, or when it reaches 1.5*maxSize segments (rounded up).
// The returned chunks partition segs in order.
func Pack(segs []extract.Segment, maxSize int) []Chunk {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	hard := HardLimit(maxSize)

	var chunks []Chunk
	var cur []extract.Segment
	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Segments: cur, Generation: cur[0].Generation})
		cur = nil
	}
	for i, s := range segs {
		cur = append(cur, s)
		nextIsHeading := i+1 < len(segs) && segs[i+1].IsHeading
		switch {
		case nextIsHeading:
			flush()
		case len(cur) >= maxSize && EndsSentence(s.Text):
			flush()
		case len(cur) >= hard:
			flush()
		}
	}
	flush()
	return chunks
}

// HardLimit is the forced chunk size for a given soft size.
func HardLimit(maxSize int) int {
	return int(math.Ceil(1.5 * float64(maxSize)))
}

var closingQuotes = "\"'”’)"

// EndsSentence reports whether the trimmed text ends in terminal punctuation,
// optionally followed by closing quotes.
func EndsSentence(text string) bool {
	s := strings.TrimSpace(text)
	s = strings.TrimRight(s, closingQuotes)
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
