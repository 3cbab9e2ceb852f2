package text

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"unicode"
)

var ErrInvalidChunkConfig = errors.New("invalid chunk config")

// Config sizes are measured in runes.
type Config struct {
	TargetSize int
	Overlap    int
}

func DefaultConfig() Config {
	return Config{TargetSize: 1000, Overlap: 200}
}

func (c Config) Validate() error {
	if c.TargetSize <= 0 {
		return fmt.Errorf("%w: target size must be positive, got %d", ErrInvalidChunkConfig, c.TargetSize)
	}
	if c.Overlap < 0 || c.Overlap >= c.TargetSize {
		return fmt.Errorf("%w: overlap must be in [0, %d), got %d", ErrInvalidChunkConfig, c.TargetSize, c.Overlap)
	}
	return nil
}

// Segment is one chunk of the input. Start and End are rune offsets into the
// original text; OverlapPrev counts the leading runes shared with the previous segment.
type Segment struct {
	Index       int
	Content     string
	Start       int
	End         int
	OverlapPrev int
}

type Chunker struct {
	cfg Config
}

func NewChunker(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

func (c *Chunker) Config() Config { return c.cfg }

// Chunk collects Segments into a slice.
func (c *Chunker) Chunk(text string) []Segment {
	return slices.Collect(c.Segments(text))
}

// Segments splits text into overlapping windows of at most TargetSize runes.
// Each window is cut at the last paragraph break, else sentence end, else line
// break, else whitespace that lies past start+Overlap; failing all of those it
// is cut hard at TargetSize. The next window starts Overlap runes before the cut.
// The sequence is lazy and can be ranged over any number of times.
func (c *Chunker) Segments(text string) iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		runes := []rune(text)
		start, n := 0, len(runes)
		for start < n && unicode.IsSpace(runes[start]) {
			start++
		}
		for n > start && unicode.IsSpace(runes[n-1]) {
			n--
		}

		index, prevEnd := 0, -1
		for start < n {
			cut, last := n, true
			if start+c.cfg.TargetSize < n {
				cut, last = c.cut(runes[:n], start), false
			}

			s, e := start, cut
			for s < e && unicode.IsSpace(runes[s]) {
				s++
			}
			for e > s && unicode.IsSpace(runes[e-1]) {
				e--
			}
			if e > s && e > prevEnd {
				overlap := 0
				if prevEnd > s {
					overlap = prevEnd - s
				}
				if !yield(Segment{Index: index, Content: string(runes[s:e]), Start: s, End: e, OverlapPrev: overlap}) {
					return
				}
				index++
				prevEnd = e
			}
			if last {
				return
			}
			start = max(cut-c.cfg.Overlap, start+1)
		}
	}
}

// cut picks the end of the window that begins at start. runes has already
// been trimmed of trailing whitespace.
func (c *Chunker) cut(runes []rune, start int) int {
	lo := start + c.cfg.Overlap
	hi := start + c.cfg.TargetSize
	n := len(runes)

	paragraph := func(p int) bool { return p >= 2 && runes[p-1] == '\n' && runes[p-2] == '\n' }
	sentence := func(p int) bool {
		switch runes[p-1] {
		case '.', '!', '?':
			return p < n && unicode.IsSpace(runes[p])
		}
		return false
	}
	line := func(p int) bool { return runes[p-1] == '\n' }
	space := func(p int) bool { return unicode.IsSpace(runes[p-1]) }

	for _, boundary := range []func(int) bool{paragraph, sentence, line, space} {
		for p := hi; p > lo; p-- {
			if boundary(p) {
				return p
			}
		}
	}
	return hi
}
