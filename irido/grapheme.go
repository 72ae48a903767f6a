package irido

import (
	"sort"

	"github.com/scalecode-solutions/runeseg"
)

// Graphemes indexes a string by grapheme cluster so that emoji and combining
// sequences count as one unit.
type Graphemes struct {
	str string
	// offsets[i] is the byte offset of cluster i; the last entry is len(str).
	offsets []int
}

// NewGraphemes segments str.
func NewGraphemes(str string) *Graphemes {
	g := &Graphemes{str: str}
	if str == "" {
		return g
	}

	g.offsets = make([]int, 0, len(str)/2+1)
	offset := 0
	for state, remaining := -1, str; len(remaining) > 0; {
		var cluster string
		cluster, remaining, _, state = runeseg.StepString(remaining, state)
		g.offsets = append(g.offsets, offset)
		offset += len(cluster)
	}
	g.offsets = append(g.offsets, offset)
	return g
}

// Length returns the number of grapheme clusters.
func (g *Graphemes) Length() int {
	if len(g.offsets) == 0 {
		return 0
	}
	return len(g.offsets) - 1
}

// Slice returns clusters [start, end), clamped to the string.
func (g *Graphemes) Slice(start, end int) string {
	length := g.Length()
	if start < 0 {
		start = 0
	}
	if end > length {
		end = length
	}
	if start >= end {
		return ""
	}
	return g.str[g.offsets[start]:g.offsets[end]]
}

// ByteOffset returns the byte offset where cluster i starts. i == Length()
// yields len(str).
func (g *Graphemes) ByteOffset(i int) int {
	if i < 0 || i >= len(g.offsets) {
		return len(g.str)
	}
	return g.offsets[i]
}

// GraphemeIndex returns the index of the cluster containing byteOffset.
// Offsets at or past the end map to Length().
func (g *Graphemes) GraphemeIndex(byteOffset int) int {
	if byteOffset <= 0 || len(g.offsets) == 0 {
		return 0
	}
	// First boundary strictly after byteOffset, minus one.
	i := sort.SearchInts(g.offsets, byteOffset+1) - 1
	if i > g.Length() {
		return g.Length()
	}
	return i
}

// Truncate shortens str to maxGraphemes clusters, appending suffix when
// anything was cut.
func Truncate(str string, maxGraphemes int, suffix string) string {
	g := NewGraphemes(str)
	if g.Length() <= maxGraphemes {
		return str
	}
	return g.Slice(0, maxGraphemes) + suffix
}

// GraphemeLength returns the number of grapheme clusters in str.
func GraphemeLength(str string) int {
	return NewGraphemes(str).Length()
}
