package grounding

import "unicode/utf8"

// TextIndex maps byte offsets of a string to character (code point) offsets
// and back. Grounded offsets are always character offsets so that they stay
// valid for downstream highlighting regardless of encoding.
type TextIndex struct {
	text       string
	byteToRune []int
	runeToByte []int
}

// NewTextIndex builds an index over text.
func NewTextIndex(text string) *TextIndex {
	idx := &TextIndex{
		text:       text,
		byteToRune: make([]int, len(text)+1),
		runeToByte: make([]int, 0, utf8.RuneCountInString(text)+1),
	}
	r := 0
	prev := 0
	for b := range text {
		// Continuation bytes map to the character that contains them.
		for k := prev + 1; k < b; k++ {
			idx.byteToRune[k] = r - 1
		}
		idx.runeToByte = append(idx.runeToByte, b)
		idx.byteToRune[b] = r
		prev = b
		r++
	}
	for k := prev + 1; k < len(text); k++ {
		idx.byteToRune[k] = r - 1
	}
	idx.runeToByte = append(idx.runeToByte, len(text))
	idx.byteToRune[len(text)] = r
	return idx
}

// Len returns the length of the text in characters.
func (t *TextIndex) Len() int { return len(t.runeToByte) - 1 }

// RuneOffset converts a byte offset into a character offset.
func (t *TextIndex) RuneOffset(byteOff int) int {
	if byteOff <= 0 {
		return 0
	}
	if byteOff >= len(t.byteToRune) {
		return t.Len()
	}
	return t.byteToRune[byteOff]
}

// ByteOffset converts a character offset into a byte offset.
func (t *TextIndex) ByteOffset(runeOff int) int {
	if runeOff <= 0 {
		return 0
	}
	if runeOff >= len(t.runeToByte) {
		return len(t.text)
	}
	return t.runeToByte[runeOff]
}

// Slice returns the substring between two character offsets. Out-of-range or
// inverted bounds yield ok=false.
func (t *TextIndex) Slice(start, end int) (string, bool) {
	if start < 0 || end > t.Len() || start > end {
		return "", false
	}
	return t.text[t.ByteOffset(start):t.ByteOffset(end)], true
}
