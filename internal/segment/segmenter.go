// Package segment cuts an incrementally generated text stream into
// sentence-sized segments for speech synthesis.
//
// Each segment carries a monotonically increasing sequence index assigned at
// segmentation time, plus a "speakable" form with markup and emoji stripped.
// Increments that strip to an empty speakable string are dropped without
// consuming an index, so downstream ordering stays gap-free.
package segment

import (
	"strings"
	"unicode"
)

// Segment is one sentence-sized unit of generated text.
type Segment struct {
	// Index is the 0-based sequence index, strictly increasing across the
	// segmenter's lifetime.
	Index int

	// Raw is the segment text as generated, including any markup.
	Raw string

	// Speakable is Raw with markup, emoji and formatting stripped. Never
	// empty: segments that strip to nothing are not emitted.
	Speakable string
}

// Segmenter accumulates text increments and emits complete sentences.
//
// Segmenter is not safe for concurrent use; callers feed it from the single
// goroutine consuming the generation stream.
type Segmenter struct {
	buf  strings.Builder
	next int
}

// New constructs an empty Segmenter. The first emitted segment has index 0.
func New() *Segmenter {
	return &Segmenter{}
}

// Push appends one text increment and returns any complete segments it
// unlocked, in index order. Multiple sentence boundaries within the buffer
// yield multiple segments from a single Push.
func (s *Segmenter) Push(increment string) []Segment {
	s.buf.WriteString(increment)

	var out []Segment
	for {
		text := s.buf.String()
		cut := boundaryIndex(text)
		if cut < 0 {
			break
		}
		piece := text[:cut]
		rest := strings.TrimLeft(text[cut:], " \t\r")
		s.buf.Reset()
		s.buf.WriteString(rest)

		if seg, ok := s.emit(piece); ok {
			out = append(out, seg)
		}
	}
	return out
}

// Flush ends the stream: any non-empty remainder is emitted as a final
// segment. The segmenter is reusable afterwards; indices keep increasing.
func (s *Segmenter) Flush() []Segment {
	piece := s.buf.String()
	s.buf.Reset()
	if seg, ok := s.emit(piece); ok {
		return []Segment{seg}
	}
	return nil
}

// NextIndex reports the index the next emitted segment will carry.
func (s *Segmenter) NextIndex() int {
	return s.next
}

// emit builds a Segment from the raw piece, dropping it (and its index) when
// the speakable form is empty.
func (s *Segmenter) emit(raw string) (Segment, bool) {
	speakable := Speakable(raw)
	if speakable == "" {
		return Segment{}, false
	}
	seg := Segment{Index: s.next, Raw: strings.TrimSpace(raw), Speakable: speakable}
	s.next++
	return seg, true
}

// ─── boundary detection ──────────────────────────────────────────────────────

// boundaryIndex returns the byte index one past the first sentence-terminal
// character in s, or -1 when no boundary is present yet.
//
// ASCII terminators ('.', '!', '?') only count when followed by whitespace, so
// decimals ("3.5") and abbreviations mid-token do not cut; a trailing
// terminator waits for the next increment or Flush. CJK terminators
// ('。', '！', '？') and newlines cut immediately. Terminators inside markup
// tokens (inline code, link targets, bare URLs) are skipped entirely: markup
// is accounted for before boundary testing, not after, so a period inside a
// URL never produces a false cut.
func boundaryIndex(s string) int {
	inCode := false // inside `inline code`
	inURL := false  // inside a bare URL or a markdown link target

	runes := []rune(s)
	pos := 0 // byte offset of runes[i]
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		size := len(string(r))

		switch {
		case inURL:
			if unicode.IsSpace(r) || r == ')' {
				inURL = false
			}
		case r == '`':
			inCode = !inCode
		case inCode:
			// No boundaries inside inline code.
		case startsURL(s[pos:]):
			inURL = true
		case r == '\n', r == '。', r == '！', r == '？':
			return pos + size
		case r == '.' || r == '!' || r == '?':
			if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				return pos + size
			}
		}
		pos += size
	}
	return -1
}

// startsURL reports whether s begins a URL token.
func startsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// ─── speakable derivation ────────────────────────────────────────────────────

// Speakable strips markup, emoji and formatting from raw text, returning what
// a synthesis provider should actually pronounce. Markdown links keep their
// label and lose their target; inline code keeps its content; structural
// punctuation (emphasis markers, headings, list bullets) disappears.
func Speakable(raw string) string {
	text := stripLinks(raw)
	text = stripURLs(text)

	var b strings.Builder
	b.Grow(len(text))
	for _, line := range strings.Split(text, "\n") {
		line = stripLinePrefix(line)
		for _, r := range line {
			switch {
			case r == '*' || r == '_' || r == '`' || r == '~' || r == '#':
				// Formatting characters.
			case isEmoji(r):
			default:
				b.WriteRune(r)
			}
		}
		b.WriteRune(' ')
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// stripLinks replaces markdown links [label](target) with their label.
func stripLinks(s string) string {
	var b strings.Builder
	for {
		open := strings.Index(s, "[")
		if open < 0 {
			break
		}
		closeIdx := strings.Index(s[open:], "](")
		if closeIdx < 0 {
			break
		}
		end := strings.Index(s[open+closeIdx:], ")")
		if end < 0 {
			break
		}
		b.WriteString(s[:open])
		b.WriteString(s[open+1 : open+closeIdx])
		s = s[open+closeIdx+end+1:]
	}
	b.WriteString(s)
	return b.String()
}

// stripURLs removes bare URL tokens.
func stripURLs(s string) string {
	fields := strings.Fields(s)
	kept := fields[:0]
	for _, f := range fields {
		if startsURL(f) {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// stripLinePrefix removes heading markers and list bullets from the start of
// a line.
func stripLinePrefix(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	for len(trimmed) > 0 && trimmed[0] == '#' {
		trimmed = trimmed[1:]
	}
	if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
		trimmed = trimmed[2:]
	}
	return trimmed
}

// isEmoji reports whether r is an emoji, a pictographic symbol, or one of the
// joiner/selector code points used to compose them.
func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF: // emoji, symbols, pictographs
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r == 0x200D: // zero-width joiner
		return true
	case r >= 0xFE00 && r <= 0xFE0F: // variation selectors
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	}
	return false
}
