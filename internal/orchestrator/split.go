package orchestrator

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// splitter cuts streamed reply text into synthesis units as soon as a unit
// boundary is known.
type splitter struct {
	buf      string
	clauses  bool // also cut at , ; :
	firstMin int  // minimum runes for the first unit
	min      int  // minimum runes for later units
	emitted  int
}

func newSplitter(p profile) *splitter {
	return &splitter{clauses: p.clauses, firstMin: p.firstMinRunes, min: p.minRunes}
}

// Push appends streamed text and returns the units it completed.
func (s *splitter) Push(text string) []string {
	s.buf += text
	var out []string
	for {
		min := s.min
		if s.emitted == 0 {
			min = s.firstMin
		}
		i := unitBoundary(s.buf, min, s.clauses)
		if i < 0 {
			break
		}
		unit := strings.TrimSpace(s.buf[:i])
		s.buf = s.buf[i:]
		if unit != "" {
			out = append(out, unit)
			s.emitted++
		}
	}
	return out
}

// Flush returns whatever text is left once the stream ended.
func (s *splitter) Flush() string {
	rest := strings.TrimSpace(s.buf)
	s.buf = ""
	if rest != "" {
		s.emitted++
	}
	return rest
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

func isClauseEnd(r rune) bool {
	return r == ',' || r == ';' || r == ':'
}

// unitBoundary returns the byte offset just past the first boundary in buf
// whose preceding text has at least min runes, or -1. A punctuation mark
// only counts once the following whitespace has arrived, so "3.5" and "..."
// are not cut early.
func unitBoundary(buf string, min int, clauses bool) int {
	for i, r := range buf {
		end := i + utf8.RuneLen(r)
		switch {
		case r == '\n':
		case isSentenceEnd(r), clauses && isClauseEnd(r):
			next, _ := utf8.DecodeRuneInString(buf[end:])
			if end == len(buf) || !unicode.IsSpace(next) {
				continue
			}
		default:
			continue
		}
		if utf8.RuneCountInString(strings.TrimSpace(buf[:end])) >= min {
			return end
		}
	}
	return -1
}
