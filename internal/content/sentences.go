package content

import (
	"strings"
	"unicode"
)

const closers = `"'”’)]`

// span is a sentence and its rune offset within the block text.
type span struct {
	text   string
	offset int
}

// splitter breaks block text into sentences.
type splitter struct {
	maxRunes      int
	abbreviations map[string]bool
	titles        map[string]bool
}

func newSplitter(maxRunes int) *splitter {
	return &splitter{
		maxRunes:      maxRunes,
		abbreviations: defaultAbbreviations(),
		titles:        defaultTitleAbbreviations(),
	}
}

// split returns the sentences of text. Sentences longer than maxRunes are
// broken at whitespace.
func (s *splitter) split(text string) []span {
	runes := []rune(text)
	var out []span
	start := 0
	emit := func(end int) {
		for _, sp := range s.trimSpan(runes, start, end) {
			out = append(out, s.limit(sp)...)
		}
		start = end
	}
	for i := range runes {
		if s.isBoundary(runes, i) || s.closingBoundary(runes, i) {
			emit(i + 1)
		}
	}
	if start < len(runes) {
		emit(len(runes))
	}
	return out
}

func (s *splitter) trimSpan(runes []rune, start, end int) []span {
	for start < end && unicode.IsSpace(runes[start]) {
		start++
	}
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	if start == end {
		return nil
	}
	return []span{{text: string(runes[start:end]), offset: start}}
}

func (s *splitter) limit(sp span) []span {
	runes := []rune(sp.text)
	if s.maxRunes <= 0 || len(runes) <= s.maxRunes {
		return []span{sp}
	}
	var out []span
	start := 0
	for len(runes)-start > s.maxRunes {
		cut := start + s.maxRunes
		for i := cut; i > start+s.maxRunes/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		out = append(out, s.trimSpan(runes, start, cut)...)
		start = cut
	}
	out = append(out, s.trimSpan(runes, start, len(runes))...)
	for i := range out {
		out[i].offset += sp.offset
	}
	return out
}

// isBoundary reports whether the rune at pos ends a sentence.
func (s *splitter) isBoundary(runes []rune, pos int) bool {
	current := runes[pos]
	if current != '.' && current != '!' && current != '?' {
		return false
	}
	if pos == len(runes)-1 {
		return true
	}
	if current == '.' {
		if isEllipsis(runes, pos) || isDecimal(runes, pos) {
			return false
		}
		if word := wordBefore(runes, pos); s.abbreviations[word] {
			if s.titles[word] {
				return false
			}
			// other abbreviations end a sentence only before a capital
			return nextIsUpper(runes, pos+1)
		}
	}

	next := pos + 1
	if strings.ContainsRune(closers, runes[next]) {
		// decided by closingBoundary after the quote
		return false
	}
	if !unicode.IsSpace(runes[next]) {
		return false
	}
	return nextIsUpper(runes, next) || nextIsDigit(runes, next)
}

// closingBoundary reports whether a closing quote or bracket at pos ends
// a sentence whose terminal punctuation came before it.
func (s *splitter) closingBoundary(runes []rune, pos int) bool {
	if pos == 0 || !strings.ContainsRune(closers, runes[pos]) {
		return false
	}
	p := pos
	for p > 0 && strings.ContainsRune(closers, runes[p]) {
		p--
	}
	if !strings.ContainsRune(".!?", runes[p]) {
		return false
	}
	next := pos + 1
	if next == len(runes) {
		return true
	}
	if strings.ContainsRune(closers, runes[next]) || !unicode.IsSpace(runes[next]) {
		return false
	}
	return nextIsUpper(runes, next)
}

func wordBefore(runes []rune, pos int) string {
	start := pos - 1
	for start >= 0 && !unicode.IsSpace(runes[start]) {
		start--
	}
	start++
	if start >= pos {
		return ""
	}
	return strings.ToLower(strings.TrimLeft(string(runes[start:pos]), `"'“‘(`))
}

func nextIsUpper(runes []rune, pos int) bool {
	for pos < len(runes) && (unicode.IsSpace(runes[pos]) || strings.ContainsRune(`"'“‘(`, runes[pos])) {
		pos++
	}
	return pos < len(runes) && unicode.IsUpper(runes[pos])
}

func nextIsDigit(runes []rune, pos int) bool {
	for pos < len(runes) && unicode.IsSpace(runes[pos]) {
		pos++
	}
	return pos < len(runes) && unicode.IsDigit(runes[pos])
}

func isDecimal(runes []rune, pos int) bool {
	return pos > 0 && unicode.IsDigit(runes[pos-1]) && pos+1 < len(runes) && unicode.IsDigit(runes[pos+1])
}

func isEllipsis(runes []rune, pos int) bool {
	return (pos > 0 && runes[pos-1] == '.') || (pos+1 < len(runes) && runes[pos+1] == '.')
}

func defaultAbbreviations() map[string]bool {
	return map[string]bool{
		"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
		"sr": true, "jr": true, "st": true, "ph.d": true, "m.d": true,
		"etc": true, "vs": true, "e.g": true, "i.e": true, "cf": true,
		"inc": true, "ltd": true, "co": true, "corp": true, "no": true,
		"jan": true, "feb": true, "mar": true, "apr": true, "jun": true,
		"jul": true, "aug": true, "sep": true, "sept": true, "oct": true,
		"nov": true, "dec": true, "ch": true, "vol": true, "p": true, "pp": true,
		"ft": true, "in": true, "mi": true, "km": true, "kg": true, "lb": true,
	}
}

func defaultTitleAbbreviations() map[string]bool {
	return map[string]bool{
		"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
		"sr": true, "jr": true, "st": true,
	}
}
