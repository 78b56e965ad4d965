package moderation

import (
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Censor stars out forbidden words in message content before it is
// persisted. Matching runs on a normalized view of the text (lowercased,
// leet speak folded, punctuation dropped) while replacement happens on
// the original runes, so spacing and casing around a match survive.
type Censor struct {
	matcher     *goahocorasick.Machine
	replacement rune
}

// NewCensor builds the Aho-Corasick automaton from the word list. An
// empty list yields a pass-through censor.
func NewCensor(words []string, replacement rune) (*Censor, error) {
	if len(words) == 0 {
		return &Censor{replacement: replacement}, nil
	}
	patterns := make([][]rune, len(words))
	for i, word := range words {
		patterns[i] = foldRunes([]rune(word))
	}
	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	return &Censor{matcher: m, replacement: replacement}, nil
}

// Apply returns content with every forbidden span replaced.
func (c *Censor) Apply(content string) string {
	if c.matcher == nil {
		return content
	}
	origRunes := []rune(content)
	folded, origIdx := foldWithIndex(origRunes)
	if len(folded) == 0 {
		return content
	}

	spans := c.matcher.MultiPatternSearch(folded, false)
	for _, span := range spans {
		start := span.Pos
		end := start + len(span.Word)
		if start < 0 || end > len(origIdx) {
			continue
		}
		for i := origIdx[start]; i <= origIdx[end-1]; i++ {
			origRunes[i] = c.replacement
		}
	}
	return string(origRunes)
}

// foldWithIndex normalizes the input and keeps, for each folded rune, the
// index of the original rune it came from.
func foldWithIndex(origRunes []rune) ([]rune, []int) {
	folded := make([]rune, 0, len(origRunes))
	origIdx := make([]int, 0, len(origRunes))
	for i, r := range origRunes {
		plain := unleet(r)
		if skippable(plain) {
			continue
		}
		folded = append(folded, unicode.ToLower(plain))
		origIdx = append(origIdx, i)
	}
	return folded, origIdx
}

func foldRunes(input []rune) []rune {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		plain := unleet(r)
		if skippable(plain) {
			continue
		}
		out = append(out, unicode.ToLower(plain))
	}
	return out
}

// unleet maps common leet-speak substitutions back to letters.
func unleet(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	case '7':
		return 't'
	default:
		return r
	}
}

func skippable(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
}
