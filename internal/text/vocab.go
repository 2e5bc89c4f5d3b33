// Package text maps raw text to integer symbol sequences over a fixed
// character vocabulary.
//
// Index 0 is reserved for the padding symbol. Characters outside the
// vocabulary are silently dropped on encode; this is the documented corpus
// policy, not an error condition.
package text

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Vocabulary is an immutable ordered character set with a reserved pad
// symbol at index 0.
type Vocabulary struct {
	pad     rune
	symbols []rune         // index 1..len
	index   map[rune]int64 // symbol -> index, pad included at 0
}

// NewVocabulary builds a vocabulary from the ordered character string and a
// single-rune pad token.
func NewVocabulary(characters, padToken string) (*Vocabulary, error) {
	if utf8.RuneCountInString(padToken) != 1 {
		return nil, fmt.Errorf("text: pad token must be a single rune, got %q", padToken)
	}

	if characters == "" {
		return nil, errors.New("text: character set must not be empty")
	}

	pad, _ := utf8.DecodeRuneInString(padToken)
	v := &Vocabulary{
		pad:   pad,
		index: map[rune]int64{pad: 0},
	}

	for _, r := range characters {
		if _, exists := v.index[r]; exists {
			return nil, fmt.Errorf("text: duplicate character %q in vocabulary", r)
		}

		v.symbols = append(v.symbols, r)
		v.index[r] = int64(len(v.symbols))
	}

	return v, nil
}

// Size returns the number of symbols including the pad token.
func (v *Vocabulary) Size() int64 {
	return int64(len(v.symbols)) + 1
}

// Encode maps each in-vocabulary character to its index. Unknown
// characters are skipped, not substituted.
func (v *Vocabulary) Encode(s string) []int64 {
	out := make([]int64, 0, len(s))

	for _, r := range s {
		idx, ok := v.index[r]
		if !ok || idx == 0 {
			continue
		}

		out = append(out, idx)
	}

	return out
}

// Decode maps indices back to characters. Out-of-range indices and the pad
// index produce nothing.
func (v *Vocabulary) Decode(ids []int64) string {
	var b strings.Builder

	for _, id := range ids {
		if id <= 0 || id > int64(len(v.symbols)) {
			continue
		}

		b.WriteRune(v.symbols[id-1])
	}

	return b.String()
}
