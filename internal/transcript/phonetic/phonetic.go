// Package phonetic matches spoken-word spans against a configured vocabulary
// using Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity.
//
// A span matches a term in one of two ways:
//
//  1. Phonetic: the Double Metaphone codes of the span and the term (both
//     with spaces removed) overlap, and their Jaro-Winkler similarity reaches
//     the phonetic threshold (default 0.70).
//  2. Fuzzy: there is no phonetic overlap, but the Jaro-Winkler similarity
//     reaches the higher fuzzy threshold (default 0.85).
//
// A span is compared with terms of the same word count. A span one word
// longer than the term is also accepted when the phonetic codes overlap, so
// that a recogniser splitting one name into two words ("elder nacks" for
// "Eldrinax") is still caught while ordinary neighbouring words are not
// swallowed.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minLetters keeps short function words ("a", "to", "in") out of matching.
	minLetters = 3
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically overlapping term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term without
// phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher scores spans against a [Vocabulary]. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// term is one prepared vocabulary entry.
type term struct {
	text   string
	folded string
	words  int
	codes  []string
}

// Vocabulary is a prepared, immutable set of terms.
type Vocabulary struct {
	terms    []term
	maxWords int
}

// Prepare computes the phonetic codes for terms once. Blank and duplicate
// (case-insensitive) terms are dropped.
func Prepare(terms []string) *Vocabulary {
	v := &Vocabulary{}
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		t = strings.Join(strings.Fields(t), " ")
		folded := fold(t)
		if folded == "" {
			continue
		}
		if _, dup := seen[folded]; dup {
			continue
		}
		seen[folded] = struct{}{}
		words := len(strings.Fields(t))
		v.terms = append(v.terms, term{text: t, folded: folded, words: words, codes: codes(folded)})
		v.maxWords = max(v.maxWords, words)
	}
	return v
}

// Len returns the number of terms.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.terms)
}

// MaxSpan returns the widest span, in words, that can match any term.
func (v *Vocabulary) MaxSpan() int {
	if v.Len() == 0 {
		return 0
	}
	return v.maxWords + 1
}

// Terms returns the prepared terms in their canonical spelling.
func (v *Vocabulary) Terms() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.terms))
	for i, t := range v.terms {
		out[i] = t.text
	}
	return out
}

// Match returns the vocabulary term most similar to span. When matched is
// false, corrected equals span unchanged and confidence is 0.
func (m *Matcher) Match(span string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	folded := fold(span)
	if v.Len() == 0 || len([]rune(folded)) < minLetters {
		return span, 0, false
	}
	words := len(strings.Fields(span))
	spanCodes := codes(folded)

	var (
		best      string
		bestScore float64
	)
	for _, t := range v.terms {
		phonetic := overlap(spanCodes, t.codes)
		if words != t.words && !(phonetic && words == t.words+1) {
			continue
		}
		score := matchr.JaroWinkler(folded, t.folded, false)
		threshold := m.fuzzyThreshold
		if phonetic {
			threshold = m.phoneticThreshold
		}
		if score >= threshold && score > bestScore {
			best, bestScore = t.text, score
		}
	}
	if best == "" {
		return span, 0, false
	}
	return best, bestScore, true
}

// fold lower-cases s and keeps only letters and digits.
func fold(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func codes(folded string) []string {
	p, s := matchr.DoubleMetaphone(folded)
	var out []string
	if p != "" {
		out = append(out, p)
	}
	if s != "" && s != p {
		out = append(out, s)
	}
	return out
}

func overlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
