// Package transcript post-processes recognised text before it is summarised.
//
// The [Corrector] replaces misrecognised spellings of configured vocabulary
// (product names, people, jargon) with their canonical form. Recognition
// engines routinely mangle proper nouns; fixing them before summarisation
// keeps the summary from inheriting the error.
package transcript

import (
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/MrWong99/sayless/internal/transcript/phonetic"
)

// Correction records one replaced span.
type Correction struct {
	// Original is the span as recognised, without surrounding punctuation.
	Original string
	// Corrected is the canonical vocabulary term.
	Corrected string
	// Confidence is the matcher's similarity score in [0, 1].
	Confidence float64
}

// Corrector applies vocabulary correction to transcripts. The vocabulary can
// be swapped at runtime with [Corrector.SetVocabulary]; Correct is safe for
// concurrent use.
type Corrector struct {
	matcher *phonetic.Matcher
	vocab   atomic.Pointer[phonetic.Vocabulary]
}

// NewCorrector returns a Corrector for terms.
func NewCorrector(terms []string, opts ...phonetic.Option) *Corrector {
	c := &Corrector{matcher: phonetic.New(opts...)}
	c.SetVocabulary(terms)
	return c
}

// SetVocabulary replaces the vocabulary.
func (c *Corrector) SetVocabulary(terms []string) {
	c.vocab.Store(phonetic.Prepare(terms))
}

// Vocabulary returns the current terms.
func (c *Corrector) Vocabulary() []string {
	return c.vocab.Load().Terms()
}

// Correct returns text with vocabulary misspellings replaced. At every word
// position the widest span that can fit a term is tried first; the
// best-scoring match wins and consumes its words. Text without any
// correction is returned byte-for-byte unchanged.
func (c *Corrector) Correct(text string) (string, []Correction) {
	vocab := c.vocab.Load()
	maxSpan := vocab.MaxSpan()
	if maxSpan == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		out         = make([]string, 0, len(tokens))
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		var (
			bestTerm  string
			bestScore float64
			bestN     int
		)
		for n := min(maxSpan, len(tokens)-i); n >= 1; n-- {
			span := strings.Join(tokens[i:i+n], " ")
			term, score, ok := c.matcher.Match(span, vocab)
			if ok && score > bestScore {
				bestTerm, bestScore, bestN = term, score, n
			}
		}
		if bestN == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}

		lead, _ := splitPunct(tokens[i])
		_, trail := splitPunct(tokens[i+bestN-1])
		original := strings.Join(tokens[i:i+bestN], " ")
		original = strings.TrimRightFunc(strings.TrimLeftFunc(original, isPunct), isPunct)
		if original != bestTerm {
			corrections = append(corrections, Correction{
				Original:   original,
				Corrected:  bestTerm,
				Confidence: bestScore,
			})
		}
		out = append(out, lead+bestTerm+trail)
		i += bestN
	}

	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// splitPunct returns the leading and trailing punctuation of a token.
func splitPunct(tok string) (lead, trail string) {
	core := strings.TrimLeftFunc(tok, isPunct)
	lead = tok[:len(tok)-len(core)]
	trimmed := strings.TrimRightFunc(core, isPunct)
	trail = core[len(trimmed):]
	return lead, trail
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}
