package scoring

import (
	"math"
	"strings"
	"unicode"

	"github.com/okian/textrewards/internal/domain/model"
)

// Flesch reading ease coefficients.
const (
	fleschBase      = 206.835
	fleschSentence  = 1.015
	fleschSyllable  = 84.6
	readabilityCeil = 100
)

// Readability computes the Flesch reading ease of text and its distance from
// target, normalized to [0,1].
func Readability(text string, target float64) model.ReadabilityScore {
	words := splitWords(text)
	out := model.ReadabilityScore{Words: len(words)}
	if len(words) == 0 {
		return out
	}
	out.Sentences = countSentences(text)
	for _, w := range words {
		out.Syllables += countSyllables(w)
	}

	raw := fleschBase -
		fleschSentence*(float64(out.Words)/float64(out.Sentences)) -
		fleschSyllable*(float64(out.Syllables)/float64(out.Words))
	out.FleschKincaid = clamp(raw, 0, readabilityCeil)

	switch {
	case raw > readabilityCeil:
		out.Score = 1
	case raw <= 0:
		out.Score = 0
	default:
		out.Score = clamp(1-math.Abs(raw-target)/readabilityCeil, 0, 1)
	}
	return out
}

// WordScore is the diminishing-returns curve n^exponent * e^(-n/100) * value.
func WordScore(count int, exponent, value float64) float64 {
	if count <= 0 || value <= 0 {
		return 0
	}
	n := float64(count)
	return math.Pow(n, exponent) * math.Exp(-n/100) * value
}

// splitWords returns tokens holding at least one letter or digit.
func splitWords(text string) []string {
	fields := strings.Fields(text)
	out := fields[:0]
	for _, f := range fields {
		if strings.IndexFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0 {
			out = append(out, f)
		}
	}
	return out
}

func countSentences(text string) int {
	n := 0
	inTerminator := false
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			if !inTerminator {
				n++
			}
			inTerminator = true
		default:
			if !unicode.IsSpace(r) {
				inTerminator = false
			}
		}
	}
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	if trimmed != "" && !strings.ContainsAny(trimmed[len(trimmed)-1:], ".!?") {
		n++
	}
	if n == 0 {
		n = 1
	}
	return n
}

// countSyllables approximates English syllables by vowel groups.
func countSyllables(word string) int {
	letters := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, word)
	if letters == "" {
		return 1
	}
	groups := 0
	prevVowel := false
	for _, r := range letters {
		v := strings.ContainsRune("aeiouy", r)
		if v && !prevVowel {
			groups++
		}
		prevVowel = v
	}
	if groups > 1 && strings.HasSuffix(letters, "e") && !strings.HasSuffix(letters, "le") {
		groups--
	}
	if groups == 0 {
		groups = 1
	}
	return groups
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
