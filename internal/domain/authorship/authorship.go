// Package authorship attributes the characters of a document's final text to
// the editors who wrote them across its revision history.
package authorship

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// fractionPlaces is the precision of reported fractions.
const fractionPlaces = 3

// Revision is one full version of the document and who produced it.
type Revision struct {
	Editor string
	Text   string
}

// Attribution is the number of final characters owned by each editor.
type Attribution struct {
	Counts map[string]int
	Total  int
}

// Attribute walks revisions earliest first. Unchanged runs keep their owner,
// inserted runs belong to the revision's editor and deleted runs are dropped.
func Attribute(revisions []Revision) Attribution {
	if len(revisions) == 0 {
		return Attribution{Counts: map[string]int{}}
	}

	dmp := diffmatchpatch.New()
	prev := StripHiddenComments(revisions[0].Text)
	owners := make([]string, utf8.RuneCountInString(prev))
	for i := range owners {
		owners[i] = revisions[0].Editor
	}

	for _, rev := range revisions[1:] {
		cur := StripHiddenComments(rev.Text)
		diffs := dmp.DiffMain(prev, cur, false)
		next := make([]string, 0, utf8.RuneCountInString(cur))
		cursor := 0
		for _, d := range diffs {
			n := utf8.RuneCountInString(d.Text)
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				next = append(next, owners[cursor:cursor+n]...)
				cursor += n
			case diffmatchpatch.DiffDelete:
				cursor += n
			case diffmatchpatch.DiffInsert:
				for i := 0; i < n; i++ {
					next = append(next, rev.Editor)
				}
			}
		}
		owners = next
		prev = cur
	}

	counts := make(map[string]int)
	for _, editor := range owners {
		counts[editor]++
	}
	return Attribution{Counts: counts, Total: len(owners)}
}

// Fractions returns each editor's exact share of the final text.
func (a Attribution) Fractions() map[string]float64 {
	out := make(map[string]float64, len(a.Counts))
	if a.Total == 0 {
		return out
	}
	for editor, n := range a.Counts {
		out[editor] = float64(n) / float64(a.Total)
	}
	return out
}

// Rounded returns Fractions rounded to three decimals.
func (a Attribution) Rounded() map[string]float64 {
	out := a.Fractions()
	scale := math.Pow(10, fractionPlaces)
	for editor, f := range out {
		out[editor] = math.Round(f*scale) / scale
	}
	return out
}

// Fraction returns the rounded share for editor. With no history there is
// nothing to split, so the editor keeps full credit.
func Fraction(revisions []Revision, editor string) float64 {
	if len(revisions) == 0 {
		return 1
	}
	return Attribute(revisions).Rounded()[editor]
}

var (
	fenceLine = regexp.MustCompile("^ {0,3}(```|~~~)")
	// Inline code spans are matched first so comments inside them survive.
	hiddenComment = regexp.MustCompile("(`[^`\n]*`)|(<!--[\\s\\S]*?-->)")
)

// StripHiddenComments removes HTML comments that are not inside fenced code
// blocks or inline code spans.
func StripHiddenComments(text string) string {
	lines := strings.SplitAfter(text, "\n")
	var out, prose strings.Builder
	inFence := false
	flush := func() {
		out.WriteString(stripProse(prose.String()))
		prose.Reset()
	}
	for _, line := range lines {
		if fenceLine.MatchString(line) {
			if !inFence {
				flush()
			}
			inFence = !inFence
			out.WriteString(line)
			continue
		}
		if inFence {
			out.WriteString(line)
			continue
		}
		prose.WriteString(line)
	}
	flush()
	return out.String()
}

func stripProse(s string) string {
	return hiddenComment.ReplaceAllStringFunc(s, func(m string) string {
		if strings.HasPrefix(m, "`") {
			return m
		}
		return ""
	})
}
