package scoring

import "github.com/okian/textrewards/internal/domain/model"

// TagRule prices one HTML element. Text inside an element whose CountWords
// is false is left out of the word and readability signals.
type TagRule struct {
	Score      float64 `koanf:"score" json:"score"`
	CountWords bool    `koanf:"count_words" json:"countWords"`
}

// RoleRules holds the tag table and multipliers for one comment type.
type RoleRules struct {
	Tags       map[string]TagRule `koanf:"tags"`
	WordValue  float64            `koanf:"word_value"`
	Multiplier float64            `koanf:"multiplier"`
}

// structural elements produced by the HTML parser around any fragment.
var structural = map[string]struct{}{
	"html": {},
	"head": {},
	"body": {},
}

// DefaultTags is the tag table used when a comment type has none configured.
func DefaultTags() map[string]TagRule {
	return map[string]TagRule{
		"a":          {Score: 1, CountWords: true},
		"blockquote": {Score: 0, CountWords: false},
		"br":         {Score: 0, CountWords: true},
		"code":       {Score: 1, CountWords: false},
		"del":        {Score: 0, CountWords: true},
		"em":         {Score: 0, CountWords: true},
		"h1":         {Score: 1, CountWords: true},
		"h2":         {Score: 1, CountWords: true},
		"h3":         {Score: 1, CountWords: true},
		"h4":         {Score: 1, CountWords: true},
		"h5":         {Score: 1, CountWords: true},
		"h6":         {Score: 1, CountWords: true},
		"hr":         {Score: 0, CountWords: true},
		"img":        {Score: 5, CountWords: true},
		"input":      {Score: 0, CountWords: true},
		"li":         {Score: 0.5, CountWords: true},
		"ol":         {Score: 1, CountWords: true},
		"p":          {Score: 0, CountWords: true},
		"pre":        {Score: 0, CountWords: false},
		"strong":     {Score: 0, CountWords: true},
		"table":      {Score: 1, CountWords: true},
		"tbody":      {Score: 0, CountWords: true},
		"td":         {Score: 0, CountWords: true},
		"th":         {Score: 0, CountWords: true},
		"thead":      {Score: 0, CountWords: true},
		"tr":         {Score: 0, CountWords: true},
		"ul":         {Score: 1, CountWords: true},
	}
}

// DefaultRules returns the built-in rules for every comment type.
func DefaultRules() map[model.CommentType]RoleRules {
	rule := func(wordValue, multiplier float64) RoleRules {
		return RoleRules{Tags: DefaultTags(), WordValue: wordValue, Multiplier: multiplier}
	}
	return map[model.CommentType]RoleRules{
		model.IssueSpecification: rule(0.1, 1),
		model.IssueAssignee:      rule(0, 1),
		model.IssueCollaborator:  rule(0.1, 1),
		model.IssueContributor:   rule(0.1, 0.25),
		model.PullAssignee:       rule(0.1, 0),
		model.PullCollaborator:   rule(0.1, 1),
		model.PullContributor:    rule(0.1, 0.25),
	}
}
