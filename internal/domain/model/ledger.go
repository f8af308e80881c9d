package model

import (
	"sort"

	"github.com/okian/textrewards/internal/domain/money"
)

// PayoutMode records how a reward was settled.
type PayoutMode string

// Payout modes.
const (
	PayoutNone     PayoutMode = ""
	PayoutTransfer PayoutMode = "transfer"
	PayoutPermit   PayoutMode = "permit"
)

// Ledger maps a login to the reward accumulated during one run.
type Ledger map[string]*UserReward

// UserReward is everything one participant earned in a run.
type UserReward struct {
	UserID         int64                 `json:"userId"`
	Role           CommentRole           `json:"-"`
	Total          money.Amount          `json:"total"`
	Task           *TaskReward           `json:"task,omitempty"`
	Comments       []ScoredComment       `json:"comments,omitempty"`
	ReviewRewards  []ReviewRewardGroup   `json:"reviewRewards,omitempty"`
	Simplification *SimplificationReward `json:"simplificationReward,omitempty"`
	Events         map[string]EventCount `json:"events,omitempty"`
	CollectedFees  *money.Amount         `json:"collectedFees,omitempty"`
	FeeRate        *money.Amount         `json:"feeRate,omitempty"`
	WalletAddress  string                `json:"walletAddress,omitempty"`
	PayoutMode     PayoutMode            `json:"payoutMode,omitempty"`
	PermitURL      string                `json:"permitUrl,omitempty"`
	ExplorerURL    string                `json:"explorerUrl,omitempty"`
	XP             bool                  `json:"xp,omitempty"`
}

// TaskReward is the assignee share of the price label.
type TaskReward struct {
	Reward     money.Amount `json:"reward"`
	Multiplier float64      `json:"multiplier"`
}

// ScoredComment is a comment together with every signal that priced it.
type ScoredComment struct {
	ID      int64        `json:"id"`
	Content string       `json:"content"`
	URL     string       `json:"url"`
	Type    CommentType  `json:"commentType"`
	Score   CommentScore `json:"score"`
}

// CommentScore holds the intermediate signals and the terminal Reward.
type CommentScore struct {
	Formatting  *FormattingScore  `json:"formatting,omitempty"`
	Words       *WordScore        `json:"words,omitempty"`
	Readability *ReadabilityScore `json:"readability,omitempty"`
	Relevance   float64           `json:"relevance"`
	Multiplier  float64           `json:"multiplier"`
	Priority    float64           `json:"priority"`
	Authorship  float64           `json:"authorship"`
	Reward      money.Amount      `json:"reward"`
}

// TagScore is the tally for one HTML tag in a comment.
type TagScore struct {
	Score        float64 `json:"score"`
	ElementCount int     `json:"elementCount"`
}

// FormattingScore is the per-tag breakdown and its sum.
type FormattingScore struct {
	Content map[string]TagScore `json:"content"`
	Result  float64             `json:"result"`
}

// WordScore is the diminishing-returns word count signal.
type WordScore struct {
	WordCount int     `json:"wordCount"`
	WordValue float64 `json:"wordValue"`
	Result    float64 `json:"result"`
}

// ReadabilityScore is the normalized Flesch reading ease signal.
type ReadabilityScore struct {
	FleschKincaid float64 `json:"fleschKincaid"`
	Sentences     int     `json:"sentences"`
	Words         int     `json:"words"`
	Syllables     int     `json:"syllables"`
	Score         float64 `json:"score"`
}

// ReviewEffect is the line-level size of reviewed changes.
type ReviewEffect struct {
	Addition int `json:"addition"`
	Deletion int `json:"deletion"`
}

// ReviewScore prices one review.
type ReviewScore struct {
	ReviewID int64        `json:"reviewId"`
	Effect   ReviewEffect `json:"effect"`
	Priority float64      `json:"priority"`
	Reward   money.Amount `json:"reward"`
}

// ReviewRewardGroup is every review by one reviewer on one pull request.
type ReviewRewardGroup struct {
	URL              string        `json:"url"`
	ReviewBaseReward money.Amount  `json:"reviewBaseReward"`
	Reviews          []ReviewScore `json:"reviews"`
}

// SimplificationReward pays pull request authors for removed code.
type SimplificationReward struct {
	URLs      []string     `json:"urls"`
	Deletions int          `json:"deletions"`
	Reward    money.Amount `json:"reward"`
}

// EventCount is how often a participant triggered one event type.
type EventCount struct {
	Count  int          `json:"count"`
	Reward money.Amount `json:"reward"`
}

// Ensure returns the entry for login, creating it when missing.
func (l Ledger) Ensure(login string, userID int64, role CommentRole) *UserReward {
	if r, ok := l[login]; ok {
		if r.UserID == 0 {
			r.UserID = userID
		}
		return r
	}
	r := &UserReward{UserID: userID, Role: role, Total: money.Zero}
	l[login] = r
	return r
}

// Logins returns the ledger keys in a stable order.
func (l Ledger) Logins() []string {
	out := make([]string, 0, len(l))
	for login := range l {
		out = append(out, login)
	}
	sort.Strings(out)
	return out
}

// Recompute refreshes Total for every entry.
func (l Ledger) Recompute() {
	for _, r := range l {
		r.Recompute()
	}
}

// Sum returns the sum of every Total.
func (l Ledger) Sum() money.Amount {
	total := money.Zero
	for _, r := range l {
		total = total.Add(r.Total)
	}
	return total
}

// Recompute sets Total to the sum of every constituent reward.
func (r *UserReward) Recompute() {
	r.Total = r.ComponentSum()
}

// ComponentSum adds up the constituent rewards without touching Total.
func (r *UserReward) ComponentSum() money.Amount {
	total := money.Zero
	if r.Task != nil {
		total = total.Add(r.Task.Reward)
	}
	for _, c := range r.Comments {
		total = total.Add(c.Score.Reward)
	}
	for _, g := range r.ReviewRewards {
		total = total.Add(g.ReviewBaseReward)
		for _, rv := range g.Reviews {
			total = total.Add(rv.Reward)
		}
	}
	if r.Simplification != nil {
		total = total.Add(r.Simplification.Reward)
	}
	for _, e := range r.Events {
		total = total.Add(e.Reward)
	}
	if r.CollectedFees != nil {
		total = total.Add(*r.CollectedFees)
	}
	return total
}
