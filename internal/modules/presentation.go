package modules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/pkg/logger"
)

// MaxCommentLength is the largest body the code host accepts.
const MaxCommentLength = 65536

const truncatedNote = "\n\n> Summary truncated.\n"

// Presentation renders the ledger into a summary comment and posts it.
type Presentation struct {
	base
	sink   CommentSink
	runID  string
	symbol string
	limit  int
}

// NewPresentation creates the presentation module. It is disabled without
// a sink.
func NewPresentation(sink CommentSink, runID, symbol string, opts ...Option) *Presentation {
	m := &Presentation{
		base:   newBase(NamePresentation, opts),
		sink:   sink,
		runID:  runID,
		symbol: symbol,
		limit:  MaxCommentLength,
	}
	if sink == nil {
		m.enabled = false
	}
	return m
}

// Transform implements pipeline.Module.
func (m *Presentation) Transform(ctx context.Context, activity *model.Activity, ledger model.Ledger) (model.Ledger, error) {
	body, err := RenderSummary(ledger, m.runID, m.symbol, m.limit)
	if err != nil {
		return nil, err
	}
	if err := m.sink.Post(ctx, activity.Ref, body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPost, err)
	}
	m.log.Info(ctx, "summary posted",
		logger.String("issue", activity.Ref.String()),
		logger.Int("length", len(body)))
	return ledger, nil
}

// RenderSummary renders ledger as markdown followed by the run metadata.
// When the result exceeds limit, per-comment tables are dropped first and
// the remaining text is cut after that. The metadata is always kept.
func RenderSummary(ledger model.Ledger, runID, symbol string, limit int) (string, error) {
	meta := model.RunMetadata{RunID: runID, PayoutModes: make(map[string]model.PayoutMode)}
	for login, r := range ledger {
		if r.PayoutMode != model.PayoutNone {
			meta.PayoutModes[login] = r.PayoutMode
		}
	}
	trailer, err := meta.Encode()
	if err != nil {
		return "", err
	}
	trailer = "\n" + trailer

	body := renderLedger(ledger, symbol, true)
	if len(body)+len(trailer) <= limit {
		return body + trailer, nil
	}
	body = renderLedger(ledger, symbol, false)
	if len(body)+len(trailer) <= limit {
		return body + trailer, nil
	}
	room := limit - len(trailer) - len(truncatedNote)
	if room < 0 {
		room = 0
	}
	return cutUTF8(body, room) + truncatedNote + trailer, nil
}

func renderLedger(ledger model.Ledger, symbol string, details bool) string {
	logins := ledger.Logins()
	sort.SliceStable(logins, func(i, j int) bool {
		return ledger[logins[i]].Total.GreaterThan(ledger[logins[j]].Total)
	})

	var b strings.Builder
	for _, login := range logins {
		r := ledger[login]
		renderHeader(&b, login, r, symbol)
		renderContributions(&b, r)
		if details && len(r.Comments) > 0 {
			renderComments(&b, r)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderHeader(b *strings.Builder, login string, r *model.UserReward, symbol string) {
	amount := money.Display(r.Total)
	if symbol != "" && !r.XP {
		amount += " " + symbol
	}
	if r.XP {
		amount += " XP"
	}
	switch {
	case r.PermitURL != "":
		fmt.Fprintf(b, "### @%s: [%s](%s)\n\n", login, amount, r.PermitURL)
	case r.ExplorerURL != "":
		fmt.Fprintf(b, "### @%s: [%s](%s)\n\n", login, amount, r.ExplorerURL)
	default:
		fmt.Fprintf(b, "### @%s: %s\n\n", login, amount)
	}
}

func renderContributions(b *strings.Builder, r *model.UserReward) {
	b.WriteString("| Contribution | Count | Reward |\n|---|---|---|\n")
	if r.Task != nil {
		fmt.Fprintf(b, "| Task | %.2f | %s |\n", r.Task.Multiplier, money.Display(r.Task.Reward))
	}
	counts := make(map[string]int)
	sums := make(map[string]money.Amount)
	for _, c := range r.Comments {
		key := c.Type.String()
		counts[key]++
		sums[key] = sums[key].Add(c.Score.Reward)
	}
	for _, key := range sortedKeys(counts) {
		fmt.Fprintf(b, "| %s | %d | %s |\n", key, counts[key], money.Display(sums[key]))
	}
	for _, g := range r.ReviewRewards {
		total := g.ReviewBaseReward
		for _, rv := range g.Reviews {
			total = total.Add(rv.Reward)
		}
		fmt.Fprintf(b, "| [Review](%s) | %d | %s |\n", g.URL, len(g.Reviews), money.Display(total))
	}
	if s := r.Simplification; s != nil {
		fmt.Fprintf(b, "| Simplification | %d | %s |\n", s.Deletions, money.Display(s.Reward))
	}
	for _, key := range sortedKeys(r.Events) {
		ev := r.Events[key]
		fmt.Fprintf(b, "| Event %s | %d | %s |\n", key, ev.Count, money.Display(ev.Reward))
	}
	if r.CollectedFees != nil {
		fmt.Fprintf(b, "| Fees | - | %s |\n", money.Display(*r.CollectedFees))
	}
	if r.FeeRate != nil {
		fmt.Fprintf(b, "\nA %s%% fee was deducted.\n", r.FeeRate.String())
	}
}

func renderComments(b *strings.Builder, r *model.UserReward) {
	b.WriteString("\n<details><summary>Conversation Incentives</summary>\n\n")
	b.WriteString("| Comment | Formatting | Words | Relevance | Priority | Reward |\n|---|---|---|---|---|---|\n")
	for _, c := range r.Comments {
		formatting, words := 0.0, 0
		if c.Score.Formatting != nil {
			formatting = c.Score.Formatting.Result
		}
		if c.Score.Words != nil {
			words = c.Score.Words.WordCount
		}
		fmt.Fprintf(b, "| [%s](%s) | %.2f | %d | %.2f | %.2f | %s |\n",
			excerpt(c.Content), c.URL, formatting, words,
			c.Score.Relevance, c.Score.Priority, money.Display(c.Score.Reward))
	}
	b.WriteString("\n</details>\n")
}

const excerptLength = 48

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.NewReplacer("|", "\\|", "[", "(", "]", ")").Replace(s)
	if utf8.RuneCountInString(s) <= excerptLength {
		return s
	}
	return string([]rune(s)[:excerptLength]) + "…"
}

func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
