package consensus

import (
	"sort"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// group collects results whose normalized text is identical.
type group struct {
	key     string
	members []ocr.Result
}

// size returns the member count.
func (g *group) size() int { return len(g.members) }

// avgConfidence returns the mean member confidence.
func (g *group) avgConfidence() float64 {
	if len(g.members) == 0 {
		return 0
	}
	var sum float64
	for _, r := range g.members {
		sum += r.Confidence
	}
	return sum / float64(len(g.members))
}

// best returns the member with the highest individual confidence,
// earlier requested order breaking ties.
func (g *group) best(cfg Config) ocr.Result {
	best := g.members[0]
	for _, r := range g.members[1:] {
		if r.Confidence > best.Confidence {
			best = r
			continue
		}
		if r.Confidence == best.Confidence && cfg.orderIndex(r.Engine) < cfg.orderIndex(best.Engine) {
			best = r
		}
	}
	return best
}

// firstOrder returns the smallest requested-order index among members.
func (g *group) firstOrder(cfg Config) int {
	min := cfg.orderIndex(g.members[0].Engine)
	for _, r := range g.members[1:] {
		if idx := cfg.orderIndex(r.Engine); idx < min {
			min = idx
		}
	}
	return min
}

// groupByText partitions results by normalized text, preserving first-seen
// group order.
func groupByText(results []ocr.Result) []*group {
	index := make(map[string]*group)
	var groups []*group
	for _, r := range results {
		key := normalize(r.Text)
		g, ok := index[key]
		if !ok {
			g = &group{key: key}
			index[key] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, r)
	}
	return groups
}

// Majority picks the answer produced by the most engines. Ties break on
// average group confidence, then on requested engine order. When every
// engine disagrees (and there is more than one), the highest-confidence
// result wins and the question is flagged for review.
func Majority(results []ocr.Result, cfg Config) *Result {
	groups := groupByText(results)

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].size() != groups[j].size() {
			return groups[i].size() > groups[j].size()
		}
		if groups[i].avgConfidence() != groups[j].avgConfidence() {
			return groups[i].avgConfidence() > groups[j].avgConfidence()
		}
		return groups[i].firstOrder(cfg) < groups[j].firstOrder(cfg)
	})

	total := len(results)
	winner := groups[0]
	forced := false

	// All engines disagree: majority is meaningless, fall back to the
	// single most confident result and flag it.
	if len(results) > 1 && winner.size() == 1 {
		all := &group{members: results}
		best := all.best(cfg)
		winner = &group{key: normalize(best.Text), members: []ocr.Result{best}}
		forced = true
	}

	res := &Result{
		FinalText:      winner.best(cfg).Text,
		Confidence:     winner.avgConfidence(),
		Method:         MethodMajority,
		Results:        results,
		AgreementRatio: float64(winner.size()) / float64(total),
	}
	finalizeReview(res, cfg, forced)
	return res
}
