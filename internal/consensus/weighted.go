package consensus

import (
	"sort"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// score returns the group's weighted vote mass: sum of engine weight
// times result confidence over members.
func (g *group) score(cfg Config) float64 {
	var sum float64
	for _, r := range g.members {
		sum += cfg.weight(r.Engine) * r.Confidence
	}
	return sum
}

// Weighted scores each distinct answer by the sum of engine weight times
// result confidence and picks the highest. The reported confidence is the
// winner's share of the total score, so a higher-confidence agreeing
// engine always raises it.
func Weighted(results []ocr.Result, cfg Config) *Result {
	groups := groupByText(results)

	var totalScore float64
	for _, g := range groups {
		totalScore += g.score(cfg)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		si, sj := groups[i].score(cfg), groups[j].score(cfg)
		if si != sj {
			return si > sj
		}
		if groups[i].avgConfidence() != groups[j].avgConfidence() {
			return groups[i].avgConfidence() > groups[j].avgConfidence()
		}
		return groups[i].firstOrder(cfg) < groups[j].firstOrder(cfg)
	})

	winner := groups[0]

	confidence := 0.0
	if totalScore > 0 {
		confidence = winner.score(cfg) / totalScore
	}

	res := &Result{
		FinalText:      winner.best(cfg).Text,
		Confidence:     confidence,
		Method:         MethodWeighted,
		Results:        results,
		AgreementRatio: float64(winner.size()) / float64(len(results)),
	}
	finalizeReview(res, cfg, false)
	return res
}
