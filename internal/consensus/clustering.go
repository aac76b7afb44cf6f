package consensus

import (
	"sort"

	"github.com/agnivade/levenshtein"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// editRatio returns the levenshtein distance between two normalized
// strings divided by the longer length. Two empty strings are identical.
func editRatio(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longer := la
	if lb > longer {
		longer = lb
	}
	if longer == 0 {
		return 0
	}
	return float64(levenshtein.ComputeDistance(a, b)) / float64(longer)
}

// Clustering groups near-identical answers by edit-distance ratio, so
// single-character OCR slips ("42" vs "4Z") still pool their votes. The
// heaviest cluster by weighted score wins; its most confident member's
// text is the answer.
func Clustering(results []ocr.Result, cfg Config) *Result {
	// Stable assignment: walk results in requested order, joining the
	// first cluster within threshold of any member.
	ordered := make([]ocr.Result, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		return cfg.orderIndex(ordered[i].Engine) < cfg.orderIndex(ordered[j].Engine)
	})

	var clusters []*group
	for _, r := range ordered {
		key := normalize(r.Text)
		joined := false
		for _, c := range clusters {
			for _, m := range c.members {
				if editRatio(key, normalize(m.Text)) <= cfg.ClusterThreshold {
					c.members = append(c.members, r)
					joined = true
					break
				}
			}
			if joined {
				break
			}
		}
		if !joined {
			clusters = append(clusters, &group{key: key, members: []ocr.Result{r}})
		}
	}

	var totalScore float64
	for _, c := range clusters {
		totalScore += c.score(cfg)
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		si, sj := clusters[i].score(cfg), clusters[j].score(cfg)
		if si != sj {
			return si > sj
		}
		if clusters[i].avgConfidence() != clusters[j].avgConfidence() {
			return clusters[i].avgConfidence() > clusters[j].avgConfidence()
		}
		return clusters[i].firstOrder(cfg) < clusters[j].firstOrder(cfg)
	})

	winner := clusters[0]

	ratio := 0.0
	if totalScore > 0 {
		ratio = winner.score(cfg) / totalScore
	}

	res := &Result{
		FinalText:      winner.best(cfg).Text,
		Confidence:     winner.avgConfidence(),
		Method:         MethodClustering,
		Results:        results,
		AgreementRatio: ratio,
	}
	finalizeReview(res, cfg, false)
	return res
}
