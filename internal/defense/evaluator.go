package defense

import (
	"sort"

	"mtdbench/internal/domain"
)

// RiskEvaluator shuffles every domain that holds a user at or above level. It
// is the built-in evaluator used when periodic evaluation is enabled without
// an external algorithm.
func RiskEvaluator(level domain.RiskLevel, mode domain.ShuffleMode) Evaluator {
	return func(s State) []Decision {
		ids := make([]uint32, 0, len(s.Domains))
		for id := range s.Domains {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		var decisions []Decision
		for _, id := range ids {
			for _, userID := range s.Domains[id].UserIDs {
				if score, ok := s.Scores[userID]; ok && score.RiskLevel >= level {
					d := Shuffle(id, mode)
					d.Reason = "user " + score.RiskLevel.String() + " risk"
					decisions = append(decisions, d)
					break
				}
			}
		}
		return decisions
	}
}
