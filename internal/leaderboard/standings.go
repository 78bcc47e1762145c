package leaderboard

import (
	"slices"

	"github.com/victornm/quizroom/internal/domain"
)

// Standings orders players by score, highest first. Players with equal scores keep their roster
// order and share a rank; the next rank skips accordingly (1, 1, 3).
func Standings(players []domain.Player) []domain.Standing {
	sorted := slices.Clone(players)
	slices.SortStableFunc(sorted, func(a, b domain.Player) int {
		return b.Score.Cmp(a.Score)
	})

	res := make([]domain.Standing, 0, len(sorted))
	for i, p := range sorted {
		rank := i + 1
		if i > 0 && p.Score.Equal(sorted[i-1].Score) {
			rank = res[i-1].Rank
		}

		res = append(res, domain.Standing{Rank: rank, Player: p})
	}

	return res
}
