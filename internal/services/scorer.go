package services

import (
	"math"
	"sort"

	"dispatch-system/internal/geo"
	"dispatch-system/internal/models"
)

// Scoring weights. They sum to 1 so a perfect driver scores 1.
const (
	WeightDistance = 0.40
	WeightOnTime   = 0.30
	WeightLoad     = 0.20
	WeightTarget   = 0.10
)

// ScoreParams carries the normalisation bounds of one scoring pass.
type ScoreParams struct {
	RadiusKm float64
}

// ScoredDriver is a candidate with its score and distance to the target.
type ScoredDriver struct {
	Driver     *models.Driver
	Score      float64
	DistanceKm float64
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func normInv(x, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return 1 - clamp01(x/max)
}

// Score rates how well d fits a job at target. Ineligible drivers and drivers
// beyond the radius score negative infinity.
func Score(d *models.Driver, target models.Location, params ScoreParams) float64 {
	score, _ := scoreWithDistance(d, target, params)
	return score
}

func scoreWithDistance(d *models.Driver, target models.Location, params ScoreParams) (float64, float64) {
	dist := geo.HaversineKm(d.Location, target)
	if !d.CanAcceptOrder() || dist > params.RadiusKm {
		return math.Inf(-1), dist
	}

	targetScore := 0.0
	if d.DailyTarget > 0 {
		targetScore = clamp01(float64(d.GapFromTarget()) / float64(d.DailyTarget))
	}

	return WeightDistance*normInv(dist, params.RadiusKm) +
		WeightOnTime*clamp01(d.OnTimeRate) +
		WeightLoad*normInv(d.LoadRatio(), 1) +
		WeightTarget*targetScore, dist
}

// RankDrivers scores every driver and returns the eligible ones best first.
// Ties break on distance, then on id, so equal inputs always rank the same.
func RankDrivers(drivers []*models.Driver, target models.Location, params ScoreParams) []ScoredDriver {
	ranked := make([]ScoredDriver, 0, len(drivers))
	for _, d := range drivers {
		score, dist := scoreWithDistance(d, target, params)
		if math.IsInf(score, -1) {
			continue
		}
		ranked = append(ranked, ScoredDriver{Driver: d, Score: score, DistanceKm: dist})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].DistanceKm != ranked[j].DistanceKm {
			return ranked[i].DistanceKm < ranked[j].DistanceKm
		}
		return ranked[i].Driver.ID.String() < ranked[j].Driver.ID.String()
	})
	return ranked
}

// withSpareCapacity keeps candidates that can carry weight on top of their load.
func withSpareCapacity(ranked []ScoredDriver, weight float64) []ScoredDriver {
	out := ranked[:0:0]
	for _, c := range ranked {
		if c.Driver.Capacity-c.Driver.CurrentLoad >= weight {
			out = append(out, c)
		}
	}
	return out
}
