// Package urgency decides when a bin needs collection.
package urgency

import "binspire-simulator/internal/models"

const (
	// DefaultMaxWeight is the bin capacity in kg used to normalize weight
	DefaultMaxWeight = 30.0

	// ScheduleThreshold is the score at which a collection gets scheduled
	ScheduleThreshold = 0.8

	// CollectedResetLevel is the waste level above which a collected bin counts as filling again
	CollectedResetLevel = 20

	wasteWeight  = 0.6
	weightWeight = 0.4
)

// Policy scores readings and evaluates the scheduling and collected-reset triggers.
// The zero value uses DefaultMaxWeight.
type Policy struct {
	MaxWeight float64
}

// Decision is the outcome of evaluating one reading against one bin
type Decision struct {
	Score          float64
	Schedule       bool
	ResetCollected bool
}

func (p Policy) maxWeight() float64 {
	if p.MaxWeight <= 0 {
		return DefaultMaxWeight
	}
	return p.MaxWeight
}

// Score returns 0.6*(waste/100) + 0.4*(weight/maxWeight).
// Inputs are clamped to their ranges so the result is always within [0,1].
func (p Policy) Score(wasteLevel int, weightLevel float64) float64 {
	maxWeight := p.maxWeight()

	waste := float64(clampInt(wasteLevel, 0, 100))
	weight := weightLevel
	if weight < 0 || weight != weight {
		weight = 0
	}
	if weight > maxWeight {
		weight = maxWeight
	}

	return wasteWeight*(waste/100) + weightWeight*(weight/maxWeight)
}

// ShouldSchedule reports whether the bin must be scheduled for collection
func (p Policy) ShouldSchedule(score float64, bin models.Trashbin) bool {
	return score >= ScheduleThreshold && !bin.IsScheduled
}

// ShouldResetCollected reports whether the collected flag must be cleared
func (p Policy) ShouldResetCollected(wasteLevel int, bin models.Trashbin) bool {
	return wasteLevel > CollectedResetLevel && bin.IsCollected
}

// Decide evaluates both triggers independently
func (p Policy) Decide(reading models.Reading, bin models.Trashbin) Decision {
	score := p.Score(reading.WasteLevel, reading.WeightLevel)
	return Decision{
		Score:          score,
		Schedule:       p.ShouldSchedule(score, bin),
		ResetCollected: p.ShouldResetCollected(reading.WasteLevel, bin),
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
