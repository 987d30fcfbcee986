package models

import "time"

// Dimension names a rollup grouping
type Dimension string

const (
	DimensionSportsbook     Dimension = "sportsbook"
	DimensionMarket         Dimension = "market"
	DimensionConfidenceTier Dimension = "confidence_tier"
	DimensionHourOfDay      Dimension = "hour_of_day"
)

// RollupRow aggregates one group. Pointer fields are nil when no row
// in the group has a value for that metric.
type RollupRow struct {
	Key          string   `json:"key"`
	Signals      int      `json:"signals"`
	Settled      int      `json:"settled"`
	Wins         int      `json:"wins"`
	Losses       int      `json:"losses"`
	Pushes       int      `json:"pushes"`
	TotalStake   float64  `json:"total_stake"`
	TotalPayout  float64  `json:"total_payout"`
	ROIPct       *float64 `json:"roi_pct"`
	AvgCLVPct    *float64 `json:"avg_clv_pct"`
	CLVSamples   int      `json:"clv_samples"`
	BeatClosePct *float64 `json:"beat_close_pct"`
	AvgEdgePct   *float64 `json:"avg_edge_pct"`
}

// Distribution summarizes CLV values
type Distribution struct {
	N              int      `json:"n"`
	Mean           *float64 `json:"mean"`
	Median         *float64 `json:"median"`
	P25            *float64 `json:"p25"`
	P75            *float64 `json:"p75"`
	StdDev         *float64 `json:"stddev"`
	Min            *float64 `json:"min"`
	Max            *float64 `json:"max"`
	BeatClosePct   *float64 `json:"beat_close_pct"`
	Interpretation string   `json:"interpretation"`
}

// Correlation is a Pearson coefficient between two named series
type Correlation struct {
	X              string  `json:"x"`
	Y              string  `json:"y"`
	R              float64 `json:"r"`
	SampleSize     int     `json:"sample_size"`
	Strength       string  `json:"strength"`
	Direction      string  `json:"direction,omitempty"`
	Interpretation string  `json:"interpretation"`
}

// PerformanceReport is the full analytics snapshot for one invocation
type PerformanceReport struct {
	GeneratedAt  time.Time                 `json:"generated_at"`
	Overall      RollupRow                 `json:"overall"`
	Rollups      map[Dimension][]RollupRow `json:"rollups"`
	CLV          Distribution              `json:"clv_distribution"`
	Correlations []Correlation             `json:"correlations"`
}
