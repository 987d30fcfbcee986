package performance

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/oddsmath"
)

// Series names a per-signal metric that can be correlated
type Series string

const (
	SeriesEdgePct           Series = "edge_pct"
	SeriesCLVPct            Series = "clv_pct"
	SeriesROIPct            Series = "roi_pct"
	SeriesModelProbability  Series = "model_probability"
	SeriesMarketProbability Series = "market_probability"
)

const noCorrelation = "no significant correlation"

// StandardPairs are correlated on every report
var StandardPairs = [][2]Series{
	{SeriesEdgePct, SeriesCLVPct},
	{SeriesEdgePct, SeriesROIPct},
	{SeriesCLVPct, SeriesROIPct},
}

// ParseSeries validates a series name
func ParseSeries(name string) (Series, error) {
	switch s := Series(name); s {
	case SeriesEdgePct, SeriesCLVPct, SeriesROIPct, SeriesModelProbability, SeriesMarketProbability:
		return s, nil
	default:
		return "", contracts.NewValidationError("series", name, "unknown metric series")
	}
}

// value extracts a series from one row; false means null
func value(row models.SignalOutcome, s Series) (float64, bool) {
	switch s {
	case SeriesEdgePct:
		return row.Signal.EdgePct, true
	case SeriesCLVPct:
		if row.Signal.CLVPct == nil {
			return 0, false
		}
		return *row.Signal.CLVPct, true
	case SeriesROIPct:
		if row.Settled == nil {
			return 0, false
		}
		return row.Settled.ROIPct, true
	case SeriesModelProbability:
		return row.Signal.ModelProbability, true
	case SeriesMarketProbability:
		return row.Signal.MarketProbability, true
	}
	return 0, false
}

// Rollup groups rows by dimension. Hour of day is taken from generated_at in loc.
func Rollup(rows []models.SignalOutcome, dim models.Dimension, loc *time.Location) ([]models.RollupRow, error) {
	if loc == nil {
		loc = time.UTC
	}

	groups := make(map[string][]models.SignalOutcome)
	for _, row := range rows {
		var key string
		switch dim {
		case models.DimensionSportsbook:
			key = row.Signal.Sportsbook
		case models.DimensionMarket:
			key = row.Signal.Market
		case models.DimensionConfidenceTier:
			key = string(row.Signal.ConfidenceTier)
		case models.DimensionHourOfDay:
			key = fmt.Sprintf("%02d", row.Signal.GeneratedAt.In(loc).Hour())
		default:
			return nil, contracts.NewValidationError("dimension", string(dim), "unknown rollup dimension")
		}
		groups[key] = append(groups[key], row)
	}

	out := make([]models.RollupRow, 0, len(groups))
	for key, group := range groups {
		out = append(out, Summarize(key, group))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Summarize aggregates one group. Every metric skips rows where it is null.
func Summarize(key string, rows []models.SignalOutcome) models.RollupRow {
	r := models.RollupRow{Key: key, Signals: len(rows)}

	var clvSum, edgeSum float64
	var beats, beatSamples int

	for _, row := range rows {
		edgeSum += row.Signal.EdgePct

		if row.Signal.CLVPct != nil {
			clvSum += *row.Signal.CLVPct
			r.CLVSamples++
		}
		if row.Signal.BeatClose != nil {
			beatSamples++
			if *row.Signal.BeatClose {
				beats++
			}
		}

		if row.Settled == nil {
			continue
		}
		r.Settled++
		r.TotalStake += row.Settled.Stake
		r.TotalPayout += row.Settled.Payout
		switch row.Settled.Result {
		case models.ResultWin:
			r.Wins++
		case models.ResultLoss:
			r.Losses++
		case models.ResultPush:
			r.Pushes++
		}
	}

	r.TotalStake = oddsmath.RoundTo(r.TotalStake, 2)
	r.TotalPayout = oddsmath.RoundTo(r.TotalPayout, 2)

	if r.TotalStake > 0 {
		r.ROIPct = ptr(oddsmath.RoundTo((r.TotalPayout-r.TotalStake)/r.TotalStake*100, 4))
	}
	if r.CLVSamples > 0 {
		r.AvgCLVPct = ptr(oddsmath.RoundTo(clvSum/float64(r.CLVSamples), 4))
	}
	if beatSamples > 0 {
		r.BeatClosePct = ptr(oddsmath.RoundTo(float64(beats)/float64(beatSamples)*100, 2))
	}
	if r.Signals > 0 {
		r.AvgEdgePct = ptr(oddsmath.RoundTo(edgeSum/float64(r.Signals), 4))
	}

	return r
}

// CLVDistribution summarizes non-null CLV values
func CLVDistribution(rows []models.SignalOutcome) models.Distribution {
	var values []float64
	var beats int
	for _, row := range rows {
		if row.Signal.CLVPct == nil {
			continue
		}
		values = append(values, *row.Signal.CLVPct)
		if *row.Signal.CLVPct > 0 {
			beats++
		}
	}

	d := models.Distribution{N: len(values)}
	if d.N == 0 {
		d.Interpretation = "insufficient data"
		return d
	}

	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(d.N)

	d.Mean = ptr(oddsmath.RoundTo(mean, 4))
	d.Median = ptr(oddsmath.RoundTo(Percentile(values, 0.5), 4))
	d.P25 = ptr(oddsmath.RoundTo(Percentile(values, 0.25), 4))
	d.P75 = ptr(oddsmath.RoundTo(Percentile(values, 0.75), 4))
	d.Min = ptr(values[0])
	d.Max = ptr(values[d.N-1])
	d.BeatClosePct = ptr(oddsmath.RoundTo(float64(beats)/float64(d.N)*100, 2))

	if d.N > 1 {
		var ss float64
		for _, v := range values {
			ss += (v - mean) * (v - mean)
		}
		d.StdDev = ptr(oddsmath.RoundTo(math.Sqrt(ss/float64(d.N-1)), 4))
	}

	d.Interpretation = interpretCLV(mean)
	return d
}

func interpretCLV(mean float64) string {
	switch {
	case mean > 2.0:
		return "excellent"
	case mean > 0.5:
		return "good"
	case mean > -0.5:
		return "neutral"
	default:
		return "poor"
	}
}

// Percentile interpolates linearly between closest ranks (PERCENTILE_CONT).
// sorted must be ascending and non-empty.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}

// Correlate computes Pearson r over rows where both series are non-null
func Correlate(rows []models.SignalOutcome, x, y Series) models.Correlation {
	c := models.Correlation{X: string(x), Y: string(y)}

	var xs, ys []float64
	for _, row := range rows {
		xv, ok := value(row, x)
		if !ok {
			continue
		}
		yv, ok := value(row, y)
		if !ok {
			continue
		}
		xs = append(xs, xv)
		ys = append(ys, yv)
	}

	n := len(xs)
	if n < 2 {
		c.Strength = noCorrelation
		c.Interpretation = noCorrelation
		return c
	}
	c.SampleSize = n

	var xMean, yMean float64
	for i := range xs {
		xMean += xs[i]
		yMean += ys[i]
	}
	xMean /= float64(n)
	yMean /= float64(n)

	var cov, xVar, yVar float64
	for i := range xs {
		dx, dy := xs[i]-xMean, ys[i]-yMean
		cov += dx * dy
		xVar += dx * dx
		yVar += dy * dy
	}

	if xVar == 0 || yVar == 0 {
		c.Strength = noCorrelation
		c.Interpretation = noCorrelation
		return c
	}

	c.R = oddsmath.RoundTo(cov/math.Sqrt(xVar*yVar), 4)
	c.Strength = strength(c.R)
	if c.Strength == noCorrelation {
		c.Interpretation = noCorrelation
		return c
	}

	c.Direction = "positive"
	if c.R < 0 {
		c.Direction = "negative"
	}
	c.Interpretation = fmt.Sprintf("%s %s correlation between %s and %s", c.Strength, c.Direction, x, y)
	return c
}

func strength(r float64) string {
	abs := math.Abs(r)
	switch {
	case abs > 0.7:
		return "strong"
	case abs > 0.4:
		return "moderate"
	case abs > 0.2:
		return "weak"
	default:
		return noCorrelation
	}
}

// Build computes the full report from one snapshot
func Build(rows []models.SignalOutcome, generatedAt time.Time, loc *time.Location) models.PerformanceReport {
	report := models.PerformanceReport{
		GeneratedAt: generatedAt,
		Overall:     Summarize("overall", rows),
		Rollups:     make(map[models.Dimension][]models.RollupRow),
		CLV:         CLVDistribution(rows),
	}

	for _, dim := range []models.Dimension{
		models.DimensionSportsbook,
		models.DimensionMarket,
		models.DimensionConfidenceTier,
		models.DimensionHourOfDay,
	} {
		// dimensions are fixed above, so Rollup cannot fail here
		groups, _ := Rollup(rows, dim, loc)
		report.Rollups[dim] = groups
	}

	for _, pair := range StandardPairs {
		report.Correlations = append(report.Correlations, Correlate(rows, pair[0], pair[1]))
	}

	return report
}

func ptr(f float64) *float64 { return &f }
