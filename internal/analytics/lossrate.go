package analytics

import (
	"math"
	"time"

	"github.com/odyssey-erp/stockwatch/internal/inventory"
)

// LossRate returns losses as a percentage of arrivals, 0 without arrivals.
// The result is not rounded for display; classify it before rounding.
func LossRate(totals inventory.Totals) float64 {
	arrivals := totals.Arrivals()
	if arrivals == 0 {
		return 0
	}
	return trimNoise(totals.LossTotal() / arrivals * 100)
}

// Classify grades rate against t. The second result reports a severe breach
// of the critical line.
func Classify(rate float64, t Thresholds) (Status, bool) {
	switch {
	case rate <= t.AcceptablePct:
		return StatusAcceptable, false
	case rate <= t.WarningPct:
		return StatusWarning, false
	default:
		return StatusCritical, rate > t.CriticalPct
	}
}

// CompareTrend computes the relative change between windows.
func CompareTrend(current, previous, stablePct float64) Trend {
	trend := Trend{PreviousRate: round2(previous), Direction: TrendStable}
	if previous == 0 {
		return trend
	}
	change := trimNoise((current - previous) / previous * 100)
	trend.ChangePct = round2(change)
	switch {
	case math.Abs(change) < stablePct:
		trend.Direction = TrendStable
	case change < 0:
		trend.Direction = TrendImproving
	default:
		trend.Direction = TrendWorsening
	}
	return trend
}

// WindowFor returns the window of period days ending with the day of asOf.
func WindowFor(period Period, asOf time.Time) Window {
	asOf = asOf.UTC()
	end := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return Window{From: end.AddDate(0, 0, -period.Days()), To: end}
}

// Previous returns the immediately preceding window of equal length.
func (w Window) Previous() Window {
	length := w.To.Sub(w.From)
	return Window{From: w.From.Add(-length), To: w.From}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// trimNoise drops binary floating point residue so that 15/300 compares equal
// to 5 without hiding real fractions of a basis point.
func trimNoise(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
