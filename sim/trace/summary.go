package trace

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	TotalDecisions  int
	ModeCounts      map[string]int // routing mode → count
	FallbackReasons map[string]int // reason → count, fallbacks only
	ArcDistribution map[string]int // arc id → count of trays sent along it
	UniqueArcs      int
	MeanWallMillis  float64 // controller round trips only
	MaxWallMillis   float64
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		ModeCounts:      make(map[string]int),
		FallbackReasons: make(map[string]int),
		ArcDistribution: make(map[string]int),
	}
	if st == nil {
		return summary
	}

	summary.TotalDecisions = len(st.Routings)
	totalWall, rounds := 0.0, 0
	for _, r := range st.Routings {
		summary.ModeCounts[r.Mode]++
		summary.ArcDistribution[r.Chosen]++
		if r.Reason != "" {
			summary.FallbackReasons[r.Reason]++
		}
		if r.Mode == "static" {
			continue
		}
		rounds++
		totalWall += r.WallMillis
		if r.WallMillis > summary.MaxWallMillis {
			summary.MaxWallMillis = r.WallMillis
		}
	}
	if rounds > 0 {
		summary.MeanWallMillis = totalWall / float64(rounds)
	}
	summary.UniqueArcs = len(summary.ArcDistribution)

	return summary
}
