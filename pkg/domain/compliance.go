package domain

import (
	"sort"
	"strconv"
	"strings"
)

const equalsEpsilon = 1e-9

// truthy tokens accepted for milestone reported values.
var milestoneTokens = map[string]bool{
	"1": true, "true": true, "yes": true, "si": true, "sí": true,
}

// ParseDecimal parses a reported/objective value accepting either comma or
// dot as decimal separator.
func ParseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Evaluate computes the compliance percentage for a target, or nil when the
// computation is undefined (missing or unparseable values).
func Evaluate(t *Target) *float64 {
	obj := strings.TrimSpace(t.Objective)
	rep := strings.TrimSpace(t.Reported)
	if obj == "" || rep == "" {
		return nil
	}

	if t.Milestone {
		// Numeric reported values count as met at >= 1; otherwise the
		// value is read as a yes/no token. Ranges never apply to
		// milestones.
		if v, ok := ParseDecimal(rep); ok {
			return pctPtr(boolPct(v >= 1))
		}
		return pctPtr(boolPct(milestoneTokens[strings.ToLower(rep)]))
	}

	objective, okObj := ParseDecimal(obj)
	reported, okRep := ParseDecimal(rep)
	if !okObj || !okRep {
		return nil
	}

	base := basePercentage(t.Direction, objective, reported)

	if len(t.Ranges) == 0 {
		return pctPtr(clampPct(base))
	}
	return pctPtr(applyRanges(t.Ranges, base))
}

func basePercentage(dir Direction, objective, reported float64) float64 {
	switch dir {
	case DirAtMost:
		if reported > 0 {
			return minf(objective/reported, 1) * 100
		}
		if reported <= 0 {
			return 100
		}
		return 0
	case DirEquals:
		if objective == 0 {
			if abs(reported-objective) < equalsEpsilon {
				return 100
			}
			return 0
		}
		v := 100 * (1 - abs(reported-objective)/abs(objective))
		if v < 0 {
			return 0
		}
		return v
	default: // at-least
		if objective > 0 {
			return minf(reported/objective, 1) * 100
		}
		if reported >= 0 {
			return 100
		}
		return 0
	}
}

// applyRanges maps a base percentage through the configured ranges. Bounds
// are inclusive on both ends; when the base sits on an edge shared by two
// adjacent ranges, the lower range wins.
func applyRanges(ranges []Range, base float64) float64 {
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rangeMin(sorted[i]) < rangeMin(sorted[j])
	})

	if len(sorted) == 1 {
		return applySingleRange(sorted[0], base)
	}

	first, last := sorted[0], sorted[len(sorted)-1]
	if base < rangeMin(first) {
		return scaleBelow(first, base)
	}
	if base > rangeMax(last) {
		return clampPct(last.Percentage)
	}

	for i := range sorted {
		lo, hi := rangeMin(sorted[i]), rangeMax(sorted[i])
		if base < lo || base > hi {
			continue
		}
		// Strictly inside, with the next range starting exactly at our
		// upper edge: interpolate across the shared boundary.
		if i+1 < len(sorted) && base > lo && base < hi && rangeMin(sorted[i+1]) == hi {
			t := (base - lo) / (hi - lo)
			return clampPct(sorted[i].Percentage + t*(sorted[i+1].Percentage-sorted[i].Percentage))
		}
		return clampPct(sorted[i].Percentage)
	}

	// Base falls in a gap between two ranges: interpolate across the gap.
	for i := 0; i+1 < len(sorted); i++ {
		gapLo, gapHi := rangeMax(sorted[i]), rangeMin(sorted[i+1])
		if base > gapLo && base < gapHi {
			t := (base - gapLo) / (gapHi - gapLo)
			return clampPct(sorted[i].Percentage + t*(sorted[i+1].Percentage-sorted[i].Percentage))
		}
	}
	return 0
}

func applySingleRange(rg Range, base float64) float64 {
	lo, hi := rangeMin(rg), rangeMax(rg)
	if base > hi {
		return clampPct(rg.Percentage)
	}
	if lo > 0 {
		// Within or below the range: linear scale against the lower
		// bound, saturating at the range's percentage.
		return clampPct(minf(base/lo, 1) * rg.Percentage)
	}
	if base >= lo {
		return clampPct(rg.Percentage)
	}
	return 0
}

// scaleBelow handles a base percentage under the lowest range: scale
// linearly from 0 up to that range's percentage, same rule as the
// single-range case.
func scaleBelow(rg Range, base float64) float64 {
	lo := rangeMin(rg)
	if lo > 0 {
		return clampPct(minf(base/lo, 1) * rg.Percentage)
	}
	return 0
}

func rangeMin(rg Range) float64 {
	if rg.Min == nil {
		return negInf
	}
	return *rg.Min
}

func rangeMax(rg Range) float64 {
	if rg.Max == nil {
		return posInf
	}
	return *rg.Max
}

const (
	negInf = -1e18
	posInf = 1e18
)

func boolPct(b bool) float64 {
	if b {
		return 100
	}
	return 0
}

func pctPtr(v float64) *float64 { return &v }

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Recompute refreshes the derived compliance of every target in the
// agreement.
func (a *Agreement) Recompute() {
	for i := range a.Sheets {
		for j := range a.Sheets[i].Targets {
			t := &a.Sheets[i].Targets[j]
			t.Compliance = Evaluate(t)
		}
	}
}
