package domain

import "sort"

// Classification of a single target against its thresholds.
type Classification string

const (
	ClassMet          Classification = "MET"
	ClassPartiallyMet Classification = "PARTIALLY_MET"
	ClassNotMet       Classification = "NOT_MET"
)

// Thresholds are the classification cut-offs. Met wins at or above Met,
// PartiallyMet at or above PartiallyMet, NotMet below.
type Thresholds struct {
	Met          float64 `json:"met"`
	PartiallyMet float64 `json:"partially_met"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Met: 90, PartiallyMet: 60}
}

// Classify buckets a target by its recomputed compliance. An undefined
// compliance classifies as NotMet.
func Classify(t *Target, th Thresholds) Classification {
	return ClassifyValue(Evaluate(t), th)
}

// ClassifyValue buckets any compliance or roll-up percentage.
func ClassifyValue(c *float64, th Thresholds) Classification {
	if c == nil {
		return ClassNotMet
	}
	switch {
	case *c >= th.Met:
		return ClassMet
	case *c >= th.PartiallyMet:
		return ClassPartiallyMet
	default:
		return ClassNotMet
	}
}

// RollUp recomputes every target's compliance and returns the weighted
// agreement-level percentage. Targets with undefined compliance are
// excluded from both sums. Nil when nothing is defined or the total weight
// is zero.
func RollUp(a *Agreement) *float64 {
	a.Recompute()
	var sumW, sumWC float64
	for i := range a.Sheets {
		for j := range a.Sheets[i].Targets {
			t := &a.Sheets[i].Targets[j]
			if t.Compliance == nil {
				continue
			}
			sumW += t.Weight
			sumWC += t.Weight * *t.Compliance
		}
	}
	if sumW == 0 {
		return nil
	}
	v := sumWC / sumW
	return &v
}

// GlobalMetrics aggregates a set of agreements: total target count, counts
// per classification, the mean of defined roll-ups, and the weighted
// compliance per reporting period (the consolidated report).
type GlobalMetrics struct {
	Agreements    int                    `json:"agreements"`
	Targets       int                    `json:"targets"`
	Met           int                    `json:"met"`
	PartiallyMet  int                    `json:"partially_met"`
	NotMet        int                    `json:"not_met"`
	MeanRollUp    *float64               `json:"mean_rollup"`
	PeriodRollUps []PeriodRollUp         `json:"period_rollups"`
	ByStatus      map[AgreementStatus]int `json:"by_status"`
}

type PeriodRollUp struct {
	Period     string  `json:"period"`
	Weight     float64 `json:"weight"`
	Percentage float64 `json:"percentage"`
}

func ComputeGlobalMetrics(agreements []*Agreement, th Thresholds) GlobalMetrics {
	m := GlobalMetrics{ByStatus: map[AgreementStatus]int{}}
	var rollSum float64
	var rollN int
	periodW := map[string]float64{}
	periodWC := map[string]float64{}

	for _, a := range agreements {
		m.Agreements++
		m.ByStatus[a.Status]++
		if r := RollUp(a); r != nil {
			rollSum += *r
			rollN++
		}
		for i := range a.Sheets {
			for j := range a.Sheets[i].Targets {
				t := &a.Sheets[i].Targets[j]
				m.Targets++
				switch Classify(t, th) {
				case ClassMet:
					m.Met++
				case ClassPartiallyMet:
					m.PartiallyMet++
				default:
					m.NotMet++
				}
				if t.Compliance != nil {
					lbl := PeriodLabel(t)
					periodW[lbl] += t.Weight
					periodWC[lbl] += t.Weight * (*t.Compliance / 100)
				}
			}
		}
	}

	if rollN > 0 {
		mean := rollSum / float64(rollN)
		m.MeanRollUp = &mean
	}

	labels := make([]string, 0, len(periodW))
	for lbl := range periodW {
		labels = append(labels, lbl)
	}
	sort.Strings(labels)
	for _, lbl := range labels {
		w := periodW[lbl]
		pct := 0.0
		if w != 0 {
			pct = periodWC[lbl] / w * 100
		}
		m.PeriodRollUps = append(m.PeriodRollUps, PeriodRollUp{Period: lbl, Weight: w, Percentage: pct})
	}
	return m
}
