package domain

import (
	"fmt"
	"strings"
	"time"
)

const weightTolerance = 1e-6

// PeriodLabel derives the reporting period of a target from its frequency
// and due date: JAN-2026, Q1-2026, S1-2026 or ANNUAL-2026. An unparseable
// due date falls back to today, matching the original behavior.
func PeriodLabel(t *Target) string {
	due, err := time.Parse("2006-01-02", t.DueDate)
	if err != nil {
		due = time.Now()
	}
	y := due.Year()
	switch t.Frequency {
	case FreqMonthly:
		return fmt.Sprintf("%s-%d", strings.ToUpper(due.Format("Jan")), y)
	case FreqQuarterly:
		return fmt.Sprintf("Q%d-%d", (int(due.Month())-1)/3+1, y)
	case FreqSemiannual:
		s := 1
		if due.Month() > 6 {
			s = 2
		}
		return fmt.Sprintf("S%d-%d", s, y)
	default:
		return fmt.Sprintf("ANNUAL-%d", y)
	}
}

// WeightWarning reports a period whose target weights do not sum to 100.
// It is advisory and never blocks persistence.
type WeightWarning struct {
	SheetID string  `json:"sheet_id"`
	Period  string  `json:"period"`
	Sum     float64 `json:"sum"`
}

func (w WeightWarning) String() string {
	return fmt.Sprintf("sheet %s period %s weights sum to %.1f%% (must sum to 100%%)", w.SheetID, w.Period, w.Sum)
}

// ValidateSheetWeights sums the weights of a sheet's targets per period and
// warns on any period off by more than the tolerance.
func ValidateSheetWeights(s *Sheet) []WeightWarning {
	sums := map[string]float64{}
	order := []string{}
	for i := range s.Targets {
		lbl := PeriodLabel(&s.Targets[i])
		if _, seen := sums[lbl]; !seen {
			order = append(order, lbl)
		}
		sums[lbl] += s.Targets[i].Weight
	}
	var out []WeightWarning
	for _, lbl := range order {
		if abs(sums[lbl]-100) > weightTolerance {
			out = append(out, WeightWarning{SheetID: s.ID, Period: lbl, Sum: sums[lbl]})
		}
	}
	return out
}

// ValidateAgreementWeights runs the per-sheet check across the whole
// agreement.
func ValidateAgreementWeights(a *Agreement) []WeightWarning {
	var out []WeightWarning
	for i := range a.Sheets {
		out = append(out, ValidateSheetWeights(&a.Sheets[i])...)
	}
	return out
}
