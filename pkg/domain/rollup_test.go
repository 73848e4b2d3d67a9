package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func agreementWith(targets ...Target) *Agreement {
	return &Agreement{
		ID:     "AC_0001_2026",
		Year:   2026,
		Status: StatusDraft,
		Sheets: []Sheet{{ID: "f1", Targets: targets}},
	}
}

func TestRollUpWeighted(t *testing.T) {
	a := agreementWith(
		Target{ID: "m1", Objective: "100", Reported: "80", Direction: DirAtLeast, Weight: 60, Frequency: FreqAnnual, DueDate: "2026-12-31"},
		Target{ID: "m2", Objective: "100", Reported: "50", Direction: DirAtLeast, Weight: 40, Frequency: FreqAnnual, DueDate: "2026-12-31"},
	)
	got := RollUp(a)
	require.NotNil(t, got)
	require.InDelta(t, 68.0, *got, 1e-9)
}

func TestRollUpExcludesUndefinedTargets(t *testing.T) {
	a := agreementWith(
		Target{ID: "m1", Objective: "100", Reported: "80", Direction: DirAtLeast, Weight: 60},
		Target{ID: "m2", Objective: "100", Reported: "", Direction: DirAtLeast, Weight: 40},
	)
	got := RollUp(a)
	require.NotNil(t, got)
	require.InDelta(t, 80.0, *got, 1e-9)
}

func TestRollUpUndefinedWhenNothingDefined(t *testing.T) {
	a := agreementWith(
		Target{ID: "m1", Objective: "", Reported: "", Weight: 100},
	)
	require.Nil(t, RollUp(a))

	// defined compliance but zero total weight
	b := agreementWith(
		Target{ID: "m1", Objective: "100", Reported: "80", Direction: DirAtLeast, Weight: 0},
	)
	require.Nil(t, RollUp(b))
}

func TestRollUpRefreshesDerivedCompliance(t *testing.T) {
	stale := 12.0
	a := agreementWith(
		Target{ID: "m1", Objective: "100", Reported: "100", Direction: DirAtLeast, Weight: 100, Compliance: &stale},
	)
	got := RollUp(a)
	require.NotNil(t, got)
	require.Equal(t, 100.0, *got)
	require.Equal(t, 100.0, *a.Sheets[0].Targets[0].Compliance)
}

func TestClassify(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		reported string
		want     Classification
	}{
		{"95", ClassMet},
		{"90", ClassMet},
		{"75", ClassPartiallyMet},
		{"60", ClassPartiallyMet},
		{"30", ClassNotMet},
	}
	for _, tc := range cases {
		tg := &Target{Objective: "100", Reported: tc.reported, Direction: DirAtLeast}
		require.Equal(t, tc.want, Classify(tg, th), "reported=%s", tc.reported)
	}

	undefinedTg := &Target{Objective: "100", Reported: ""}
	require.Equal(t, ClassNotMet, Classify(undefinedTg, th))

	strict := Thresholds{Met: 99, PartiallyMet: 95}
	tg := &Target{Objective: "100", Reported: "96", Direction: DirAtLeast}
	require.Equal(t, ClassPartiallyMet, Classify(tg, strict))
}

func TestComputeGlobalMetrics(t *testing.T) {
	a := agreementWith(
		Target{ID: "m1", Objective: "100", Reported: "95", Direction: DirAtLeast, Weight: 50, Frequency: FreqAnnual, DueDate: "2026-12-31"},
		Target{ID: "m2", Objective: "100", Reported: "70", Direction: DirAtLeast, Weight: 50, Frequency: FreqAnnual, DueDate: "2026-12-31"},
	)
	b := agreementWith(
		Target{ID: "m3", Objective: "100", Reported: "10", Direction: DirAtLeast, Weight: 100, Frequency: FreqAnnual, DueDate: "2026-12-31"},
	)
	b.ID = "AC_0002_2026"
	b.Status = StatusApproved

	m := ComputeGlobalMetrics([]*Agreement{a, b}, DefaultThresholds())
	require.Equal(t, 2, m.Agreements)
	require.Equal(t, 3, m.Targets)
	require.Equal(t, 1, m.Met)
	require.Equal(t, 1, m.PartiallyMet)
	require.Equal(t, 1, m.NotMet)
	require.Equal(t, 1, m.ByStatus[StatusDraft])
	require.Equal(t, 1, m.ByStatus[StatusApproved])

	// mean of the two roll-ups: (82.5 + 10) / 2
	require.NotNil(t, m.MeanRollUp)
	require.InDelta(t, 46.25, *m.MeanRollUp, 1e-9)

	require.Len(t, m.PeriodRollUps, 1)
	require.Equal(t, "ANNUAL-2026", m.PeriodRollUps[0].Period)
	require.InDelta(t, 200.0, m.PeriodRollUps[0].Weight, 1e-9)
	// (50*0.95 + 50*0.70 + 100*0.10) / 200 * 100
	require.InDelta(t, 46.25, m.PeriodRollUps[0].Percentage, 1e-9)
}

func TestComputeGlobalMetricsNoDefinedRollUps(t *testing.T) {
	a := agreementWith(Target{ID: "m1", Objective: "", Reported: "", Weight: 100})
	m := ComputeGlobalMetrics([]*Agreement{a}, DefaultThresholds())
	require.Nil(t, m.MeanRollUp)
	require.Equal(t, 1, m.NotMet)
	require.Empty(t, m.PeriodRollUps)
}
