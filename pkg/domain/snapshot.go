package domain

import (
	"time"

	"compromisos/pkg/canonhash"

	"github.com/google/uuid"
)

// Clone returns a deep copy of the agreement. Slices are copied element by
// element so a snapshot never aliases live state.
func (a *Agreement) Clone() Agreement {
	out := *a
	out.Sheets = make([]Sheet, len(a.Sheets))
	for i := range a.Sheets {
		out.Sheets[i] = a.Sheets[i].clone()
	}
	out.Versions = make([]VersionSnapshot, len(a.Versions))
	copy(out.Versions, a.Versions)
	out.Transitions = make([]TransitionRecord, len(a.Transitions))
	copy(out.Transitions, a.Transitions)
	return out
}

func (s *Sheet) clone() Sheet {
	out := *s
	out.Targets = make([]Target, len(s.Targets))
	for i := range s.Targets {
		out.Targets[i] = s.Targets[i].clone()
	}
	return out
}

func (t *Target) clone() Target {
	out := *t
	out.Ranges = make([]Range, len(t.Ranges))
	for i, rg := range t.Ranges {
		c := rg
		if rg.Min != nil {
			v := *rg.Min
			c.Min = &v
		}
		if rg.Max != nil {
			v := *rg.Max
			c.Max = &v
		}
		out.Ranges[i] = c
	}
	if t.Compliance != nil {
		v := *t.Compliance
		out.Compliance = &v
	}
	out.StatusHistory = make([]StatusChange, len(t.StatusHistory))
	copy(out.StatusHistory, t.StatusHistory)
	return out
}

// Snapshot appends a new immutable version of the agreement. The captured
// state excludes the version and transition lists themselves so snapshots
// do not grow recursively. Returns the appended snapshot.
func (a *Agreement) Snapshot(author, reason string, now time.Time) VersionSnapshot {
	state := a.Clone()
	state.Versions = nil
	state.Transitions = nil
	hash, _, _ := canonhash.SumObject(state)
	snap := VersionSnapshot{
		VersionID: "ver_" + uuid.NewString(),
		Seq:       len(a.Versions) + 1,
		At:        now,
		Author:    author,
		Reason:    reason,
		Hash:      hash,
		State:     state,
	}
	a.Versions = append(a.Versions, snap)
	return snap
}
