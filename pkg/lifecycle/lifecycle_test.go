package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"compromisos/pkg/domain"
)

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		name string
		from domain.AgreementStatus
		to   domain.AgreementStatus
		role Role
		want bool
	}{
		{"owner submits draft", domain.StatusDraft, domain.StatusPendingReview, RoleOwner, true},
		{"owner cannot skip to approved", domain.StatusDraft, domain.StatusApproved, RoleOwner, false},
		{"administrator may do anything", domain.StatusDraft, domain.StatusApproved, RoleAdministrator, true},
		{"authority takes pending review", domain.StatusPendingReview, domain.StatusUnderReviewAuthority, RoleAuthority, true},
		{"owner cannot advance pending review", domain.StatusPendingReview, domain.StatusUnderReviewAuthority, RoleOwner, false},
		{"authority rejects from review", domain.StatusUnderReviewAuthority, domain.StatusRejected, RoleAuthority, true},
		{"committee escalates validated", domain.StatusValidated, domain.StatusUnderReviewCommittee, RoleCommittee, true},
		{"committee approves", domain.StatusUnderReviewCommittee, domain.StatusApproved, RoleCommittee, true},
		{"authority cannot approve", domain.StatusUnderReviewCommittee, domain.StatusApproved, RoleAuthority, false},
		{"committee archives", domain.StatusApproved, domain.StatusArchived, RoleCommittee, true},
		{"owner resubmits rejected", domain.StatusRejected, domain.StatusPendingReview, RoleOwner, true},
		{"owner reopens rejected as draft", domain.StatusRejected, domain.StatusDraft, RoleOwner, true},
		{"archived is terminal for non-admins", domain.StatusArchived, domain.StatusApproved, RoleCommittee, false},
		{"admin restores archived", domain.StatusArchived, domain.StatusApproved, RoleAdministrator, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, CanTransition(tc.from, tc.to, tc.role))
		})
	}
}

func TestAllowedNextStates(t *testing.T) {
	require.ElementsMatch(t,
		[]domain.AgreementStatus{domain.StatusPendingReview},
		AllowedNextStates(domain.StatusDraft, RoleOwner))
	require.Nil(t, AllowedNextStates(domain.StatusDraft, RoleCommittee))
	require.Len(t, AllowedNextStates(domain.StatusDraft, RoleAdministrator), 8)
}

func newAgreement() *domain.Agreement {
	return &domain.Agreement{
		ID:     "AC_0001_2026",
		Year:   2026,
		Status: domain.StatusDraft,
		Sheets: []domain.Sheet{{
			ID: "F_AC_0001_2026_1_2026",
			Targets: []domain.Target{{
				ID: "M_F_AC_0001_2026_1_2026_1_2026", Objective: "100", Reported: "80",
				Direction: domain.DirAtLeast, Weight: 100,
			}},
		}},
	}
}

func TestApplyTransitionRecordsHistory(t *testing.T) {
	a := newAgreement()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	err := ApplyTransition(a, "usr_1", RoleOwner, domain.StatusDraft, domain.StatusPendingReview, "ready", now)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPendingReview, a.Status)
	require.Len(t, a.Transitions, 1)
	require.Empty(t, a.Versions)

	rec := a.Transitions[0]
	require.Equal(t, "usr_1", rec.Author)
	require.Equal(t, string(RoleOwner), rec.Role)
	require.Equal(t, domain.StatusDraft, rec.From)
	require.Equal(t, domain.StatusPendingReview, rec.To)
	require.Equal(t, "ready", rec.Comment)
}

func TestApplyTransitionSnapshotsOnApproveAndReject(t *testing.T) {
	a := newAgreement()
	a.Status = domain.StatusUnderReviewCommittee
	now := time.Now()

	err := ApplyTransition(a, "usr_2", RoleCommittee, domain.StatusUnderReviewCommittee, domain.StatusApproved, "", now)
	require.NoError(t, err)
	require.Len(t, a.Versions, 1)
	require.Len(t, a.Transitions, 1)
	require.Equal(t, 1, a.Versions[0].Seq)

	// the version trail records the approved document, not the state it
	// was approved from
	require.Equal(t, domain.StatusApproved, a.Versions[0].State.Status)

	b := newAgreement()
	b.Status = domain.StatusPendingReview
	err = ApplyTransition(b, "usr_3", RoleAuthority, domain.StatusPendingReview, domain.StatusRejected, "incomplete", now)
	require.NoError(t, err)
	require.Len(t, b.Versions, 1)
	require.Len(t, b.Transitions, 1)
	require.Equal(t, domain.StatusRejected, b.Versions[0].State.Status)
}

func TestApplyTransitionPermissionDenied(t *testing.T) {
	a := newAgreement()
	err := ApplyTransition(a, "usr_1", RoleOwner, domain.StatusDraft, domain.StatusApproved, "", time.Now())

	var perr *PermissionError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, RoleOwner, perr.Role)
	require.Equal(t, domain.StatusDraft, a.Status)
	require.Empty(t, a.Transitions)
	require.Empty(t, a.Versions)
}

func TestApplyTransitionStaleState(t *testing.T) {
	a := newAgreement()
	a.Status = domain.StatusPendingReview

	err := ApplyTransition(a, "usr_1", RoleOwner, domain.StatusDraft, domain.StatusPendingReview, "", time.Now())
	var serr *StaleStateError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, domain.StatusDraft, serr.Expected)
	require.Equal(t, domain.StatusPendingReview, serr.Actual)
	require.Empty(t, a.Transitions)
}

func TestPolicyAllows(t *testing.T) {
	p := DefaultPolicy()

	require.True(t, p.Allows(RoleOwner, domain.StatusDraft, ActionCreateTarget))
	require.True(t, p.Allows(RoleOwner, domain.StatusRejected, ActionEdit))
	require.False(t, p.Allows(RoleOwner, domain.StatusApproved, ActionEdit))
	require.False(t, p.Allows(RoleOwner, domain.StatusPendingReview, ActionReportValue))
	require.True(t, p.Allows(RoleAuthority, domain.StatusUnderReviewAuthority, ActionSave))
	require.False(t, p.Allows(RoleAuthority, domain.StatusUnderReviewAuthority, ActionCreateSheet))
	require.True(t, p.Allows(RoleAdministrator, domain.StatusArchived, ActionDelete))
}

func TestPolicySafeguardKeepsSheetEditable(t *testing.T) {
	p := DefaultPolicy()
	flagged := &domain.Sheet{ID: "f1", RequiresSafeguard: true}
	plain := &domain.Sheet{ID: "f2"}

	require.True(t, p.AllowsOnSheet(RoleOwner, domain.StatusApproved, ActionReportValue, flagged))
	require.True(t, p.AllowsOnSheet(RoleOwner, domain.StatusApproved, ActionEdit, flagged))
	require.False(t, p.AllowsOnSheet(RoleOwner, domain.StatusApproved, ActionCreateTarget, flagged))
	require.False(t, p.AllowsOnSheet(RoleOwner, domain.StatusApproved, ActionReportValue, plain))
	require.False(t, p.AllowsOnSheet(RoleAuthority, domain.StatusApproved, ActionReportValue, flagged))
	require.False(t, p.AllowsOnSheet(RoleOwner, domain.StatusApproved, ActionReportValue, nil))
}

func TestPermissionErrorMessage(t *testing.T) {
	err := error(&PermissionError{Role: RoleOwner, From: domain.StatusDraft, To: domain.StatusApproved})
	require.True(t, errors.As(err, new(*PermissionError)))
	require.Contains(t, err.Error(), "Owner")
	require.Contains(t, err.Error(), string(domain.StatusApproved))
}
