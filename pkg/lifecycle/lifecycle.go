// Package lifecycle implements the role-gated agreement state machine and
// the fine-grained action policy consulted before mutations.
package lifecycle

import (
	"fmt"
	"time"

	"compromisos/pkg/domain"
)

type Role string

const (
	RoleOwner         Role = "Owner"
	RoleAuthority     Role = "Authority"
	RoleCommittee     Role = "Committee"
	RoleAdministrator Role = "Administrator"
)

type stateRule struct {
	roles []Role
	next  []domain.AgreementStatus
}

// transitionTable is the literal permission table. RoleAdministrator is
// deliberately absent from the lookup path: the administrator override is
// a named rule in CanTransition, not an entry here.
var transitionTable = map[domain.AgreementStatus]stateRule{
	domain.StatusDraft: {
		roles: []Role{RoleOwner},
		next:  []domain.AgreementStatus{domain.StatusPendingReview},
	},
	domain.StatusPendingReview: {
		roles: []Role{RoleAuthority},
		next:  []domain.AgreementStatus{domain.StatusUnderReviewAuthority, domain.StatusRejected},
	},
	domain.StatusUnderReviewAuthority: {
		roles: []Role{RoleAuthority, RoleCommittee},
		next:  []domain.AgreementStatus{domain.StatusUnderReviewCommittee, domain.StatusValidated, domain.StatusRejected},
	},
	domain.StatusValidated: {
		roles: []Role{RoleAuthority, RoleCommittee},
		next:  []domain.AgreementStatus{domain.StatusUnderReviewCommittee, domain.StatusValidated, domain.StatusRejected},
	},
	domain.StatusUnderReviewCommittee: {
		roles: []Role{RoleCommittee},
		next:  []domain.AgreementStatus{domain.StatusApproved, domain.StatusRejected},
	},
	domain.StatusApproved: {
		roles: []Role{RoleCommittee},
		next:  []domain.AgreementStatus{domain.StatusArchived},
	},
	domain.StatusRejected: {
		roles: []Role{RoleOwner},
		next:  []domain.AgreementStatus{domain.StatusDraft, domain.StatusPendingReview},
	},
	domain.StatusArchived: {
		roles: []Role{},
		next:  []domain.AgreementStatus{domain.StatusApproved},
	},
}

// CanTransition reports whether role may move an agreement from one status
// to another. The administrator may always transition between any two
// states; this is the authority escape hatch, kept explicit.
func CanTransition(from, to domain.AgreementStatus, role Role) bool {
	if role == RoleAdministrator {
		return true
	}
	rule, ok := transitionTable[from]
	if !ok {
		return false
	}
	if !containsRole(rule.roles, role) {
		return false
	}
	return containsStatus(rule.next, to)
}

// AllowedNextStates lists the target states reachable from a status for a
// role, administrator override included.
func AllowedNextStates(from domain.AgreementStatus, role Role) []domain.AgreementStatus {
	if role == RoleAdministrator {
		return []domain.AgreementStatus{
			domain.StatusDraft, domain.StatusPendingReview, domain.StatusUnderReviewAuthority,
			domain.StatusValidated, domain.StatusUnderReviewCommittee, domain.StatusApproved,
			domain.StatusRejected, domain.StatusArchived,
		}
	}
	rule, ok := transitionTable[from]
	if !ok || !containsRole(rule.roles, role) {
		return nil
	}
	out := make([]domain.AgreementStatus, len(rule.next))
	copy(out, rule.next)
	return out
}

type PermissionError struct {
	Role Role
	From domain.AgreementStatus
	To   domain.AgreementStatus
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("role %s may not transition %s -> %s", e.Role, e.From, e.To)
}

type StaleStateError struct {
	Expected domain.AgreementStatus
	Actual   domain.AgreementStatus
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("agreement is %s, caller expected %s", e.Actual, e.Expected)
}

// ApplyTransition validates and applies a status change. On transitions
// into Approved or Rejected the agreement is snapshotted after the status
// change, so the version trail records the approved or rejected document.
// The agreement is left untouched on any error.
func ApplyTransition(a *domain.Agreement, actor string, role Role, from, to domain.AgreementStatus, comment string, now time.Time) error {
	if !CanTransition(from, to, role) {
		return &PermissionError{Role: role, From: from, To: to}
	}
	if a.Status != from {
		return &StaleStateError{Expected: from, Actual: a.Status}
	}
	a.Status = to
	a.Transitions = append(a.Transitions, domain.TransitionRecord{
		At:      now,
		Author:  actor,
		Role:    string(role),
		From:    from,
		To:      to,
		Comment: comment,
	})
	if to == domain.StatusApproved || to == domain.StatusRejected {
		a.Snapshot(actor, "transition to "+string(to), now)
	}
	return nil
}

func containsRole(rs []Role, r Role) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

func containsStatus(ss []domain.AgreementStatus, s domain.AgreementStatus) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
