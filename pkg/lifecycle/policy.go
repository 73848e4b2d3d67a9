package lifecycle

import "compromisos/pkg/domain"

// Action is a fine-grained operation gated by role and agreement status.
// The policy is consulted by the surrounding application before invoking a
// mutation; the state machine itself only gates transitions.
type Action string

const (
	ActionEdit         Action = "edit"
	ActionSave         Action = "save"
	ActionCreateSheet  Action = "createSheet"
	ActionCreateTarget Action = "createTarget"
	ActionReportValue  Action = "reportValue"
	ActionDelete       Action = "delete"
)

// Policy maps (role, status) to the set of permitted actions. It is an
// immutable value injected at construction so tests can substitute
// alternate policies without global state.
type Policy map[Role]map[domain.AgreementStatus][]Action

// Allows reports whether the policy grants the action. The administrator
// override applies here as well.
func (p Policy) Allows(role Role, status domain.AgreementStatus, action Action) bool {
	if role == RoleAdministrator {
		return true
	}
	byStatus, ok := p[role]
	if !ok {
		return false
	}
	for _, a := range byStatus[status] {
		if a == action {
			return true
		}
	}
	return false
}

// AllowsOnSheet extends Allows with the safeguard rule: a sheet flagged
// requires-safeguard stays editable for the owner even once the agreement
// is approved.
func (p Policy) AllowsOnSheet(role Role, status domain.AgreementStatus, action Action, sheet *domain.Sheet) bool {
	if p.Allows(role, status, action) {
		return true
	}
	if sheet != nil && sheet.RequiresSafeguard && status == domain.StatusApproved && role == RoleOwner {
		return action == ActionEdit || action == ActionSave || action == ActionReportValue
	}
	return false
}

// DefaultPolicy reproduces the original application's role checks: owners
// work the document while it is editable, reviewers only read.
func DefaultPolicy() Policy {
	all := []Action{ActionEdit, ActionSave, ActionCreateSheet, ActionCreateTarget, ActionReportValue, ActionDelete}
	editOnly := []Action{ActionEdit, ActionSave, ActionReportValue}
	return Policy{
		RoleOwner: {
			domain.StatusDraft:    all,
			domain.StatusRejected: all,
		},
		RoleAuthority: {
			domain.StatusPendingReview:        editOnly,
			domain.StatusUnderReviewAuthority: editOnly,
			domain.StatusValidated:            editOnly,
		},
		RoleCommittee: {
			domain.StatusUnderReviewCommittee: editOnly,
		},
	}
}
