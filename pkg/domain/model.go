// Package domain holds the agreement model and the pure computations over
// it: compliance evaluation, period aggregation, roll-up and snapshotting.
// Nothing in this package touches storage; persistence is the store's job.
package domain

import (
	"fmt"
	"time"
)

type AgreementStatus string

const (
	StatusDraft                AgreementStatus = "DRAFT"
	StatusPendingReview        AgreementStatus = "PENDING_REVIEW"
	StatusUnderReviewAuthority AgreementStatus = "UNDER_REVIEW_AUTHORITY"
	StatusValidated            AgreementStatus = "VALIDATED"
	StatusUnderReviewCommittee AgreementStatus = "UNDER_REVIEW_COMMITTEE"
	StatusApproved             AgreementStatus = "APPROVED"
	StatusRejected             AgreementStatus = "REJECTED"
	StatusArchived             AgreementStatus = "ARCHIVED"
)

type Direction string

const (
	DirAtLeast Direction = "gte"
	DirAtMost  Direction = "lte"
	DirEquals  Direction = "eq"
)

type Frequency string

const (
	FreqMonthly    Frequency = "MONTHLY"
	FreqQuarterly  Frequency = "QUARTERLY"
	FreqSemiannual Frequency = "SEMIANNUAL"
	FreqAnnual     Frequency = "ANNUAL"
)

type TargetStatus string

const (
	TargetNotStarted   TargetStatus = "NOT_STARTED"
	TargetInProgress   TargetStatus = "IN_PROGRESS"
	TargetMet          TargetStatus = "MET"
	TargetPartiallyMet TargetStatus = "PARTIALLY_MET"
	TargetNotMet       TargetStatus = "NOT_MET"
	TargetVerified     TargetStatus = "VERIFIED"
)

// Organization and commitment categories carried over from the original
// registry. The engine does not interpret them; consumers filter on them.
var OrganizationTypes = []string{
	"Administración Central",
	"Organismos del Art. 220",
	"PPNoE",
	"Empresas Públicas",
	"Otros",
}

var CommitmentTypes = []string{
	"CG - Institucional",
	"CG - Funcional",
	"EEPP - SRV",
	"EEPP - SRCM",
	"EEPP - Compromisos de Gestión",
}

// Range maps a band of base percentages to a final compliance percentage.
// A nil Min means -inf, a nil Max means +inf. Percentage is clamped to
// [0,100] on use even if a bad value was persisted.
type Range struct {
	Min        *float64 `json:"min"`
	Max        *float64 `json:"max"`
	Percentage float64  `json:"percentage"`
}

type RangeValidationError struct {
	Index  int
	Reason string
}

func (e *RangeValidationError) Error() string {
	return fmt.Sprintf("range[%d] invalid: %s", e.Index, e.Reason)
}

// ValidateRanges rejects inverted bounds and out-of-band percentages at
// construction time so the evaluator never sees a malformed list.
func ValidateRanges(ranges []Range) error {
	for i, rg := range ranges {
		if rg.Min != nil && rg.Max != nil && *rg.Min > *rg.Max {
			return &RangeValidationError{Index: i, Reason: "min > max"}
		}
		if rg.Percentage < 0 || rg.Percentage > 100 {
			return &RangeValidationError{Index: i, Reason: "percentage outside [0,100]"}
		}
	}
	return nil
}

type StatusChange struct {
	User   string       `json:"user"`
	At     time.Time    `json:"at"`
	Before TargetStatus `json:"before"`
	After  TargetStatus `json:"after"`
}

type Target struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Objective string    `json:"objective"`
	Reported  string    `json:"reported"`
	Direction Direction `json:"direction"`
	Milestone bool      `json:"milestone"`
	Weight    float64   `json:"weight"`
	Ranges    []Range   `json:"ranges,omitempty"`
	Frequency Frequency `json:"frequency"`
	DueDate   string    `json:"due_date"` // YYYY-MM-DD

	// Compliance is derived; it is recomputed from Objective/Reported and
	// never authoritative.
	Compliance    *float64       `json:"compliance"`
	Status        TargetStatus   `json:"status"`
	StatusHistory []StatusChange `json:"status_history,omitempty"`
}

type Sheet struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	GoalType          string `json:"goal_type,omitempty"`
	Indicator         string `json:"indicator,omitempty"`
	CalculationMethod string `json:"calculation_method,omitempty"`
	Source            string `json:"source,omitempty"`
	BaseValue         string `json:"base_value,omitempty"`
	Responsibles      string `json:"responsibles,omitempty"`
	TrackingOwners    string `json:"tracking_owners,omitempty"`
	Observations      string `json:"observations,omitempty"`

	// RequiresSafeguard permits limited editing of this sheet even when
	// the agreement is otherwise locked (approved).
	RequiresSafeguard bool   `json:"requires_safeguard"`
	SafeguardText     string `json:"safeguard_text,omitempty"`

	Targets []Target `json:"targets"`
}

type VersionSnapshot struct {
	VersionID string    `json:"version_id"`
	Seq       int       `json:"seq"`
	At        time.Time `json:"at"`
	Author    string    `json:"author"`
	Reason    string    `json:"reason"`
	Hash      string    `json:"hash"`
	State     Agreement `json:"state"`
}

type TransitionRecord struct {
	At      time.Time       `json:"at"`
	Author  string          `json:"author"`
	Role    string          `json:"role"`
	From    AgreementStatus `json:"from"`
	To      AgreementStatus `json:"to"`
	Comment string          `json:"comment,omitempty"`
}

type Agreement struct {
	ID               string          `json:"id"`
	Year             int             `json:"year"`
	CommitmentType   string          `json:"commitment_type,omitempty"`
	OrganizationType string          `json:"organization_type,omitempty"`
	OrganizationName string          `json:"organization_name,omitempty"`
	ValidFrom        string          `json:"valid_from,omitempty"`
	ValidTo          string          `json:"valid_to,omitempty"`
	Object           string          `json:"object,omitempty"`
	SigningParties   string          `json:"signing_parties,omitempty"`
	Status           AgreementStatus `json:"status"`
	CreatedBy        string          `json:"created_by"`

	Sheets      []Sheet            `json:"sheets"`
	Versions    []VersionSnapshot  `json:"versions"`
	Transitions []TransitionRecord `json:"transitions"`
}

// FindSheet returns the sheet with the given id, or nil.
func (a *Agreement) FindSheet(id string) *Sheet {
	for i := range a.Sheets {
		if a.Sheets[i].ID == id {
			return &a.Sheets[i]
		}
	}
	return nil
}

// FindTarget returns the target with the given id along with its sheet.
func (a *Agreement) FindTarget(id string) (*Sheet, *Target) {
	for i := range a.Sheets {
		for j := range a.Sheets[i].Targets {
			if a.Sheets[i].Targets[j].ID == id {
				return &a.Sheets[i], &a.Sheets[i].Targets[j]
			}
		}
	}
	return nil, nil
}

// SetTargetStatus records a status change in the target's append-only
// history and updates the current status.
func (t *Target) SetTargetStatus(user string, to TargetStatus, now time.Time) {
	if t.Status == to {
		return
	}
	t.StatusHistory = append(t.StatusHistory, StatusChange{
		User:   user,
		At:     now,
		Before: t.Status,
		After:  to,
	})
	t.Status = to
}
