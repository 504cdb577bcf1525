// Package simulation replays a candidate submission through a compiled
// policy and predicts routing, timing and masking without touching real
// work items.
package simulation

import (
	"time"

	"github.com/Mindburn-Labs/workgraph/pkg/graph"
)

// Urgency scales the review SLA of manual steps.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// Input is a candidate submission.
type Input struct {
	ContractorID    string  `json:"contractorId"`
	ContractID      string  `json:"contractId"`
	Hours           float64 `json:"hours"`
	WeekStartDate   string  `json:"weekStartDate"`
	UrgencyLevel    Urgency `json:"urgencyLevel"`
	TaskDescription string  `json:"taskDescription,omitempty"`
	WorkType        string  `json:"workType,omitempty"`
}

// StepAction is the predicted outcome of one approval step.
type StepAction string

const (
	ActionAutoApprove  StepAction = "auto-approve"
	ActionManualReview StepAction = "manual-review"
	ActionRejected     StepAction = "rejected"
)

// Valid reports whether a is a known action.
func (a StepAction) Valid() bool {
	switch a {
	case ActionAutoApprove, ActionManualReview, ActionRejected:
		return true
	}
	return false
}

// Step is the predicted handling of a submission by one approver.
type Step struct {
	StepNumber    int             `json:"stepNumber"`
	Order         int             `json:"order"`
	PartyID       string          `json:"partyId"`
	PartyName     string          `json:"partyName"`
	PartyType     graph.PartyType `json:"partyType"`
	Role          string          `json:"role"`
	Action        StepAction      `json:"action"`
	Reason        string          `json:"reason,omitempty"`
	EstimatedSLA  float64         `json:"estimatedSLA"`
	VisibleFields []string        `json:"visibleFields"`
	MaskedFields  []string        `json:"maskedFields"`
	RateVisible   bool            `json:"rateVisible"`
}

// Status summarises a simulation.
type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
	StatusError    Status = "error"
)

// Severity of a conflict.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Conflict codes.
const (
	CodeNoApprovalChain         = "NO_APPROVAL_CHAIN"
	CodeInvalidHours            = "INVALID_HOURS"
	CodeUnknownUrgency          = "UNKNOWN_URGENCY"
	CodeContractNotFound        = "CONTRACT_NOT_FOUND"
	CodeContractorNotFound      = "CONTRACTOR_NOT_FOUND"
	CodeHoursExceedLimit        = "HOURS_EXCEED_LIMIT"
	CodeHoursExceedMonthlyLimit = "HOURS_EXCEED_MONTHLY_LIMIT"
	CodeApproverNotFound        = "APPROVER_NOT_FOUND"
	CodeRuleEvaluationFailed    = "RULE_EVALUATION_FAILED"
)

// Conflict is a run-time finding. Only error-severity conflicts change the
// status; everything else is advisory.
type Conflict struct {
	Severity     Severity `json:"severity"`
	Code         string   `json:"code"`
	Message      string   `json:"message"`
	AffectedStep *int     `json:"affectedStep,omitempty"`
}

// Result is the outcome of a simulation.
type Result struct {
	Status        Status     `json:"status"`
	PolicyVersion int        `json:"policyVersion"`
	TotalSLA      float64    `json:"totalSLA"`
	BusinessDays  int        `json:"businessDays"`
	Steps         []Step     `json:"steps"`
	Conflicts     []Conflict `json:"conflicts"`
	Timestamp     time.Time  `json:"timestamp"`
}

// HasErrors reports whether any conflict has error severity.
func (r *Result) HasErrors() bool {
	for _, c := range r.Conflicts {
		if c.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ConflictCodes lists conflict codes in order.
func (r *Result) ConflictCodes() []string {
	out := make([]string, len(r.Conflicts))
	for i, c := range r.Conflicts {
		out[i] = c.Code
	}
	return out
}
