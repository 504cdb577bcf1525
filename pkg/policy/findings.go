package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidGraph is returned (wrapped in *ValidationFailure) when a graph
// has error-severity findings.
var ErrInvalidGraph = errors.New("policy: invalid graph")

// Severity of a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Validation codes.
const (
	CodeDuplicateNodeID           = "DUPLICATE_NODE_ID"
	CodeDuplicateEdgeID           = "DUPLICATE_EDGE_ID"
	CodeEdgeSourceMissing         = "EDGE_SOURCE_MISSING"
	CodeEdgeTargetMissing         = "EDGE_TARGET_MISSING"
	CodeApproverNotParty          = "APPROVER_NOT_PARTY"
	CodeApproverCannotApprove     = "APPROVER_CANNOT_APPROVE"
	CodeApprovalOrderMissing      = "APPROVAL_ORDER_MISSING"
	CodeApprovalOrderInvalid      = "APPROVAL_ORDER_INVALID"
	CodeApprovalOrderGap          = "APPROVAL_ORDER_GAP"
	CodeDuplicateApprovalStep     = "DUPLICATE_APPROVAL_STEP"
	CodeContractPartiesIncomplete = "CONTRACT_PARTIES_INCOMPLETE"
	CodeContractPartyMissing      = "CONTRACT_PARTY_MISSING"
	CodeHideRateFromContractParty = "HIDE_RATE_FROM_CONTRACT_PARTY"
	CodeHideRateFromUnknownParty  = "HIDE_RATE_FROM_UNKNOWN_PARTY"
	CodeNoApprovalEdges           = "NO_APPROVAL_EDGES"
	CodeInvalidVersion            = "INVALID_VERSION"
	CodeOrphanNode                = "ORPHAN_NODE"
)

// ValidationError is a single compile-time finding.
type ValidationError struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	NodeID   string   `json:"nodeId,omitempty"`
	EdgeID   string   `json:"edgeId,omitempty"`
	Severity Severity `json:"severity"`
}

func (v ValidationError) String() string {
	var ref string
	switch {
	case v.NodeID != "":
		ref = " (node " + v.NodeID + ")"
	case v.EdgeID != "":
		ref = " (edge " + v.EdgeID + ")"
	}
	return fmt.Sprintf("%s %s: %s%s", v.Severity, v.Code, v.Message, ref)
}

// Findings is the ordered list of findings from one compile.
type Findings []ValidationError

// HasErrors reports whether any finding blocks emission.
func (f Findings) HasErrors() bool {
	for _, v := range f {
		if v.Severity == SeverityError {
			return true
		}
	}
	return false
}

// BySeverity returns the findings with severity s.
func (f Findings) BySeverity(s Severity) Findings {
	var out Findings
	for _, v := range f {
		if v.Severity == s {
			out = append(out, v)
		}
	}
	return out
}

// Codes returns the finding codes in order, mostly for tests and logs.
func (f Findings) Codes() []string {
	out := make([]string, len(f))
	for i, v := range f {
		out[i] = v.Code
	}
	return out
}

// ValidationFailure is the error returned when compilation is blocked.
type ValidationFailure struct {
	Findings Findings
}

func (e *ValidationFailure) Error() string {
	errs := e.Findings.BySeverity(SeverityError)
	if len(errs) == 0 {
		return ErrInvalidGraph.Error()
	}
	parts := make([]string, 0, len(errs))
	for _, v := range errs {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("%s: %d error(s): %s", ErrInvalidGraph, len(errs), strings.Join(parts, "; "))
}

func (e *ValidationFailure) Unwrap() error { return ErrInvalidGraph }

// AsValidationFailure extracts the findings from err, if it is a
// validation failure.
func AsValidationFailure(err error) (*ValidationFailure, bool) {
	var vf *ValidationFailure
	if errors.As(err, &vf) {
		return vf, true
	}
	return nil, false
}
