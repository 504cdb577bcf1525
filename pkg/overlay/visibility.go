package overlay

import (
	"github.com/Mindburn-Labs/workgraph/pkg/graph"
)

// FieldRate is the only contract field currently subject to masking.
const FieldRate = "rate"

// TimesheetFields are the fields of a submitted timesheet, in display order.
var TimesheetFields = []string{"contractorId", "hours", "weekStartDate", "taskDescription", FieldRate}

// Visibility describes what a single viewer may see of a submission.
type Visibility struct {
	RateVisible   bool
	VisibleFields []string
	MaskedFields  []string
}

// FieldVisibility computes the fields viewerID may see for a submission
// under contract c, given the parties the rate is hidden from. A nil
// contract masks the rate for everybody.
func FieldVisibility(c *graph.ContractData, hiddenFrom []string, viewerID string) Visibility {
	rateVisible := IsContractParty(c, viewerID) && !contains(hiddenFrom, viewerID)

	v := Visibility{
		RateVisible:   rateVisible,
		VisibleFields: make([]string, 0, len(TimesheetFields)),
		MaskedFields:  []string{},
	}
	for _, f := range TimesheetFields {
		if f == FieldRate && !rateVisible {
			v.MaskedFields = append(v.MaskedFields, f)
			continue
		}
		v.VisibleFields = append(v.VisibleFields, f)
	}
	return v
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
