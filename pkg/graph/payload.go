package graph

import (
	"encoding/json"
	"fmt"
)

// NodeData is the closed set of node payloads.
type NodeData interface {
	nodeType() NodeType
}

// EdgeData is the closed set of edge payloads.
type EdgeData interface {
	edgeType() EdgeType
}

// PartyType classifies an organisational or individual actor.
type PartyType string

const (
	PartyClient     PartyType = "client"
	PartyAgency     PartyType = "agency"
	PartyCompany    PartyType = "company"
	PartyContractor PartyType = "contractor"
	PartyFreelancer PartyType = "freelancer"
)

// PartyData is the payload of a party node.
type PartyData struct {
	Name              string    `json:"name"`
	PartyType         PartyType `json:"partyType"`
	Role              string    `json:"role,omitempty"`
	CanApprove        bool      `json:"canApprove"`
	CanViewRates      bool      `json:"canViewRates"`
	CanEditTimesheets bool      `json:"canEditTimesheets"`
	OrganizationID    *string   `json:"organizationId,omitempty"`
}

// ContractType is the billing model of a contract.
type ContractType string

const (
	ContractHourly ContractType = "hourly"
	ContractDaily  ContractType = "daily"
	ContractFixed  ContractType = "fixed"
	ContractCustom ContractType = "custom"
)

// ContractParties names the two party nodes bound by a contract.
type ContractParties struct {
	PartyA string `json:"partyA"`
	PartyB string `json:"partyB"`
}

// ContractVisibility lists parties the rate is explicitly hidden from.
type ContractVisibility struct {
	HideRateFrom []string `json:"hideRateFrom"`
}

// ContractData is the payload of a contract node.
type ContractData struct {
	Name             string             `json:"name,omitempty"`
	ContractType     ContractType       `json:"contractType"`
	HourlyRate       *float64           `json:"hourlyRate,omitempty"`
	DailyRate        *float64           `json:"dailyRate,omitempty"`
	FixedAmount      *float64           `json:"fixedAmount,omitempty"`
	Currency         string             `json:"currency,omitempty"`
	Parties          ContractParties    `json:"parties"`
	Visibility       ContractVisibility `json:"visibility"`
	WeeklyHourLimit  *float64           `json:"weeklyHourLimit,omitempty"`
	MonthlyHourLimit *float64           `json:"monthlyHourLimit,omitempty"`
}

// IsParty reports whether id is one of the two contract parties.
func (c *ContractData) IsParty(id string) bool {
	return id != "" && (c.Parties.PartyA == id || c.Parties.PartyB == id)
}

// Rate returns the headline rate for the contract type, if any.
func (c *ContractData) Rate() (float64, bool) {
	var r *float64
	switch c.ContractType {
	case ContractHourly:
		r = c.HourlyRate
	case ContractDaily:
		r = c.DailyRate
	case ContractFixed:
		r = c.FixedAmount
	default:
		for _, candidate := range []*float64{c.HourlyRate, c.DailyRate, c.FixedAmount} {
			if candidate != nil {
				r = candidate
				break
			}
		}
	}
	if r == nil {
		return 0, false
	}
	return *r, true
}

// PersonData is the payload of a person node.
type PersonData struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// ApprovalData is the payload of an approves edge. Order is a pointer so a
// missing order can be told apart from zero.
type ApprovalData struct {
	Order    *int   `json:"order,omitempty"`
	Required bool   `json:"required"`
	WorkType string `json:"workType,omitempty"`
}

// FundingData is the payload of a funds edge.
type FundingData struct {
	Amount      float64 `json:"amount"`
	FundingType string  `json:"fundingType,omitempty"`
}

// SubcontractData is the payload of a subcontracts edge.
type SubcontractData struct {
	Role   string   `json:"role,omitempty"`
	Markup *float64 `json:"markup,omitempty"`
}

func (*PartyData) nodeType() NodeType    { return NodeParty }
func (*ContractData) nodeType() NodeType { return NodeContract }
func (*PersonData) nodeType() NodeType   { return NodePerson }

func (*ApprovalData) edgeType() EdgeType    { return EdgeApproves }
func (*FundingData) edgeType() EdgeType     { return EdgeFunds }
func (*SubcontractData) edgeType() EdgeType { return EdgeSubcontracts }

func decodeNodeData(t NodeType, raw json.RawMessage) (NodeData, error) {
	var data NodeData
	switch t {
	case NodeParty:
		data = &PartyData{}
	case NodeContract:
		data = &ContractData{}
	case NodePerson:
		data = &PersonData{}
	default:
		return nil, fmt.Errorf("unknown node type %q", t)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return data, nil
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", t, err)
	}
	return data, nil
}

func decodeEdgeData(t EdgeType, raw json.RawMessage) (EdgeData, error) {
	var data EdgeData
	switch t {
	case EdgeApproves:
		data = &ApprovalData{}
	case EdgeFunds:
		data = &FundingData{}
	case EdgeSubcontracts:
		data = &SubcontractData{}
	case EdgeBillsTo, EdgeAssigns, EdgeWorksOn:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown edge type %q", t)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return data, nil
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", t, err)
	}
	return data, nil
}

func cloneNodeData(d NodeData) NodeData {
	switch v := d.(type) {
	case *PartyData:
		if v == nil {
			return v
		}
		c := *v
		c.OrganizationID = cloneString(v.OrganizationID)
		return &c
	case *ContractData:
		if v == nil {
			return v
		}
		c := *v
		c.HourlyRate = cloneFloat(v.HourlyRate)
		c.DailyRate = cloneFloat(v.DailyRate)
		c.FixedAmount = cloneFloat(v.FixedAmount)
		c.WeeklyHourLimit = cloneFloat(v.WeeklyHourLimit)
		c.MonthlyHourLimit = cloneFloat(v.MonthlyHourLimit)
		if v.Visibility.HideRateFrom != nil {
			c.Visibility.HideRateFrom = append([]string(nil), v.Visibility.HideRateFrom...)
		}
		return &c
	case *PersonData:
		if v == nil {
			return v
		}
		c := *v
		return &c
	}
	return d
}

func cloneEdgeData(d EdgeData) EdgeData {
	switch v := d.(type) {
	case *ApprovalData:
		if v == nil {
			return v
		}
		c := *v
		if v.Order != nil {
			o := *v.Order
			c.Order = &o
		}
		return &c
	case *FundingData:
		if v == nil {
			return v
		}
		c := *v
		return &c
	case *SubcontractData:
		if v == nil {
			return v
		}
		c := *v
		c.Markup = cloneFloat(v.Markup)
		return &c
	}
	return d
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// IntPtr is a convenience for building approval orders in code.
func IntPtr(v int) *int { return &v }

// FloatPtr is a convenience for optional numeric fields.
func FloatPtr(v float64) *float64 { return &v }
