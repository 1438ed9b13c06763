// README: Dispute aggregate and its open -> investigating -> resolved|rejected flow.
package dispute

import (
	"time"

	"farmdrop/internal/types"
)

type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusRejected      Status = "rejected"
)

func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusRejected
}

type Type string

const (
	TypeDeliveryIssue Type = "delivery_issue"
	TypeWrongAddress  Type = "wrong_address"
	TypeAccessProblem Type = "access_problem"
	TypeMissingItem   Type = "missing_item"
	TypeDamagedItem   Type = "damaged_item"
	TypeQuality       Type = "quality_issue"
	TypeOther         Type = "other"
)

var knownTypes = map[Type]bool{
	TypeDeliveryIssue: true,
	TypeWrongAddress:  true,
	TypeAccessProblem: true,
	TypeMissingItem:   true,
	TypeDamagedItem:   true,
	TypeQuality:       true,
	TypeOther:         true,
}

// DeliverySpecific reports whether a driver may raise a dispute of this type.
func (t Type) DeliverySpecific() bool {
	return t == TypeDeliveryIssue || t == TypeWrongAddress || t == TypeAccessProblem
}

type Action string

const (
	ActionAcknowledge Action = "acknowledge"
	ActionResolve     Action = "resolve"
	ActionReject      Action = "reject"
)

var transitions = map[Status]map[Action]Status{
	StatusOpen: {
		ActionAcknowledge: StatusInvestigating,
		ActionReject:      StatusRejected,
	},
	StatusInvestigating: {
		ActionResolve: StatusResolved,
		ActionReject:  StatusRejected,
	},
}

func next(from Status, a Action) (Status, bool) {
	to, ok := transitions[from][a]
	return to, ok
}

type Dispute struct {
	ID             types.ID     `json:"id"`
	OrderID        types.ID     `json:"order_id"`
	ConsumerID     types.ID     `json:"consumer_id"`
	ReporterID     types.ID     `json:"reporter_id"`
	ReporterRole   types.Role   `json:"reporter_role"`
	Type           Type         `json:"type"`
	Description    string       `json:"description"`
	Status         Status       `json:"status"`
	StatusVersion  int          `json:"status_version"`
	Resolution     *string      `json:"resolution,omitempty"`
	RefundAmount   *types.Money `json:"refund_amount,omitempty"`
	RefundRef      *string      `json:"refund_ref,omitempty"`
	ResolverID     *types.ID    `json:"resolver_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	AcknowledgedAt *time.Time   `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}

// RefundPending is true for a resolved dispute whose refund instruction has not
// been accepted yet.
func (d *Dispute) RefundPending() bool {
	return d.Status == StatusResolved && d.RefundAmount != nil && d.RefundRef == nil
}
