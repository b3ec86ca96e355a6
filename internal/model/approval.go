package model

import "time"

// Status of a credit request.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusFulfilled Status = "fulfilled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusApproved, StatusDenied, StatusCancelled, StatusExpired, StatusFulfilled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusDenied, StatusCancelled, StatusExpired, StatusFulfilled:
		return true
	}
	return false
}

// transitions lists every legal edge of the request state machine.
var transitions = map[Status][]Status{
	StatusDraft:    {StatusPending, StatusApproved, StatusCancelled},
	StatusPending:  {StatusApproved, StatusDenied, StatusCancelled, StatusExpired},
	StatusApproved: {StatusFulfilled, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// draft -> approved is the auto-approval edge taken by submit.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Level is the routing outcome of a request.
type Level string

const (
	LevelAuto     Level = "auto"
	LevelApprover Level = "approver"
	LevelAdmin    Level = "admin"
)

func (l Level) Valid() bool { return l == LevelAuto || l == LevelApprover || l == LevelAdmin }

// Role of a caller inside its company.
type Role string

const (
	RoleMember   Role = "member"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool { return r == RoleMember || r == RoleApprover || r == RoleAdmin }

// RequestType is the fixed set of credit-priced actions.
type RequestType string

const (
	TypeSupplierAssessment RequestType = "supplier_assessment"
	TypeRiskReport         RequestType = "risk_report"
	TypeDeepResearch       RequestType = "deep_research"
	TypeMonitoring         RequestType = "monitoring"
	TypeDataExport         RequestType = "data_export"
	TypeOther              RequestType = "other"
)

func (t RequestType) Valid() bool {
	switch t {
	case TypeSupplierAssessment, TypeRiskReport, TypeDeepResearch, TypeMonitoring, TypeDataExport, TypeOther:
		return true
	}
	return false
}

// Request is a requester's ask for a credit-priced action.
type Request struct {
	ID               string         `json:"id"`
	CompanyID        string         `json:"company_id"`
	AccountID        string         `json:"account_id"`
	TeamID           string         `json:"team_id"`
	RequesterID      string         `json:"requester_id"`
	Type             RequestType    `json:"type"`
	Status           Status         `json:"status"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	EstimatedCredits int64          `json:"estimated_credits"`
	ActualCredits    *int64         `json:"actual_credits,omitempty"`
	ApprovalLevel    Level          `json:"approval_level,omitempty"`
	RuleID           string         `json:"rule_id,omitempty"`
	CurrentApprover  string         `json:"current_approver,omitempty"`
	EscalationCount  int            `json:"escalation_count"`
	DecisionReason   string         `json:"decision_reason,omitempty"`
	DecisionCode     string         `json:"decision_code,omitempty"`
	DecidedBy        string         `json:"decided_by,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	SubmittedAt      *time.Time     `json:"submitted_at,omitempty"`
	DecidedAt        *time.Time     `json:"decided_at,omitempty"`
	FulfilledAt      *time.Time     `json:"fulfilled_at,omitempty"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
}

// RequestFilter narrows request listings.
type RequestFilter struct {
	CompanyID       string
	TeamID          string
	RequesterID     string
	CurrentApprover string
	ApprovalLevel   Level
	Statuses        []Status
	Limit           int
	Offset          int
}

// DueCursor pages through due pending requests in (expires_at, id) order.
type DueCursor struct {
	ExpiresAt time.Time
	ID        string
}

// ApprovalRule routes requests of a company by estimated credits.
type ApprovalRule struct {
	ID              string    `json:"id"`
	CompanyID       string    `json:"company_id"`
	Name            string    `json:"name,omitempty"`
	MinCredits      int64     `json:"min_credits"`
	MaxCredits      *int64    `json:"max_credits,omitempty"` // nil = unbounded
	ApproverRole    Level     `json:"approver_role"`
	EscalationHours *int      `json:"escalation_hours,omitempty"`
	EscalateTo      *Level    `json:"escalate_to,omitempty"`
	Priority        int       `json:"priority"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Matches reports whether amount falls inside [min, max].
func (r ApprovalRule) Matches(amount int64) bool {
	if amount < r.MinCredits {
		return false
	}
	if r.MaxCredits != nil && amount > *r.MaxCredits {
		return false
	}
	return true
}

// Escalates reports whether the rule carries an escalation target.
func (r ApprovalRule) Escalates() bool {
	return r.EscalationHours != nil && r.EscalateTo != nil
}

// EscalationInterval returns the SLA interval of the rule.
func (r ApprovalRule) EscalationInterval() time.Duration {
	if r.EscalationHours == nil {
		return 0
	}
	return time.Duration(*r.EscalationHours) * time.Hour
}

// ApproverAssignment maps a user to a team at an approval level.
type ApproverAssignment struct {
	ID              string     `json:"id"`
	CompanyID       string     `json:"company_id"`
	TeamID          string     `json:"team_id"`
	UserID          string     `json:"user_id"`
	Level           Level      `json:"level"`
	ApprovalCeiling *int64     `json:"approval_ceiling,omitempty"`
	DelegateTo      *string    `json:"delegate_to,omitempty"`
	DelegateStart   *time.Time `json:"delegate_start,omitempty"`
	DelegateEnd     *time.Time `json:"delegate_end,omitempty"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EffectiveUser returns the delegate while the delegation window covers at,
// otherwise the assignee.
func (a ApproverAssignment) EffectiveUser(at time.Time) string {
	if a.DelegateTo == nil || a.DelegateStart == nil || a.DelegateEnd == nil {
		return a.UserID
	}
	day := truncateDay(at)
	if !day.Before(truncateDay(*a.DelegateStart)) && !day.After(truncateDay(*a.DelegateEnd)) {
		return *a.DelegateTo
	}
	return a.UserID
}

// CoversAmount reports whether the approval ceiling admits amount.
func (a ApproverAssignment) CoversAmount(amount int64) bool {
	return a.ApprovalCeiling == nil || *a.ApprovalCeiling >= amount
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EventKind labels an approval audit event.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventSubmitted    EventKind = "submitted"
	EventAutoApproved EventKind = "auto_approved"
	EventApproved     EventKind = "approved"
	EventDenied       EventKind = "denied"
	EventEscalated    EventKind = "escalated"
	EventReassigned   EventKind = "reassigned"
	EventCancelled    EventKind = "cancelled"
	EventExpired      EventKind = "expired"
	EventFulfilled    EventKind = "fulfilled"
	EventComment      EventKind = "comment"
)

// ApprovalEvent is an immutable audit record of a request.
type ApprovalEvent struct {
	ID             string         `json:"id"`
	Sequence       int64          `json:"sequence"`
	RequestID      string         `json:"request_id"`
	CompanyID      string         `json:"company_id"`
	Kind           EventKind      `json:"kind"`
	ActorID        string         `json:"actor_id,omitempty"`
	System         bool           `json:"system"`
	FromStatus     Status         `json:"from_status,omitempty"`
	ToStatus       Status         `json:"to_status"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
