package model

import (
	"strings"

	"creditcore.io/internal/apperr"
)

// Validate checks the rule invariants.
func (r ApprovalRule) Validate() error {
	if strings.TrimSpace(r.CompanyID) == "" {
		return apperr.New(apperr.KindInvalidInput, "company_id is required")
	}
	if r.MinCredits < 0 {
		return apperr.New(apperr.KindInvalidAmount, "min_credits must be >= 0")
	}
	if r.MaxCredits != nil && *r.MaxCredits <= r.MinCredits {
		return apperr.New(apperr.KindInvalidAmount, "max_credits must be greater than min_credits")
	}
	if !r.ApproverRole.Valid() {
		return apperr.New(apperr.KindInvalidInput, "approver_role must be auto, approver or admin")
	}
	if (r.EscalationHours == nil) != (r.EscalateTo == nil) {
		return apperr.New(apperr.KindInvalidInput, "escalation_hours and escalate_to must be set together")
	}
	if r.EscalationHours != nil && *r.EscalationHours <= 0 {
		return apperr.New(apperr.KindInvalidInput, "escalation_hours must be > 0")
	}
	if r.EscalateTo != nil && *r.EscalateTo != LevelApprover && *r.EscalateTo != LevelAdmin {
		return apperr.New(apperr.KindInvalidInput, "escalate_to must be approver or admin")
	}
	return nil
}

// Validate checks the assignment invariants.
func (a ApproverAssignment) Validate() error {
	switch {
	case strings.TrimSpace(a.CompanyID) == "":
		return apperr.New(apperr.KindInvalidInput, "company_id is required")
	case strings.TrimSpace(a.TeamID) == "":
		return apperr.New(apperr.KindInvalidInput, "team_id is required")
	case strings.TrimSpace(a.UserID) == "":
		return apperr.New(apperr.KindInvalidInput, "user_id is required")
	}
	if a.Level != LevelApprover && a.Level != LevelAdmin {
		return apperr.New(apperr.KindInvalidInput, "level must be approver or admin")
	}
	if a.ApprovalCeiling != nil && *a.ApprovalCeiling < 0 {
		return apperr.New(apperr.KindInvalidAmount, "approval_ceiling must be >= 0")
	}
	set := 0
	if a.DelegateTo != nil {
		set++
	}
	if a.DelegateStart != nil {
		set++
	}
	if a.DelegateEnd != nil {
		set++
	}
	if set != 0 && set != 3 {
		return apperr.New(apperr.KindInvalidInput, "delegate_to, delegate_start and delegate_end must be set together")
	}
	if set == 3 {
		if strings.TrimSpace(*a.DelegateTo) == "" {
			return apperr.New(apperr.KindInvalidInput, "delegate_to must not be empty")
		}
		if a.DelegateEnd.Before(*a.DelegateStart) {
			return apperr.New(apperr.KindInvalidInput, "delegate_end must not be before delegate_start")
		}
	}
	return nil
}
