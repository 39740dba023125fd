package workflow

import (
	"github.com/BTreeMap/CopyPilot/internal/models"
)

// Notice codes shown next to the workflow without changing its state.
const (
	NoticeInsufficientCredits = "insufficient_credits"
	NoticeConsumeFailed       = "credit_consume_failed"
	NoticeLowCredits          = "low_credits"
	NoticeRefinementFailed    = "refinement_failed"
	NoticeProjectCleared      = "project_cleared"
)

// Notice is a non-blocking message for the user.
type Notice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Actions lists which user actions the current state offers.
type Actions struct {
	CanEdit          bool `json:"can_edit"`
	CanSubmit        bool `json:"can_submit"`
	CanRefine        bool `json:"can_refine"`
	CanReset         bool `json:"can_reset"`
	CanRetry         bool `json:"can_retry"`
	CanBack          bool `json:"can_back"`
	CanCreateProject bool `json:"can_create_project"`
	CanExport        bool `json:"can_export"`
}

// View is a point-in-time snapshot of a session for rendering.
type View struct {
	SessionID     string                 `json:"session_id"`
	ClientSession string                 `json:"client_session"`
	State         models.StateType       `json:"state"`
	Request       models.AnalysisRequest `json:"request"`
	Result        *models.AnalysisResult `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Notices       []Notice               `json:"notices,omitempty"`
	Balance       *models.CreditBalance  `json:"balance,omitempty"`
	Actions       Actions                `json:"actions"`
}

// HasNotice reports whether the view carries a notice with code.
func (v View) HasNotice(code string) bool {
	for _, n := range v.Notices {
		if n.Code == code {
			return true
		}
	}
	return false
}

func (o *Orchestrator) viewLocked() View {
	v := View{
		SessionID:     o.id,
		ClientSession: o.clientSession,
		State:         o.state,
		Request:       o.request,
		Error:         o.lastError,
	}
	if o.result != nil {
		res := o.result.Clone()
		v.Result = &res
	}
	if len(o.notices) > 0 {
		v.Notices = append([]Notice(nil), o.notices...)
	}
	if o.balance != nil {
		b := *o.balance
		v.Balance = &b
	}
	if o.closed {
		return v
	}

	req := o.request
	switch o.state {
	case models.StateInput:
		v.Actions.CanEdit = true
		v.Actions.CanSubmit = req.Validate(o.cfg.MinCopyLength) == nil
		v.Actions.CanReset = true
		v.Actions.CanCreateProject = true
	case models.StateResults:
		v.Actions.CanRefine = !o.refineDisabled && o.result != nil && o.deps.Refiner.CanRefine(*o.result)
		v.Actions.CanReset = true
		v.Actions.CanExport = o.result != nil
	case models.StateError:
		v.Actions.CanEdit = true
		v.Actions.CanRetry = true
		v.Actions.CanBack = true
		v.Actions.CanReset = true
	}
	return v
}
