package model

import "time"

// CaseStatus tracks an investigation case through its stages. A case reaches
// exactly one terminal status and is archived with its full audit trail,
// never deleted.
type CaseStatus string

const (
	CaseDetected      CaseStatus = "detected"
	CaseHypothesizing CaseStatus = "hypothesizing"
	CaseCollecting    CaseStatus = "collecting_evidence"
	CaseDiagnosing    CaseStatus = "diagnosing"
	CaseFixPending    CaseStatus = "fix_pending_approval"
	CaseFixedAuto     CaseStatus = "fixed_auto"
	CaseFixedApproved CaseStatus = "fixed_approved"
	CaseEscalated     CaseStatus = "escalated_unresolved"
)

// IsTerminal reports whether the case has closed.
func (s CaseStatus) IsTerminal() bool {
	switch s {
	case CaseFixedAuto, CaseFixedApproved, CaseEscalated:
		return true
	}
	return false
}

// Hypothesis is one candidate root cause with a prior likelihood and the
// lookups that would confirm or refute it.
type Hypothesis struct {
	Cause             string   `json:"cause"`
	Likelihood        float64  `json:"likelihood"`
	VerificationSteps []string `json:"verification_steps"`
}

// Evidence is one verification step's result, tied to the hypothesis that
// asked for it.
type Evidence struct {
	Hypothesis  string    `json:"hypothesis"`
	Step        string    `json:"step"`
	Result      string    `json:"result"`
	Supports    bool      `json:"supports"`
	CollectedAt time.Time `json:"collected_at"`
}

// Diagnosis is the outcome of evaluating evidence against the hypotheses.
type Diagnosis struct {
	Cause      string  `json:"cause"`
	Confidence float64 `json:"confidence"`
	Unresolved bool    `json:"unresolved"`
	Rationale  string  `json:"rationale,omitempty"`
}

// ProposedFix is the corrective action derived from a confirmed diagnosis.
// Below the auto-fix confidence threshold it is persisted pending approval;
// at or above it, applied immediately.
type ProposedFix struct {
	Token       string           `json:"token"`
	CaseID      string           `json:"case_id"`
	EntityID    string           `json:"entity_id"`
	Assertions  []AssertionInput `json:"assertions,omitempty"`
	ResetStatus Status           `json:"reset_status,omitempty"`
	Summary     string           `json:"summary"`
	Applied     bool             `json:"applied"`
	CreatedAt   time.Time        `json:"created_at"`
	AppliedAt   *time.Time       `json:"applied_at,omitempty"`
}

// Case is the full record of one investigation: anomaly, hypotheses,
// evidence, diagnosis, fix, and prevention rule.
type Case struct {
	ID             string       `json:"id"`
	EntityID       string       `json:"entity_id"`
	Anomaly        Anomaly      `json:"anomaly"`
	Related        []Anomaly    `json:"related,omitempty"`
	Hypotheses     []Hypothesis `json:"hypotheses,omitempty"`
	Evidence       []Evidence   `json:"evidence,omitempty"`
	Diagnosis      *Diagnosis   `json:"diagnosis,omitempty"`
	FixToken       string       `json:"fix_token,omitempty"`
	PreventionRule string       `json:"prevention_rule,omitempty"`
	Status         CaseStatus   `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
