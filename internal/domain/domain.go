package domain

// Stage is the position of an operation in the authorization pipeline.
type Stage string

const (
	StageCreated            Stage = "created"
	StageRiskPending        Stage = "risk_pending"
	StageCompliancePending  Stage = "compliance_pending"
	StageManualReview       Stage = "manual_review"
	StageAwaitingSignatures Stage = "awaiting_signatures"
	StageAuthorized         Stage = "authorized"
	StageExecuting          Stage = "executing"
	StageCompleted          Stage = "completed"
	StageRejected           Stage = "rejected"
	StageFailed             Stage = "failed"
	StageCanceled           Stage = "canceled"
)

// Terminal reports whether no further transitions may leave the stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageRejected, StageFailed, StageCanceled:
		return true
	}
	return false
}

// Order returns the pipeline position for monotonicity checks. Terminal
// failure stages share the highest position so any forward move or move to a
// terminal is non-decreasing.
func (s Stage) Order() int {
	switch s {
	case StageCreated:
		return 0
	case StageRiskPending:
		return 1
	case StageCompliancePending:
		return 2
	case StageManualReview:
		return 3
	case StageAwaitingSignatures:
		return 4
	case StageAuthorized:
		return 5
	case StageExecuting:
		return 6
	default:
		return 7
	}
}

type OperationRequest struct {
	ID             string `json:"id"`
	CorrelationID  string `json:"correlation_id"`
	RequesterID    string `json:"requester_id"`
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Destination    string `json:"destination"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type RiskDecision string

const (
	RiskApprove RiskDecision = "approve"
	RiskReject  RiskDecision = "reject"
)

// RiskAssessment is produced once per operation unless re-assessment is
// explicitly triggered; immutable after creation.
type RiskAssessment struct {
	Score      int          `json:"score"`
	Factors    []string     `json:"factors,omitempty"`
	Decision   RiskDecision `json:"decision" enum:"approve,reject"`
	AssessedAt string       `json:"assessed_at" format:"date-time"`
}

type ComplianceStatus string

const (
	ComplianceClear   ComplianceStatus = "clear"
	ComplianceFlagged ComplianceStatus = "flagged"
	ComplianceBlocked ComplianceStatus = "blocked"
)

type ComplianceCheck struct {
	Name   string `json:"name"`
	Result string `json:"result"`
	Detail string `json:"detail,omitempty"`
}

type ComplianceResult struct {
	Status    ComplianceStatus  `json:"status" enum:"clear,flagged,blocked"`
	Checks    []ComplianceCheck `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp" format:"date-time"`
}

type SignatureRecord struct {
	OperationID string `json:"operation_id"`
	SignerID    string `json:"signer_id"`
	ProofHash   string `json:"proof_hash"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
}

// SignatureStatus summarizes threshold signature progress. Collected holds
// distinct signer ids; re-submission never grows it.
type SignatureStatus struct {
	Required  int      `json:"required"`
	Collected []string `json:"collected"`
	Complete  bool     `json:"complete"`
}

// OperationState is the versioned record owned by the operation store and
// mutated only through state-machine transitions.
type OperationState struct {
	Request    OperationRequest  `json:"request"`
	Version    int64             `json:"version"`
	Stage      Stage             `json:"stage"`
	Risk       *RiskAssessment   `json:"risk,omitempty"`
	Compliance *ComplianceResult `json:"compliance,omitempty"`
	Signatures SignatureStatus   `json:"signatures"`
	Outcome    string            `json:"outcome,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	UpdatedAt  string            `json:"updated_at" format:"date-time"`
}

const (
	AccountActive = "active"
	AccountFrozen = "frozen"
)

// Compliance standing of an account, maintained by KYC/periodic review
// processes outside the pipeline. Feeds the built-in risk assessor.
const (
	StandingCompliant      = "compliant"
	StandingPendingKYC     = "pending_kyc"
	StandingRequiresReview = "requires_review"
	StandingNonCompliant   = "non_compliant"
)

type Account struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Status             string `json:"status" enum:"active,frozen"`
	RequiredSignatures int    `json:"required_signatures"`
	Balance            int64  `json:"balance"`
	Standing           string `json:"standing" enum:"compliant,pending_kyc,requires_review,non_compliant"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

// Account-scoped capability roles.
const (
	RoleOwner    = "owner"
	RoleOperator = "operator"
	RoleSigner   = "signer"
	RoleReviewer = "reviewer"
	RoleAuditor  = "auditor"
)

// Data classification tags drive audit retention.
const (
	ClassPublic       = "public"
	ClassInternal     = "internal"
	ClassConfidential = "confidential"
	ClassPersonal     = "personal_data"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// AuditEvent is an append-only, hash-chained record of one accepted
// transition or audited action. ActorHash is a keyed pseudonym, never the
// raw actor id.
type AuditEvent struct {
	ID             string `json:"id"`
	Seq            int64  `json:"seq"`
	CorrelationID  string `json:"correlation_id"`
	Category       string `json:"category"`
	Severity       string `json:"severity"`
	ActorHash      string `json:"actor_hash"`
	TS             string `json:"ts" format:"date-time"`
	Details        string `json:"details_json"`
	Classification string `json:"classification"`
	RetentionUntil string `json:"retention_until,omitempty" format:"date-time"`
	Hash           string `json:"hash"`
	PrevHash       string `json:"prev_hash,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RoleBinding struct {
	AccountID string `json:"account_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
