package server

import "vaultline/internal/domain"

type SubmitOperationRequest struct {
	ID             string `json:"id,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Destination    string `json:"destination"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type OperationResponse struct {
	ID            string                   `json:"id"`
	CorrelationID string                   `json:"correlation_id"`
	AccountID     string                   `json:"account_id"`
	Amount        int64                    `json:"amount"`
	Currency      string                   `json:"currency"`
	Destination   string                   `json:"destination"`
	Version       int64                    `json:"version"`
	Stage         string                   `json:"stage"`
	Risk          *domain.RiskAssessment   `json:"risk,omitempty"`
	Compliance    *domain.ComplianceResult `json:"compliance,omitempty"`
	Signatures    domain.SignatureStatus   `json:"signatures"`
	Outcome       string                   `json:"outcome,omitempty"`
	Reason        string                   `json:"reason,omitempty"`
	CreatedAt     string                   `json:"created_at"`
	UpdatedAt     string                   `json:"updated_at"`
}

func operationResponse(st domain.OperationState) OperationResponse {
	return OperationResponse{
		ID:            st.Request.ID,
		CorrelationID: st.Request.CorrelationID,
		AccountID:     st.Request.AccountID,
		Amount:        st.Request.Amount,
		Currency:      st.Request.Currency,
		Destination:   st.Request.Destination,
		Version:       st.Version,
		Stage:         string(st.Stage),
		Risk:          st.Risk,
		Compliance:    st.Compliance,
		Signatures:    st.Signatures,
		Outcome:       st.Outcome,
		Reason:        st.Reason,
		CreatedAt:     st.Request.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	}
}

func mapOperations(items []domain.OperationState) []OperationResponse {
	res := make([]OperationResponse, 0, len(items))
	for _, st := range items {
		res = append(res, operationResponse(st))
	}
	return res
}

type SubmitSignatureRequest struct {
	SignerID string `json:"signer_id"`
	Proof    string `json:"proof"`
}

type ResolveReviewRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note,omitempty"`
}

type CancelOperationRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateAccountRequest struct {
	ID                 string `json:"id"`
	Name               string `json:"name,omitempty"`
	RequiredSignatures int    `json:"required_signatures,omitempty"`
	Balance            int64  `json:"balance,omitempty"`
	Standing           string `json:"standing,omitempty" enum:"compliant,pending_kyc,requires_review,non_compliant"`
}

// AccountDetailResponse adds the authorized signer set to the account row.
type AccountDetailResponse struct {
	domain.Account
	Signers []string `json:"signers,omitempty"`
}

type AccountStatusRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

type AuditEventResponse struct {
	ID             string `json:"id"`
	Seq            int64  `json:"seq"`
	CorrelationID  string `json:"correlation_id"`
	Category       string `json:"category"`
	Severity       string `json:"severity"`
	ActorHash      string `json:"actor_hash"`
	TS             string `json:"ts"`
	Details        string `json:"details_json"`
	Classification string `json:"classification"`
	RetentionUntil string `json:"retention_until,omitempty"`
	Hash           string `json:"hash"`
	PrevHash       string `json:"prev_hash,omitempty"`
}

func auditEventResponse(e domain.AuditEvent) AuditEventResponse {
	return AuditEventResponse(e)
}

func mapAuditEvents(items []domain.AuditEvent) []AuditEventResponse {
	res := make([]AuditEventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, auditEventResponse(e))
	}
	return res
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}
