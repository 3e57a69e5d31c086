package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"vaultline/internal/audit"
	"vaultline/internal/compliance"
	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/engine/auth"
	"vaultline/internal/risk"
	"vaultline/internal/signatures"
	"vaultline/internal/store"
)

// Executor settles an authorized operation against the ledger and returns a
// settlement reference.
type Executor interface {
	Execute(ctx context.Context, st domain.OperationState) (string, error)
}

type Engine struct {
	DB         *sql.DB
	Store      store.Store
	Audit      audit.Emitter
	Auth       auth.Service
	Risk       risk.Client
	Compliance compliance.Client
	Verifier   signatures.Verifier
	Executor   Executor
	Config     *config.Config
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	st := store.Store{DB: db}
	retention := map[string]int{
		domain.ClassPublic:       cfg.RetentionDays(domain.ClassPublic),
		domain.ClassInternal:     cfg.RetentionDays(domain.ClassInternal),
		domain.ClassConfidential: cfg.RetentionDays(domain.ClassConfidential),
		domain.ClassPersonal:     cfg.RetentionDays(domain.ClassPersonal),
	}
	return Engine{
		DB:    db,
		Store: st,
		Audit: audit.Emitter{DB: db, Key: []byte(cfg.Audit.PseudonymKey), Retention: retention},
		Auth:  auth.Service{DB: db},
		Risk: risk.Client{
			Service:   risk.Scorer{Store: st, LargeAmount: cfg.Policy.Intake.MaxAmount},
			Threshold: cfg.Policy.Risk.Threshold,
			Timeout:   time.Duration(cfg.Policy.Risk.TimeoutMS) * time.Millisecond,
			Retry:     cfg.Policy.Risk.Retry,
		},
		Compliance: compliance.Client{
			Service: compliance.Screener{
				Store:          st,
				Sanctioned:     cfg.Policy.Compliance.Sanctioned,
				FlagAmount:     cfg.Policy.Compliance.FlagAmount,
				VelocityMax:    cfg.Policy.Compliance.VelocityMax,
				VelocityWindow: time.Duration(cfg.Policy.Compliance.VelocityWindowHours) * time.Hour,
			},
			Timeout: time.Duration(cfg.Policy.Compliance.TimeoutMS) * time.Millisecond,
			Retry:   cfg.Policy.Compliance.Retry,
		},
		Verifier: signatures.HMACVerifier{Key: []byte(cfg.Policy.Signatures.ProofKey)},
		Executor: LedgerExecutor{},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// allowedTransitions is the authoritative stage graph. Any move not listed
// here is rejected regardless of caller.
var allowedTransitions = map[domain.Stage]map[domain.Stage]bool{
	domain.StageCreated: {
		domain.StageRiskPending: true,
		domain.StageCanceled:    true,
	},
	domain.StageRiskPending: {
		domain.StageCompliancePending: true,
		domain.StageRejected:          true,
		domain.StageFailed:            true,
		domain.StageCanceled:          true,
	},
	domain.StageCompliancePending: {
		domain.StageManualReview:       true,
		domain.StageAwaitingSignatures: true,
		domain.StageRejected:           true,
		domain.StageFailed:             true,
		domain.StageCanceled:           true,
	},
	domain.StageManualReview: {
		domain.StageAwaitingSignatures: true,
		domain.StageRejected:           true,
		domain.StageCanceled:           true,
	},
	domain.StageAwaitingSignatures: {
		domain.StageAuthorized: true,
		domain.StageCanceled:   true,
	},
	domain.StageAuthorized: {
		domain.StageExecuting: true,
	},
	domain.StageExecuting: {
		domain.StageCompleted: true,
		domain.StageFailed:    true,
	},
}

// transition bundles everything one stage move needs: the target, the audit
// event shape, and the terminal outcome when the target is terminal.
type transition struct {
	to             domain.Stage
	category       string
	severity       string
	classification string
	outcome        string
	reason         string
	actorID        string
	details        audit.Details
}

// apply performs a guarded CAS move and appends exactly one audit event, all
// inside the caller's transaction. The event id is derived from the
// transition itself, so a replay after a crash-between-write-and-ack lands on
// the same id and is ignored.
func (e Engine) apply(ctx context.Context, tx *sql.Tx, st domain.OperationState, tr transition) (domain.OperationState, error) {
	if !allowedTransitions[st.Stage][tr.to] {
		return st, domain.InvalidStateError{Stage: st.Stage, Action: "move to " + string(tr.to)}
	}
	next := st
	next.Stage = tr.to
	if tr.outcome != "" {
		next.Outcome = tr.outcome
	}
	if tr.reason != "" {
		next.Reason = tr.reason
	}
	next.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	next, err := e.Store.CompareAndSwap(ctx, tx, next, st.Version)
	if err != nil {
		return st, err
	}
	details := audit.Details{}
	for k, v := range tr.details {
		details[k] = v
	}
	details["from"] = string(st.Stage)
	details["to"] = string(tr.to)
	err = e.Audit.Append(ctx, tx, audit.Entry{
		ID:             audit.TransitionEventID(st.Request.ID, st.Stage, tr.to, st.Version),
		CorrelationID:  st.Request.CorrelationID,
		Category:       tr.category,
		Severity:       tr.severity,
		ActorID:        tr.actorID,
		Details:        details,
		Classification: tr.classification,
	})
	return next, err
}

// applyTx runs apply in its own transaction.
func (e Engine) applyTx(ctx context.Context, st domain.OperationState, tr transition) (domain.OperationState, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return st, err
	}
	defer tx.Rollback()
	next, err := e.apply(ctx, tx, st, tr)
	if err != nil {
		return st, err
	}
	if err := tx.Commit(); err != nil {
		return st, err
	}
	return next, nil
}

// SubmitOptions are the parameters of a new fund-movement request.
type SubmitOptions struct {
	ID             string
	CorrelationID  string
	AccountID      string
	Amount         int64
	Currency       string
	Destination    string
	IdempotencyKey string
	ActorID        string
}

// Submit validates, persists, and enters a new operation into the pipeline.
// The returned state is already at risk_pending.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.OperationState, error) {
	if e.Config == nil {
		return domain.OperationState{}, errors.New("config not loaded")
	}
	intake := e.Config.Policy.Intake
	if opts.Amount > intake.MaxAmount {
		return domain.OperationState{}, domain.ValidationError{Field: "amount", Reason: "exceeds intake maximum"}
	}
	if len(intake.Currencies) > 0 && !contains(intake.Currencies, opts.Currency) {
		return domain.OperationState{}, domain.ValidationError{Field: "currency", Reason: fmt.Sprintf("%s not accepted", opts.Currency)}
	}
	account, err := e.Store.GetAccount(ctx, opts.AccountID)
	if err != nil {
		return domain.OperationState{}, err
	}
	if account.Status == domain.AccountFrozen {
		return domain.OperationState{}, domain.PolicyViolation{Gate: "intake", Reason: "account frozen"}
	}
	required := account.RequiredSignatures
	if required < 1 {
		required = e.Config.Policy.Signatures.DefaultRequired
	}
	if required > e.Config.Policy.Signatures.MaxRequired {
		required = e.Config.Policy.Signatures.MaxRequired
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	correlation := opts.CorrelationID
	if correlation == "" {
		correlation = id
	}
	now := e.now().UTC().Format(time.RFC3339)
	req := domain.OperationRequest{
		ID:             id,
		CorrelationID:  correlation,
		RequesterID:    opts.ActorID,
		AccountID:      opts.AccountID,
		Amount:         opts.Amount,
		Currency:       opts.Currency,
		Destination:    opts.Destination,
		IdempotencyKey: opts.IdempotencyKey,
		CreatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OperationState{}, err
	}
	defer tx.Rollback()

	st, err := e.Store.CreateOperation(ctx, tx, req, required, time.Duration(intake.DedupWindowHours)*time.Hour)
	if err != nil {
		return domain.OperationState{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		ID:            audit.TransitionEventID(id, "", domain.StageCreated, 0),
		CorrelationID: correlation,
		Category:      "operation.submitted",
		ActorID:       opts.ActorID,
		Details: audit.Details{
			"account_id": opts.AccountID,
			"amount":     fmt.Sprintf("%d", opts.Amount),
			"currency":   opts.Currency,
		},
		Classification: domain.ClassConfidential,
	}); err != nil {
		return domain.OperationState{}, err
	}
	st, err = e.apply(ctx, tx, st, transition{
		to:             domain.StageRiskPending,
		category:       "operation.accepted",
		classification: domain.ClassInternal,
		actorID:        opts.ActorID,
	})
	if err != nil {
		return domain.OperationState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OperationState{}, err
	}
	return st, nil
}

// Advance drives one pending stage forward: risk assessment, compliance
// screening, or execution dispatch. Parked and terminal stages return
// unchanged.
func (e Engine) Advance(ctx context.Context, operationID, actorID string) (domain.OperationState, error) {
	st, err := e.Store.GetOperation(ctx, operationID)
	if err != nil {
		return st, err
	}
	switch st.Stage {
	case domain.StageRiskPending:
		return e.assessRisk(ctx, st, actorID)
	case domain.StageCompliancePending:
		return e.screenCompliance(ctx, st, actorID)
	case domain.StageAuthorized:
		return e.execute(ctx, st, actorID)
	}
	return st, nil
}

// Run advances an operation until it parks, terminates, or errors.
func (e Engine) Run(ctx context.Context, operationID, actorID string) (domain.OperationState, error) {
	for {
		st, err := e.Advance(ctx, operationID, actorID)
		if err != nil {
			return st, err
		}
		switch st.Stage {
		case domain.StageRiskPending, domain.StageCompliancePending, domain.StageAuthorized:
			continue
		}
		return st, nil
	}
}

func (e Engine) assessRisk(ctx context.Context, st domain.OperationState, actorID string) (domain.OperationState, error) {
	a, err := e.Risk.Assess(ctx, st.Request.AccountID, st.Request.Amount)
	if err != nil {
		return e.resolveOutage(ctx, st, actorID, err)
	}
	st.Risk = &a
	if a.Decision == domain.RiskReject {
		return e.applyTx(ctx, st, transition{
			to:             domain.StageRejected,
			category:       "risk.assessed",
			severity:       domain.SeverityWarning,
			classification: domain.ClassInternal,
			outcome:        "rejected",
			reason:         fmt.Sprintf("risk score %d at or above threshold", a.Score),
			actorID:        actorID,
			details:        audit.Details{"score": fmt.Sprintf("%d", a.Score), "decision": string(a.Decision)},
		})
	}
	return e.applyTx(ctx, st, transition{
		to:             domain.StageCompliancePending,
		category:       "risk.assessed",
		classification: domain.ClassInternal,
		actorID:        actorID,
		details:        audit.Details{"score": fmt.Sprintf("%d", a.Score), "decision": string(a.Decision)},
	})
}

func (e Engine) screenCompliance(ctx context.Context, st domain.OperationState, actorID string) (domain.OperationState, error) {
	res, err := e.Compliance.Check(ctx, st.Request.ID, st.Request.AccountID)
	if err != nil {
		return e.resolveOutage(ctx, st, actorID, err)
	}
	st.Compliance = &res
	switch res.Status {
	case domain.ComplianceBlocked:
		return e.applyTx(ctx, st, transition{
			to:             domain.StageRejected,
			category:       "compliance.screened",
			severity:       domain.SeverityWarning,
			classification: domain.ClassConfidential,
			outcome:        "rejected",
			reason:         "blocked by compliance screening",
			actorID:        actorID,
			details:        audit.Details{"status": string(res.Status)},
		})
	case domain.ComplianceFlagged:
		return e.applyTx(ctx, st, transition{
			to:             domain.StageManualReview,
			category:       "compliance.screened",
			severity:       domain.SeverityWarning,
			classification: domain.ClassConfidential,
			actorID:        actorID,
			details:        audit.Details{"status": string(res.Status)},
		})
	}
	return e.applyTx(ctx, st, transition{
		to:             domain.StageAwaitingSignatures,
		category:       "compliance.screened",
		classification: domain.ClassInternal,
		actorID:        actorID,
		details:        audit.Details{"status": string(res.Status)},
	})
}

// resolveOutage converts an exhausted retry budget into the Failed terminal
// with a single audit event for the whole outage; per-attempt failures never
// emit. Non-transient errors propagate to the caller unresolved.
func (e Engine) resolveOutage(ctx context.Context, st domain.OperationState, actorID string, cause error) (domain.OperationState, error) {
	var te domain.TransientError
	if !errors.As(cause, &te) {
		return st, cause
	}
	return e.applyTx(ctx, st, transition{
		to:             domain.StageFailed,
		category:       te.Dependency + ".unavailable",
		severity:       domain.SeverityCritical,
		classification: domain.ClassInternal,
		outcome:        "failed",
		reason:         te.Error(),
		actorID:        actorID,
		details:        audit.Details{"dependency": te.Dependency},
	})
}

// SubmitSignature records a signer's approval. Re-submission by a collected
// signer returns the current state without mutating anything.
func (e Engine) SubmitSignature(ctx context.Context, operationID, signerID, proof, actorID string) (domain.OperationState, error) {
	st, err := e.Store.GetOperation(ctx, operationID)
	if err != nil {
		return st, err
	}
	if contains(st.Signatures.Collected, signerID) {
		return st, nil
	}
	if st.Stage != domain.StageAwaitingSignatures {
		return st, domain.InvalidStateError{Stage: st.Stage, Action: "sign"}
	}
	if err := e.Auth.RequireAnyRole(ctx, st.Request.AccountID, signerID, []string{domain.RoleSigner}); err != nil {
		return st, err
	}
	ok, err := e.Verifier.Verify(ctx, signerID, proof, operationID)
	if err != nil {
		return st, domain.TransientError{Dependency: "signature verification", Err: err}
	}
	if !ok {
		return st, domain.ValidationError{Field: "proof", Reason: "verification failed"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return st, err
	}
	defer tx.Rollback()

	inserted, err := e.Store.InsertSignature(ctx, tx, domain.SignatureRecord{
		OperationID: operationID,
		SignerID:    signerID,
		ProofHash:   signatures.HashProof(proof),
		SubmittedAt: now,
	})
	if err != nil {
		return st, err
	}
	if !inserted {
		return st, nil
	}
	st.Signatures.Collected = append(st.Signatures.Collected, signerID)
	sort.Strings(st.Signatures.Collected)
	st.Signatures.Complete = len(st.Signatures.Collected) >= st.Signatures.Required
	progress := audit.Details{
		"collected": fmt.Sprintf("%d", len(st.Signatures.Collected)),
		"required":  fmt.Sprintf("%d", st.Signatures.Required),
	}
	if st.Signatures.Complete {
		st, err = e.apply(ctx, tx, st, transition{
			to:             domain.StageAuthorized,
			category:       "operation.authorized",
			classification: domain.ClassInternal,
			actorID:        actorID,
			details:        progress,
		})
		if err != nil {
			return st, err
		}
	} else {
		next := st
		next.UpdatedAt = now
		next, err = e.Store.CompareAndSwap(ctx, tx, next, st.Version)
		if err != nil {
			return st, err
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			ID:             audit.TransitionEventID(operationID, st.Stage, st.Stage, st.Version),
			CorrelationID:  st.Request.CorrelationID,
			Category:       "signature.recorded",
			ActorID:        actorID,
			Details:        progress,
			Classification: domain.ClassInternal,
		}); err != nil {
			return st, err
		}
		st = next
	}
	if err := tx.Commit(); err != nil {
		return st, err
	}
	if st.Stage == domain.StageAuthorized {
		return e.Run(ctx, operationID, actorID)
	}
	return st, nil
}

func (e Engine) execute(ctx context.Context, st domain.OperationState, actorID string) (domain.OperationState, error) {
	st, err := e.applyTx(ctx, st, transition{
		to:             domain.StageExecuting,
		category:       "operation.dispatched",
		classification: domain.ClassInternal,
		actorID:        actorID,
	})
	if err != nil {
		return st, err
	}
	ref, execErr := e.Executor.Execute(ctx, st)
	if execErr != nil {
		return e.applyTx(ctx, st, transition{
			to:             domain.StageFailed,
			category:       "operation.executed",
			severity:       domain.SeverityCritical,
			classification: domain.ClassInternal,
			outcome:        "failed",
			reason:         execErr.Error(),
			actorID:        actorID,
		})
	}
	return e.applyTx(ctx, st, transition{
		to:             domain.StageCompleted,
		category:       "operation.executed",
		classification: domain.ClassInternal,
		outcome:        "completed",
		actorID:        actorID,
		details:        audit.Details{"settlement_ref": ref},
	})
}

// ResolveReview releases or rejects an operation parked in manual review.
// The acting reviewer must hold a configured review role on the account.
func (e Engine) ResolveReview(ctx context.Context, operationID, actorID string, approve bool, note string) (domain.OperationState, error) {
	if e.Config == nil {
		return domain.OperationState{}, errors.New("config not loaded")
	}
	st, err := e.Store.GetOperation(ctx, operationID)
	if err != nil {
		return st, err
	}
	if st.Stage != domain.StageManualReview {
		return st, domain.InvalidStateError{Stage: st.Stage, Action: "resolve review"}
	}
	if err := e.Auth.RequireAnyRole(ctx, st.Request.AccountID, actorID, e.Config.Policy.Review.Roles); err != nil {
		return st, err
	}
	details := audit.Details{"approved": fmt.Sprintf("%t", approve)}
	if note != "" {
		details["note"] = note
	}
	if approve {
		return e.applyTx(ctx, st, transition{
			to:             domain.StageAwaitingSignatures,
			category:       "review.resolved",
			classification: domain.ClassInternal,
			actorID:        actorID,
			details:        details,
		})
	}
	reason := note
	if reason == "" {
		reason = "rejected in manual review"
	}
	return e.applyTx(ctx, st, transition{
		to:             domain.StageRejected,
		category:       "review.resolved",
		severity:       domain.SeverityWarning,
		classification: domain.ClassInternal,
		outcome:        "rejected",
		reason:         reason,
		actorID:        actorID,
		details:        details,
	})
}

// Cancel withdraws an operation before authorization. Once authorized the
// operation is committed to execution and can no longer be canceled.
func (e Engine) Cancel(ctx context.Context, operationID, actorID, reason string) (domain.OperationState, error) {
	if e.Config == nil {
		return domain.OperationState{}, errors.New("config not loaded")
	}
	st, err := e.Store.GetOperation(ctx, operationID)
	if err != nil {
		return st, err
	}
	if err := e.Auth.RequireAnyRole(ctx, st.Request.AccountID, actorID, e.Config.Policy.Cancel.Roles); err != nil {
		return st, err
	}
	if st.Stage.Terminal() || st.Stage.Order() >= domain.StageAuthorized.Order() {
		return st, domain.InvalidStateError{Stage: st.Stage, Action: "cancel"}
	}
	if reason == "" {
		reason = "canceled by " + actorID
	}
	return e.applyTx(ctx, st, transition{
		to:             domain.StageCanceled,
		category:       "operation.canceled",
		classification: domain.ClassInternal,
		outcome:        "canceled",
		reason:         reason,
		actorID:        actorID,
	})
}

// ProcessPending is the pump: it re-enters every operation left in a
// dependency-driven stage, typically after a crash mid-pipeline, and expires
// stale dedup keys.
func (e Engine) ProcessPending(ctx context.Context, actorID string, limit int) ([]string, error) {
	var processed []string
	for _, stage := range []domain.Stage{domain.StageRiskPending, domain.StageCompliancePending, domain.StageAuthorized} {
		ids, err := e.Store.ListByStage(ctx, stage, limit)
		if err != nil {
			return processed, err
		}
		for _, id := range ids {
			if _, err := e.Advance(ctx, id, actorID); err != nil {
				return processed, err
			}
			processed = append(processed, id)
		}
	}
	window := time.Duration(e.Config.Policy.Intake.DedupWindowHours) * time.Hour
	cutoff := e.now().UTC().Add(-window).Format(time.RFC3339)
	if err := e.Store.PurgeIntakeKeys(ctx, cutoff); err != nil {
		return processed, err
	}
	return processed, nil
}

// LedgerExecutor is the built-in settlement backend: it derives a
// deterministic settlement reference from the operation identity.
type LedgerExecutor struct{}

func (LedgerExecutor) Execute(ctx context.Context, st domain.OperationState) (string, error) {
	seed := fmt.Sprintf("settle|%s|%d", st.Request.ID, st.Version)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String(), nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
