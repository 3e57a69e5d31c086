package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vaultline/internal/audit"
	"vaultline/internal/domain"
)

// CreateAccount registers a custody account with its signature threshold,
// opening balance, and compliance standing. The creating actor becomes the
// account owner; this is the only ungated role path, since a fresh account
// has nobody to authorize the grant.
func (e Engine) CreateAccount(ctx context.Context, a domain.Account, actorID string) (domain.Account, error) {
	if e.Config == nil {
		return domain.Account{}, errors.New("config not loaded")
	}
	if a.ID == "" {
		return domain.Account{}, domain.ValidationError{Field: "id", Reason: "required"}
	}
	if a.RequiredSignatures < 1 {
		a.RequiredSignatures = e.Config.Policy.Signatures.DefaultRequired
	}
	if a.RequiredSignatures > e.Config.Policy.Signatures.MaxRequired {
		return domain.Account{}, domain.ValidationError{
			Field:  "required_signatures",
			Reason: fmt.Sprintf("exceeds maximum %d", e.Config.Policy.Signatures.MaxRequired),
		}
	}
	if a.Balance < 0 {
		return domain.Account{}, domain.ValidationError{Field: "balance", Reason: "must be >= 0"}
	}
	if a.Standing == "" {
		a.Standing = domain.StandingCompliant
	}
	if !validStanding(a.Standing) {
		return domain.Account{}, domain.ValidationError{Field: "standing", Reason: "unknown standing " + a.Standing}
	}
	now := e.now().UTC().Format(time.RFC3339)
	a.Status = domain.AccountActive
	a.CreatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Store.InsertAccount(ctx, tx, a); err != nil {
		return a, fmt.Errorf("insert account: %w", err)
	}
	if actorID != "" {
		if err := e.Store.GrantRole(ctx, tx, domain.RoleBinding{
			AccountID: a.ID, ActorID: actorID, Role: domain.RoleOwner, CreatedAt: now,
		}); err != nil {
			return a, err
		}
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		CorrelationID:  a.ID,
		Category:       "account.created",
		ActorID:        actorID,
		Details:        audit.Details{"required_signatures": fmt.Sprintf("%d", a.RequiredSignatures)},
		Classification: domain.ClassInternal,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// FreezeAccount halts intake on an account. Operations already past intake
// continue through the pipeline.
func (e Engine) FreezeAccount(ctx context.Context, accountID, actorID, reason string) error {
	return e.setAccountStatus(ctx, accountID, actorID, domain.AccountFrozen, "account.frozen", reason)
}

// UnfreezeAccount restores intake.
func (e Engine) UnfreezeAccount(ctx context.Context, accountID, actorID, reason string) error {
	return e.setAccountStatus(ctx, accountID, actorID, domain.AccountActive, "account.unfrozen", reason)
}

func (e Engine) setAccountStatus(ctx context.Context, accountID, actorID, status, category, reason string) error {
	if err := e.Auth.RequireAnyRole(ctx, accountID, actorID, []string{domain.RoleOwner, domain.RoleOperator}); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Store.SetAccountStatus(ctx, tx, accountID, status); err != nil {
		return err
	}
	details := audit.Details{}
	if reason != "" {
		details["reason"] = reason
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		CorrelationID:  accountID,
		Category:       category,
		Severity:       domain.SeverityWarning,
		ActorID:        actorID,
		Details:        details,
		Classification: domain.ClassInternal,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// GrantRole binds an actor to an account-scoped role. Role names outside the
// known set are rejected, and only an owner or operator of the account may
// grant.
func (e Engine) GrantRole(ctx context.Context, accountID, actorID, role, grantedBy string) error {
	if !validRole(role) {
		return domain.ValidationError{Field: "role", Reason: "unknown role " + role}
	}
	if _, err := e.Store.GetAccount(ctx, accountID); err != nil {
		return err
	}
	if err := e.Auth.RequireAnyRole(ctx, accountID, grantedBy, []string{domain.RoleOwner, domain.RoleOperator}); err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Store.GrantRole(ctx, tx, domain.RoleBinding{
		AccountID: accountID, ActorID: actorID, Role: role, CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		CorrelationID:  accountID,
		Category:       "role.granted",
		ActorID:        grantedBy,
		Details:        audit.Details{"role": role, "grantee": e.Audit.Pseudonym(actorID)},
		Classification: domain.ClassInternal,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role binding. Owner or operator only, like GrantRole.
func (e Engine) RevokeRole(ctx context.Context, accountID, actorID, role, revokedBy string) error {
	if err := e.Auth.RequireAnyRole(ctx, accountID, revokedBy, []string{domain.RoleOwner, domain.RoleOperator}); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Store.RevokeRole(ctx, tx, accountID, actorID, role); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		CorrelationID:  accountID,
		Category:       "role.revoked",
		ActorID:        revokedBy,
		Details:        audit.Details{"role": role, "grantee": e.Audit.Pseudonym(actorID)},
		Classification: domain.ClassInternal,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func validRole(role string) bool {
	switch role {
	case domain.RoleOwner, domain.RoleOperator, domain.RoleSigner, domain.RoleReviewer, domain.RoleAuditor:
		return true
	}
	return false
}

func validStanding(standing string) bool {
	switch standing {
	case domain.StandingCompliant, domain.StandingPendingKYC, domain.StandingRequiresReview, domain.StandingNonCompliant:
		return true
	}
	return false
}
