package risk

import (
	"context"
	"time"

	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/store"
)

// Service is the external risk-scoring contract. Errors are transient
// faults; a high score is a policy outcome, not an error.
type Service interface {
	Assess(ctx context.Context, accountID string, amount int64) (domain.RiskAssessment, error)
}

// Client drives a Service with bounded timeouts and exponential backoff and
// applies the score threshold. Retry exhaustion surfaces TransientError;
// a reject decision is never retried.
type Client struct {
	Service   Service
	Threshold int
	Timeout   time.Duration
	Retry     config.RetryPolicy
	Now       func() time.Time
}

func (c Client) Assess(ctx context.Context, accountID string, amount int64) (domain.RiskAssessment, error) {
	attempts := c.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		cctx := ctx
		cancel := func() {}
		if c.Timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, c.Timeout)
		}
		a, err := c.Service.Assess(cctx, accountID, amount)
		cancel()
		if err == nil {
			a.Decision = domain.RiskApprove
			if a.Score >= c.Threshold {
				a.Decision = domain.RiskReject
			}
			if a.AssessedAt == "" {
				a.AssessedAt = c.now().UTC().Format(time.RFC3339)
			}
			return a, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return domain.RiskAssessment{}, domain.TransientError{Dependency: "risk", Err: ctx.Err()}
		case <-time.After(c.Retry.Delay(attempt)):
		}
	}
	return domain.RiskAssessment{}, domain.TransientError{Dependency: "risk", Err: lastErr}
}

func (c Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Scorer is the built-in assessor: deterministic scoring in the 0-100 range
// from the absolute amount, the amount's share of the account balance, and
// the account's compliance standing.
type Scorer struct {
	Store          store.Store
	LargeAmount    int64 // score 50
	ElevatedAmount int64 // score 25
}

func (s Scorer) Assess(ctx context.Context, accountID string, amount int64) (domain.RiskAssessment, error) {
	acct, err := s.Store.GetAccount(ctx, accountID)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	large := s.LargeAmount
	if large <= 0 {
		large = 10_000_000_000
	}
	elevated := s.ElevatedAmount
	if elevated <= 0 {
		elevated = large / 10
	}
	var score int
	var factors []string
	switch {
	case amount >= large:
		score += 50
		factors = append(factors, "large_amount")
	case amount >= elevated:
		score += 25
		factors = append(factors, "elevated_amount")
	}
	if acct.Balance > 0 {
		switch pct := amount * 100 / acct.Balance; {
		case pct > 50:
			score += 30
			factors = append(factors, "balance_share_high")
		case pct > 20:
			score += 20
			factors = append(factors, "balance_share_elevated")
		case pct > 10:
			score += 10
			factors = append(factors, "balance_share_notable")
		}
	}
	switch acct.Standing {
	case domain.StandingPendingKYC:
		score += 20
		factors = append(factors, "standing_pending_kyc")
	case domain.StandingRequiresReview:
		score += 40
		factors = append(factors, "standing_requires_review")
	case domain.StandingNonCompliant:
		score += 80
		factors = append(factors, "standing_non_compliant")
	}
	if score > 100 {
		score = 100
	}
	return domain.RiskAssessment{Score: score, Factors: factors}, nil
}
