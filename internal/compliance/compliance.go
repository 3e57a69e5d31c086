package compliance

import (
	"context"
	"strings"
	"time"

	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/store"
)

// Service is the external screening contract. Blocked and Flagged are
// policy outcomes; errors are transient faults.
type Service interface {
	Check(ctx context.Context, operationID, accountID string) (domain.ComplianceResult, error)
}

// Client drives a Service with bounded timeouts and exponential backoff.
type Client struct {
	Service Service
	Timeout time.Duration
	Retry   config.RetryPolicy
	Now     func() time.Time
}

func (c Client) Check(ctx context.Context, operationID, accountID string) (domain.ComplianceResult, error) {
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
		res, err := c.Service.Check(cctx, operationID, accountID)
		cancel()
		if err == nil {
			if res.Timestamp == "" {
				res.Timestamp = c.now().UTC().Format(time.RFC3339)
			}
			return res, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return domain.ComplianceResult{}, domain.TransientError{Dependency: "compliance", Err: ctx.Err()}
		case <-time.After(c.Retry.Delay(attempt)):
		}
	}
	return domain.ComplianceResult{}, domain.TransientError{Dependency: "compliance", Err: lastErr}
}

func (c Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Screener is the built-in checker: sanctions-list match on the destination
// blocks; amounts at or above the structuring threshold, and accounts
// submitting more than VelocityMax operations inside VelocityWindow, are
// flagged for manual review. VelocityMax 0 disables the frequency check.
type Screener struct {
	Store          store.Store
	Sanctioned     []string
	FlagAmount     int64
	VelocityMax    int
	VelocityWindow time.Duration
	Now            func() time.Time
}

func (s Screener) Check(ctx context.Context, operationID, accountID string) (domain.ComplianceResult, error) {
	op, err := s.Store.GetOperation(ctx, operationID)
	if err != nil {
		return domain.ComplianceResult{}, err
	}
	var checks []domain.ComplianceCheck

	sanctioned := false
	for _, entry := range s.Sanctioned {
		if strings.EqualFold(strings.TrimSpace(entry), op.Request.Destination) {
			sanctioned = true
			break
		}
	}
	if sanctioned {
		checks = append(checks, domain.ComplianceCheck{Name: "sanctions", Result: "match", Detail: "destination on sanctions list"})
		return domain.ComplianceResult{Status: domain.ComplianceBlocked, Checks: checks}, nil
	}
	checks = append(checks, domain.ComplianceCheck{Name: "sanctions", Result: "pass"})

	if s.FlagAmount > 0 && op.Request.Amount >= s.FlagAmount {
		checks = append(checks, domain.ComplianceCheck{Name: "structuring", Result: "review", Detail: "amount at or above review threshold"})
		return domain.ComplianceResult{Status: domain.ComplianceFlagged, Checks: checks}, nil
	}
	checks = append(checks, domain.ComplianceCheck{Name: "structuring", Result: "pass"})

	if s.VelocityMax > 0 {
		since := s.now().Add(-s.VelocityWindow).UTC().Format(time.RFC3339)
		count, err := s.Store.CountOperationsSince(ctx, accountID, since)
		if err != nil {
			return domain.ComplianceResult{}, err
		}
		if count > s.VelocityMax {
			checks = append(checks, domain.ComplianceCheck{Name: "velocity", Result: "review", Detail: "operation frequency above review threshold"})
			return domain.ComplianceResult{Status: domain.ComplianceFlagged, Checks: checks}, nil
		}
		checks = append(checks, domain.ComplianceCheck{Name: "velocity", Result: "pass"})
	}

	return domain.ComplianceResult{Status: domain.ComplianceClear, Checks: checks}, nil
}

func (s Screener) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
