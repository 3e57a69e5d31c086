package risk_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"vaultline/internal/config"
	"vaultline/internal/db"
	"vaultline/internal/domain"
	"vaultline/internal/migrate"
	"vaultline/internal/risk"
	"vaultline/internal/store"
)

func newScorerStore(t *testing.T, accounts ...domain.Account) store.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.Store{DB: conn}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, a := range accounts {
		a.Status = domain.AccountActive
		a.CreatedAt = "2026-01-02T00:00:00Z"
		if err := s.InsertAccount(context.Background(), tx, a); err != nil {
			t.Fatalf("insert account: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return s
}

type stubService struct {
	score int
	err   error
	calls int
}

func (s *stubService) Assess(ctx context.Context, accountID string, amount int64) (domain.RiskAssessment, error) {
	s.calls++
	if s.err != nil {
		return domain.RiskAssessment{}, s.err
	}
	return domain.RiskAssessment{Score: s.score}, nil
}

func TestThresholdDecision(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	c := risk.Client{Service: &stubService{score: 79}, Threshold: 80, Now: now}
	a, err := c.Assess(ctx, "acct-1", 100)
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if a.Decision != domain.RiskApprove {
		t.Fatalf("score below threshold must approve, got %s", a.Decision)
	}
	if a.AssessedAt != "2026-01-02T00:00:00Z" {
		t.Fatalf("assessed_at not stamped: %q", a.AssessedAt)
	}

	c.Service = &stubService{score: 80}
	a, err = c.Assess(ctx, "acct-1", 100)
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if a.Decision != domain.RiskReject {
		t.Fatalf("score at threshold must reject, got %s", a.Decision)
	}
}

func TestRetryExhaustion(t *testing.T) {
	stub := &stubService{err: errors.New("connection refused")}
	c := risk.Client{
		Service: stub,
		Retry:   config.RetryPolicy{Attempts: 3},
	}
	_, err := c.Assess(context.Background(), "acct-1", 100)
	var te domain.TransientError
	if !errors.As(err, &te) || te.Dependency != "risk" {
		t.Fatalf("expected transient risk error, got %v", err)
	}
	if stub.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", stub.calls)
	}
}

func TestScorerAmountTiers(t *testing.T) {
	s := risk.Scorer{
		Store:       newScorerStore(t, domain.Account{ID: "acct-1", Name: "treasury", RequiredSignatures: 2}),
		LargeAmount: 1000,
	}
	ctx := context.Background()
	cases := []struct {
		amount int64
		score  int
	}{
		{50, 0},
		{100, 25},
		{999, 25},
		{1000, 50},
		{5000, 50},
	}
	for _, tc := range cases {
		a, err := s.Assess(ctx, "acct-1", tc.amount)
		if err != nil {
			t.Fatalf("assess %d: %v", tc.amount, err)
		}
		if a.Score != tc.score {
			t.Fatalf("amount %d: score %d, want %d", tc.amount, a.Score, tc.score)
		}
	}
}

func TestScorerBalanceShare(t *testing.T) {
	s := risk.Scorer{
		Store:       newScorerStore(t, domain.Account{ID: "acct-1", Name: "treasury", RequiredSignatures: 2, Balance: 10_000}),
		LargeAmount: 1_000_000,
	}
	ctx := context.Background()
	cases := []struct {
		amount int64
		score  int
		factor string
	}{
		{500, 0, ""},
		{1_500, 10, "balance_share_notable"},
		{2_500, 20, "balance_share_elevated"},
		{6_000, 30, "balance_share_high"},
	}
	for _, tc := range cases {
		a, err := s.Assess(ctx, "acct-1", tc.amount)
		if err != nil {
			t.Fatalf("assess %d: %v", tc.amount, err)
		}
		if a.Score != tc.score {
			t.Fatalf("amount %d: score %d, want %d", tc.amount, a.Score, tc.score)
		}
		if tc.factor != "" && (len(a.Factors) != 1 || a.Factors[0] != tc.factor) {
			t.Fatalf("amount %d: factors %v, want [%s]", tc.amount, a.Factors, tc.factor)
		}
	}
}

func TestScorerStandingReachesRejectThreshold(t *testing.T) {
	s := newScorerStore(t,
		domain.Account{ID: "acct-kyc", RequiredSignatures: 2, Standing: domain.StandingPendingKYC},
		domain.Account{ID: "acct-review", RequiredSignatures: 2, Standing: domain.StandingRequiresReview},
		domain.Account{ID: "acct-bad", RequiredSignatures: 2, Standing: domain.StandingNonCompliant},
	)
	ctx := context.Background()
	scorer := risk.Scorer{Store: s, LargeAmount: 1_000_000}
	for _, tc := range []struct {
		account string
		score   int
	}{
		{"acct-kyc", 20},
		{"acct-review", 40},
		{"acct-bad", 80},
	} {
		a, err := scorer.Assess(ctx, tc.account, 100)
		if err != nil {
			t.Fatalf("assess %s: %v", tc.account, err)
		}
		if a.Score != tc.score {
			t.Fatalf("%s: score %d, want %d", tc.account, a.Score, tc.score)
		}
	}

	// with the default threshold the built-in alone produces a rejection
	c := risk.Client{Service: scorer, Threshold: 80}
	a, err := c.Assess(ctx, "acct-bad", 100)
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if a.Decision != domain.RiskReject {
		t.Fatalf("non-compliant standing must reject, got %s", a.Decision)
	}
}
