package store_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"vaultline/internal/db"
	"vaultline/internal/domain"
	"vaultline/internal/migrate"
	"vaultline/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.Store{DB: conn}
	inTx(t, s, func(tx *sql.Tx) error {
		return s.InsertAccount(context.Background(), tx, domain.Account{
			ID: "acct-1", Name: "treasury", Status: domain.AccountActive,
			RequiredSignatures: 2, CreatedAt: "2026-01-02T00:00:00Z",
		})
	})
	return s
}

func inTx(t *testing.T, s store.Store, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func request(id, createdAt string) domain.OperationRequest {
	return domain.OperationRequest{
		ID:            id,
		CorrelationID: id,
		RequesterID:   "tester",
		AccountID:     "acct-1",
		Amount:        100,
		Currency:      "USD",
		Destination:   "acct:dest-1",
		CreatedAt:     createdAt,
	}
}

func TestCreateOperationValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		req   domain.OperationRequest
		field string
	}{
		{"missing id", domain.OperationRequest{AccountID: "a", RequesterID: "r", Amount: 1, Currency: "USD", Destination: "acct:x"}, "id"},
		{"missing account", domain.OperationRequest{ID: "op", RequesterID: "r", Amount: 1, Currency: "USD", Destination: "acct:x"}, "account_id"},
		{"zero amount", domain.OperationRequest{ID: "op", AccountID: "a", RequesterID: "r", Amount: 0, Currency: "USD", Destination: "acct:x"}, "amount"},
		{"negative amount", domain.OperationRequest{ID: "op", AccountID: "a", RequesterID: "r", Amount: -5, Currency: "USD", Destination: "acct:x"}, "amount"},
		{"short destination", domain.OperationRequest{ID: "op", AccountID: "a", RequesterID: "r", Amount: 1, Currency: "USD", Destination: "ab"}, "destination"},
		{"bad destination rune", domain.OperationRequest{ID: "op", AccountID: "a", RequesterID: "r", Amount: 1, Currency: "USD", Destination: "acct x!"}, "destination"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx, err := s.DB.Begin()
			if err != nil {
				t.Fatalf("begin: %v", err)
			}
			defer tx.Rollback()
			_, err = s.CreateOperation(ctx, tx, tc.req, 2, 24*time.Hour)
			var ve domain.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
}

func TestCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inTx(t, s, func(tx *sql.Tx) error {
		_, err := s.CreateOperation(ctx, tx, request("op-1", "2026-01-02T00:00:00Z"), 2, 24*time.Hour)
		return err
	})
	st, err := s.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Version != 1 || st.Stage != domain.StageCreated {
		t.Fatalf("fresh operation should be v1 created, got v%d %s", st.Version, st.Stage)
	}

	next := st
	next.Stage = domain.StageRiskPending
	next.UpdatedAt = "2026-01-02T00:00:01Z"
	inTx(t, s, func(tx *sql.Tx) error {
		swapped, err := s.CompareAndSwap(ctx, tx, next, 1)
		if err != nil {
			return err
		}
		if swapped.Version != 2 {
			t.Fatalf("expected version 2, got %d", swapped.Version)
		}
		return nil
	})

	// stale version loses
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err = s.CompareAndSwap(ctx, tx, next, 1)
	tx.Rollback()
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// unknown id is not a conflict
	tx, err = s.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	missing := next
	missing.Request.ID = "op-missing"
	_, err = s.CompareAndSwap(ctx, tx, missing, 1)
	tx.Rollback()
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDedupWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := request("op-1", "2026-01-02T00:00:00Z")
	first.IdempotencyKey = "req-1"
	inTx(t, s, func(tx *sql.Tx) error {
		_, err := s.CreateOperation(ctx, tx, first, 2, 24*time.Hour)
		return err
	})

	// same key one hour later is a duplicate
	dup := request("op-2", "2026-01-02T01:00:00Z")
	dup.IdempotencyKey = "req-1"
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err = s.CreateOperation(ctx, tx, dup, 2, 24*time.Hour)
	tx.Rollback()
	var ve domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "idempotency_key" {
		t.Fatalf("expected idempotency_key error, got %v", err)
	}
	if !strings.Contains(ve.Reason, "op-1") {
		t.Fatalf("dedup error should name op-1: %q", ve.Reason)
	}

	// same key outside the window is a fresh request
	late := request("op-3", "2026-01-03T06:00:00Z")
	late.IdempotencyKey = "req-1"
	inTx(t, s, func(tx *sql.Tx) error {
		_, err := s.CreateOperation(ctx, tx, late, 2, 24*time.Hour)
		return err
	})
}

func TestInsertSignatureIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inTx(t, s, func(tx *sql.Tx) error {
		_, err := s.CreateOperation(ctx, tx, request("op-1", "2026-01-02T00:00:00Z"), 2, 24*time.Hour)
		return err
	})
	rec := domain.SignatureRecord{
		OperationID: "op-1", SignerID: "sig-1", ProofHash: "abc", SubmittedAt: "2026-01-02T00:00:01Z",
	}
	inTx(t, s, func(tx *sql.Tx) error {
		inserted, err := s.InsertSignature(ctx, tx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			t.Fatalf("first insert should land")
		}
		inserted, err = s.InsertSignature(ctx, tx, rec)
		if err != nil {
			return err
		}
		if inserted {
			t.Fatalf("second insert must be a no-op")
		}
		return nil
	})
	inTx(t, s, func(tx *sql.Tx) error {
		_, err := s.InsertSignature(ctx, tx, domain.SignatureRecord{
			OperationID: "op-1", SignerID: "sig-2", ProofHash: "def", SubmittedAt: "2026-01-02T00:00:02Z",
		})
		return err
	})
	st, err := s.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(st.Signatures.Collected) != 2 || !st.Signatures.Complete {
		t.Fatalf("expected 2 collected and complete, got %+v", st.Signatures)
	}
	if st.Signatures.Collected[0] != "sig-1" || st.Signatures.Collected[1] != "sig-2" {
		t.Fatalf("collected should be sorted: %v", st.Signatures.Collected)
	}
}

func TestListByStageAndPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := request("op-old", "2026-01-01T00:00:00Z")
	old.IdempotencyKey = "key-old"
	fresh := request("op-new", "2026-01-02T00:00:00Z")
	fresh.IdempotencyKey = "key-new"
	inTx(t, s, func(tx *sql.Tx) error {
		if _, err := s.CreateOperation(ctx, tx, old, 2, 48*time.Hour); err != nil {
			return err
		}
		_, err := s.CreateOperation(ctx, tx, fresh, 2, 48*time.Hour)
		return err
	})
	ids, err := s.ListByStage(ctx, domain.StageCreated, 0)
	if err != nil {
		t.Fatalf("list by stage: %v", err)
	}
	if len(ids) != 2 || ids[0] != "op-old" {
		t.Fatalf("expected oldest first, got %v", ids)
	}
	if err := s.PurgeIntakeKeys(ctx, "2026-01-01T12:00:00Z"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM intake_keys`).Scan(&n); err != nil {
		t.Fatalf("count keys: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 surviving key, got %d", n)
	}
}
