package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"vaultline/internal/domain"
)

// Store is the single source of truth for operation records. All components
// read and write through it; writers present the version they read and
// accept rejection on mismatch.
type Store struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write presents a stale version. The
	// caller must re-read and retry; stale writes are never merged.
	ErrConflict = errors.New("version conflict")
)

// CreateOperation validates and persists a new operation at version 1 in the
// created stage. A duplicate idempotency key inside the dedup window is a
// ValidationError carrying the original operation id.
func (s Store) CreateOperation(ctx context.Context, tx *sql.Tx, req domain.OperationRequest, requiredSignatures int, dedupWindow time.Duration) (domain.OperationState, error) {
	if err := validateRequest(req); err != nil {
		return domain.OperationState{}, err
	}
	if requiredSignatures < 1 {
		return domain.OperationState{}, domain.ValidationError{Field: "required_signatures", Reason: "must be >= 1"}
	}
	now := req.CreatedAt
	if req.IdempotencyKey != "" {
		cutoff := mustParse(now).Add(-dedupWindow).UTC().Format(time.RFC3339)
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT operation_id FROM intake_keys WHERE key=? AND created_at >= ?`,
			req.IdempotencyKey, cutoff).Scan(&existing)
		if err == nil {
			return domain.OperationState{}, domain.ValidationError{
				Field:  "idempotency_key",
				Reason: fmt.Sprintf("already used by operation %s", existing),
			}
		}
		if err != sql.ErrNoRows {
			return domain.OperationState{}, err
		}
	}
	st := domain.OperationState{
		Request:    req,
		Version:    1,
		Stage:      domain.StageCreated,
		Signatures: domain.SignatureStatus{Required: requiredSignatures, Collected: []string{}},
		UpdatedAt:  now,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO operations(
id,correlation_id,requester_id,account_id,amount,currency,destination,created_at,
version,stage,required_signatures,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.CorrelationID, req.RequesterID, req.AccountID, req.Amount, req.Currency,
		req.Destination, req.CreatedAt, st.Version, st.Stage, requiredSignatures, st.UpdatedAt); err != nil {
		return domain.OperationState{}, fmt.Errorf("insert operation: %w", err)
	}
	if req.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO intake_keys(key,operation_id,created_at) VALUES (?,?,?)`,
			req.IdempotencyKey, req.ID, now); err != nil {
			return domain.OperationState{}, fmt.Errorf("insert intake key: %w", err)
		}
	}
	return st, nil
}

// GetOperation returns the current state including the signature snapshot.
func (s Store) GetOperation(ctx context.Context, id string) (domain.OperationState, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT
id,correlation_id,requester_id,account_id,amount,currency,destination,created_at,
version,stage,risk_json,compliance_json,required_signatures,
COALESCE(outcome,''),COALESCE(reason,''),updated_at
FROM operations WHERE id=?`, id)
	st, err := scanOperation(row)
	if err != nil {
		return st, err
	}
	recs, err := s.ListSignatures(ctx, id)
	if err != nil {
		return st, err
	}
	for _, rec := range recs {
		st.Signatures.Collected = append(st.Signatures.Collected, rec.SignerID)
	}
	sort.Strings(st.Signatures.Collected)
	st.Signatures.Complete = len(st.Signatures.Collected) >= st.Signatures.Required
	return st, nil
}

// CompareAndSwap applies newState only if the stored version still equals
// expectedVersion, bumping the version by one. ErrConflict on a stale read.
func (s Store) CompareAndSwap(ctx context.Context, tx *sql.Tx, newState domain.OperationState, expectedVersion int64) (domain.OperationState, error) {
	riskJSON, err := marshalNullable(newState.Risk)
	if err != nil {
		return newState, err
	}
	complianceJSON, err := marshalNullable(newState.Compliance)
	if err != nil {
		return newState, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE operations SET
version=?, stage=?, risk_json=?, compliance_json=?, required_signatures=?,
outcome=?, reason=?, updated_at=?
WHERE id=? AND version=?`,
		expectedVersion+1, newState.Stage, riskJSON, complianceJSON, newState.Signatures.Required,
		nullable(newState.Outcome), nullable(newState.Reason), newState.UpdatedAt,
		newState.Request.ID, expectedVersion)
	if err != nil {
		return newState, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM operations WHERE id=?`, newState.Request.ID).Scan(&exists); err == sql.ErrNoRows {
			return newState, ErrNotFound
		}
		return newState, ErrConflict
	}
	newState.Version = expectedVersion + 1
	return newState, nil
}

// InsertSignature records a signer's approval. Re-submission by an already
// collected signer is a no-op; the bool reports whether a new record landed.
func (s Store) InsertSignature(ctx context.Context, tx *sql.Tx, rec domain.SignatureRecord) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO operation_signatures(operation_id,signer_id,proof_hash,submitted_at) VALUES (?,?,?,?)`,
		rec.OperationID, rec.SignerID, rec.ProofHash, rec.SubmittedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s Store) ListSignatures(ctx context.Context, operationID string) ([]domain.SignatureRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT operation_id,signer_id,proof_hash,submitted_at FROM operation_signatures WHERE operation_id=? ORDER BY submitted_at, signer_id`,
		operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []domain.SignatureRecord
	for rows.Next() {
		var rec domain.SignatureRecord
		if err := rows.Scan(&rec.OperationID, &rec.SignerID, &rec.ProofHash, &rec.SubmittedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListByStage returns operation ids currently parked in the given stage,
// oldest first. Used by the pump to re-enter pending operations.
func (s Store) ListByStage(ctx context.Context, stage domain.Stage, limit int) ([]string, error) {
	query := `SELECT id FROM operations WHERE stage=? ORDER BY updated_at, id`
	args := []any{stage}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountOperationsSince returns how many operations the account submitted at
// or after the given RFC3339 timestamp.
func (s Store) CountOperationsSince(ctx context.Context, accountID, since string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operations WHERE account_id=? AND created_at>=?`, accountID, since).Scan(&n)
	return n, err
}

// ListOperations returns operations for an account, newest first.
func (s Store) ListOperations(ctx context.Context, accountID string, limit int) ([]domain.OperationState, error) {
	clauses := []string{}
	args := []any{}
	if accountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, accountID)
	}
	query := `SELECT
id,correlation_id,requester_id,account_id,amount,currency,destination,created_at,
version,stage,risk_json,compliance_json,required_signatures,
COALESCE(outcome,''),COALESCE(reason,''),updated_at FROM operations`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OperationState
	for rows.Next() {
		st, err := scanOperationRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// PurgeIntakeKeys removes dedup keys older than the window.
func (s Store) PurgeIntakeKeys(ctx context.Context, cutoff string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM intake_keys WHERE created_at < ?`, cutoff)
	return err
}

func validateRequest(req domain.OperationRequest) error {
	if req.ID == "" {
		return domain.ValidationError{Field: "id", Reason: "required"}
	}
	if req.AccountID == "" {
		return domain.ValidationError{Field: "account_id", Reason: "required"}
	}
	if req.RequesterID == "" {
		return domain.ValidationError{Field: "requester_id", Reason: "required"}
	}
	if req.Amount <= 0 {
		return domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if req.Currency == "" {
		return domain.ValidationError{Field: "currency", Reason: "required"}
	}
	if err := validateDestination(req.Destination); err != nil {
		return err
	}
	return nil
}

func validateDestination(dest string) error {
	dest = strings.TrimSpace(dest)
	if len(dest) < 4 {
		return domain.ValidationError{Field: "destination", Reason: "too short"}
	}
	for _, r := range dest {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			continue
		}
		if r == ':' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return domain.ValidationError{Field: "destination", Reason: fmt.Sprintf("illegal character %q", r)}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row *sql.Row) (domain.OperationState, error) {
	st, err := scanFrom(row)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	return st, err
}

func scanOperationRows(rows *sql.Rows) (domain.OperationState, error) {
	return scanFrom(rows)
}

func scanFrom(sc rowScanner) (domain.OperationState, error) {
	var st domain.OperationState
	var riskJSON, complianceJSON sql.NullString
	err := sc.Scan(
		&st.Request.ID, &st.Request.CorrelationID, &st.Request.RequesterID, &st.Request.AccountID,
		&st.Request.Amount, &st.Request.Currency, &st.Request.Destination, &st.Request.CreatedAt,
		&st.Version, &st.Stage, &riskJSON, &complianceJSON, &st.Signatures.Required,
		&st.Outcome, &st.Reason, &st.UpdatedAt)
	if err != nil {
		return st, err
	}
	if riskJSON.Valid && riskJSON.String != "" {
		var r domain.RiskAssessment
		if err := json.Unmarshal([]byte(riskJSON.String), &r); err != nil {
			return st, fmt.Errorf("risk snapshot: %w", err)
		}
		st.Risk = &r
	}
	if complianceJSON.Valid && complianceJSON.String != "" {
		var c domain.ComplianceResult
		if err := json.Unmarshal([]byte(complianceJSON.String), &c); err != nil {
			return st, fmt.Errorf("compliance snapshot: %w", err)
		}
		st.Compliance = &c
	}
	st.Signatures.Collected = []string{}
	return st, nil
}

func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case *domain.RiskAssessment:
		if t == nil {
			return nil, nil
		}
	case *domain.ComplianceResult:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func mustParse(ts string) time.Time {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
