package audit

import (
	"context"
	"database/sql"
	"fmt"

	"vaultline/internal/domain"
)

const scanColumns = `id,seq,correlation_id,category,severity,actor_hash,ts,details_json,classification,
COALESCE(retention_until,''),hash,COALESCE(prev_hash,'')`

// ListByCorrelation returns the events of one operation in causal order.
func (w Emitter) ListByCorrelation(ctx context.Context, correlationID string) ([]domain.AuditEvent, error) {
	rows, err := w.DB.QueryContext(ctx,
		`SELECT `+scanColumns+` FROM audit_events WHERE correlation_id=? ORDER BY seq`, correlationID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// EventsAfter returns up to limit events with rowid greater than cursor, in
// append order, together with the rowid of each. Used for at-least-once
// downstream delivery.
func (w Emitter) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.AuditEvent, []int64, error) {
	rows, err := w.DB.QueryContext(ctx,
		`SELECT rowid,`+scanColumns+` FROM audit_events WHERE rowid > ? ORDER BY rowid LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var events []domain.AuditEvent
	var rowids []int64
	for rows.Next() {
		var rowid int64
		var e domain.AuditEvent
		if err := rows.Scan(&rowid, &e.ID, &e.Seq, &e.CorrelationID, &e.Category, &e.Severity,
			&e.ActorHash, &e.TS, &e.Details, &e.Classification, &e.RetentionUntil, &e.Hash, &e.PrevHash); err != nil {
			return nil, nil, err
		}
		events = append(events, e)
		rowids = append(rowids, rowid)
	}
	return events, rowids, rows.Err()
}

// LatestRowID returns the rowid of the newest event, or 0 when empty.
func (w Emitter) LatestRowID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := w.DB.QueryRowContext(ctx, `SELECT MAX(rowid) FROM audit_events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// Tail returns the newest events, most recent last.
func (w Emitter) Tail(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	rows, err := w.DB.QueryContext(ctx,
		`SELECT `+scanColumns+` FROM audit_events ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	events, err := collect(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// VerifyChain recomputes every event hash in append order and checks the
// previous-hash links. Any mutation of a stored event breaks the chain.
func (w Emitter) VerifyChain(ctx context.Context) error {
	rows, err := w.DB.QueryContext(ctx,
		`SELECT `+scanColumns+` FROM audit_events ORDER BY rowid`)
	if err != nil {
		return err
	}
	events, err := collect(rows)
	if err != nil {
		return err
	}
	prev := ""
	for _, e := range events {
		if e.PrevHash != prev {
			return fmt.Errorf("chain broken at event %s", e.ID)
		}
		computed := chainHash(e.ID, e.Seq, e.CorrelationID, e.Category, e.Severity,
			e.ActorHash, e.TS, e.Details, e.Classification, e.PrevHash)
		if computed != e.Hash {
			return fmt.Errorf("hash mismatch at event %s", e.ID)
		}
		prev = e.Hash
	}
	return nil
}

func collect(rows *sql.Rows) ([]domain.AuditEvent, error) {
	defer rows.Close()
	var events []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.Seq, &e.CorrelationID, &e.Category, &e.Severity,
			&e.ActorHash, &e.TS, &e.Details, &e.Classification, &e.RetentionUntil, &e.Hash, &e.PrevHash); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
