package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"vaultline/internal/domain"
)

// Emitter appends PII-minimized events to the durable audit log inside the
// caller's transaction. Events are hash-chained and deduplicated by id, so
// at-least-once emission never produces duplicates.
type Emitter struct {
	DB        *sql.DB
	Key       []byte         // keyed one-way transform for actor ids
	Retention map[string]int // days by classification
	Now       func() time.Time
}

// Details are structured key/value context for an event. Values under
// origin-bearing keys are masked before persistence.
type Details map[string]string

// Entry is the caller-facing shape of an event before minimization.
type Entry struct {
	ID             string // deterministic id for idempotent transitions; empty for ad-hoc events
	CorrelationID  string
	Category       string
	Severity       string
	ActorID        string // raw; pseudonymized on write
	Details        Details
	Classification string
}

// TransitionEventID derives the deterministic event id for a state
// transition: operation id + stages + the version acting as attempt epoch.
// Replaying the same transition collides here and is ignored on insert.
func TransitionEventID(operationID string, from, to domain.Stage, version int64) string {
	seed := fmt.Sprintf("%s|%s|%s|%d", operationID, from, to, version)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// Append minimizes and persists one event. Appending an id that is already
// recorded is a no-op.
func (w Emitter) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Severity == "" {
		e.Severity = domain.SeverityInfo
	}
	if e.Classification == "" {
		e.Classification = domain.ClassInternal
	}
	if e.Details == nil {
		e.Details = Details{}
	}
	masked := make(Details, len(e.Details))
	for k, v := range e.Details {
		if isOriginKey(k) {
			v = MaskOrigin(v)
		}
		masked[k] = v
	}
	detailsJSON, err := json.Marshal(masked)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}
	actorHash := w.Pseudonym(e.ActorID)

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0)+1 FROM audit_events WHERE correlation_id=?`,
		e.CorrelationID).Scan(&seq); err != nil {
		return err
	}
	var prevHash sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT hash FROM audit_events ORDER BY rowid DESC LIMIT 1`).Scan(&prevHash); err != nil && err != sql.ErrNoRows {
		return err
	}
	tsStr := ts.Format(time.RFC3339)
	evtHash := chainHash(e.ID, seq, e.CorrelationID, e.Category, e.Severity, actorHash, tsStr, string(detailsJSON), e.Classification, prevHash.String)

	retention := ""
	if days, ok := w.Retention[e.Classification]; ok && days > 0 {
		retention = ts.AddDate(0, 0, days).Format(time.RFC3339)
	}
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO audit_events(
id,seq,correlation_id,category,severity,actor_hash,ts,details_json,classification,retention_until,hash,prev_hash)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, seq, e.CorrelationID, e.Category, e.Severity, actorHash, tsStr,
		string(detailsJSON), e.Classification, nullableStr(retention), evtHash, nullableStr(prevHash.String))
	return err
}

// Pseudonym applies the keyed one-way transform to an actor id.
func (w Emitter) Pseudonym(actorID string) string {
	if actorID == "" {
		return ""
	}
	mac := hmac.New(sha256.New, w.Key)
	mac.Write([]byte(actorID))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// MaskOrigin blanks the most specific component of a network origin:
// the last octet of an IPv4, the last group of an IPv6, or the first label
// of a hostname.
func MaskOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return origin
	}
	if strings.Contains(origin, ":") && !strings.Contains(origin, ".") {
		parts := strings.Split(origin, ":")
		parts[len(parts)-1] = "x"
		return strings.Join(parts, ":")
	}
	parts := strings.Split(origin, ".")
	if len(parts) < 2 {
		return "x"
	}
	if isIPv4(parts) {
		parts[len(parts)-1] = "x"
		return strings.Join(parts, ".")
	}
	parts[0] = "x"
	return strings.Join(parts, ".")
}

func isIPv4(parts []string) bool {
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

func isOriginKey(k string) bool {
	switch strings.ToLower(k) {
	case "origin", "origin_ip", "ip", "source_ip", "remote_addr":
		return true
	}
	return false
}

func chainHash(id string, seq int64, correlationID, category, severity, actorHash, ts, details, classification, prevHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%s|%s|%s",
		id, seq, correlationID, category, severity, actorHash, ts, details, classification, prevHash)
	return hex.EncodeToString(h.Sum(nil))
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
