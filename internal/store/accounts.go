package store

import (
	"context"
	"database/sql"

	"vaultline/internal/domain"
)

func (s Store) InsertAccount(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	if a.Standing == "" {
		a.Standing = domain.StandingCompliant
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(id,name,status,required_signatures,balance,standing,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Status, a.RequiredSignatures, a.Balance, a.Standing, a.CreatedAt)
	return err
}

func (s Store) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	err := s.DB.QueryRowContext(ctx,
		`SELECT id,name,status,required_signatures,balance,standing,created_at FROM accounts WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.Status, &a.RequiredSignatures, &a.Balance, &a.Standing, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (s Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,name,status,required_signatures,balance,standing,created_at FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Status, &a.RequiredSignatures, &a.Balance, &a.Standing, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SetAccountStatus flips an account between active and frozen.
func (s Store) SetAccountStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id,created_at) VALUES (?,?)`, actorID, now)
	return err
}

// GrantRole binds an actor to an account-scoped capability role.
func (s Store) GrantRole(ctx context.Context, tx *sql.Tx, b domain.RoleBinding) error {
	if err := s.EnsureActor(ctx, tx, b.ActorID, b.CreatedAt); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO account_roles(account_id,actor_id,role,created_at) VALUES (?,?,?,?)`,
		b.AccountID, b.ActorID, b.Role, b.CreatedAt)
	return err
}

func (s Store) RevokeRole(ctx context.Context, tx *sql.Tx, accountID, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM account_roles WHERE account_id=? AND actor_id=? AND role=?`,
		accountID, actorID, role)
	return err
}

// ActorRoles returns the actor's roles on one account.
func (s Store) ActorRoles(ctx context.Context, accountID, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT role FROM account_roles WHERE account_id=? AND actor_id=?`, accountID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Signers returns the distinct signer ids authorized on an account.
func (s Store) Signers(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT actor_id FROM account_roles WHERE account_id=? AND role=? ORDER BY actor_id`,
		accountID, domain.RoleSigner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var signers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		signers = append(signers, id)
	}
	return signers, rows.Err()
}
