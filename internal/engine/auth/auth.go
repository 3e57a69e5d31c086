package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ForbiddenError indicates the actor lacks a required role on the account.
type ForbiddenError struct {
	Roles []string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("one of roles [%s] required", strings.Join(e.Roles, ", "))
}

// HasAnyRole reports whether any held role appears in the allowed set.
func HasAnyRole(held, allowed []string) bool {
	for _, h := range held {
		for _, a := range allowed {
			if h == a {
				return true
			}
		}
	}
	return false
}

// Service provides role checks backed by SQL.
type Service struct {
	DB *sql.DB
}

// RequireAnyRole fails with ForbiddenError unless the actor holds at least
// one of the allowed roles on the account.
func (s Service) RequireAnyRole(ctx context.Context, accountID, actorID string, allowed []string) error {
	held, err := s.roles(ctx, accountID, actorID)
	if err != nil {
		return err
	}
	if !HasAnyRole(held, allowed) {
		return ForbiddenError{Roles: allowed}
	}
	return nil
}

func (s Service) roles(ctx context.Context, accountID, actorID string) ([]string, error) {
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
