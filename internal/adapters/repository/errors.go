package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/okian/textrewards/internal/settlement"
)

// PostgreSQL error codes the store reacts to.
const (
	codeUniqueViolation   = "23505"
	codeUndefinedFunction = "42883"
	codeInsufficientPriv  = "42501"
)

// classify maps driver errors onto settlement sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", settlement.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return fmt.Errorf("%w: %w", settlement.ErrUniqueViolation, err)
	}
	return err
}

// classifyRPC additionally reports a missing or forbidden upsert function.
func classifyRPC(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUndefinedFunction, codeInsufficientPriv:
			return fmt.Errorf("%w: %w", settlement.ErrRPCUnavailable, err)
		}
	}
	return classify(err)
}

func isNotFound(err error) bool {
	return errors.Is(err, settlement.ErrNotFound)
}
