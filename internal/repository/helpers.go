package repository

import (
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrSessionExpired  = errors.New("session expired")
	ErrPredicateFailed = errors.New("predicate failed")
	ErrContention      = errors.New("too much contention on row")
)

// HandleNotFound processes a database query result, converting sql.ErrNoRows
// to ErrNotFound.
//
// Usage:
//
//	var item model.Item
//	err := r.db.GetContext(ctx, &item, query, args...)
//	return HandleNotFound(&item, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func predicateFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrPredicateFailed, err)
}
