package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflicts with an existing one")
)

// mapError translates driver errors into the package sentinels, keeping
// the underlying error in the chain.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}
