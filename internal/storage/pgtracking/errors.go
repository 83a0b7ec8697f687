package pgtracking

import (
	stderrors "errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrMissingOwner = errors.New("referenced row does not exist")
)

// mapError turns driver errors the callers care about into package sentinels.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.Wrap(ErrNotFound, op)
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return errors.Wrapf(ErrConflict, "%s: %s", op, pgErr.ConstraintName)
		case pgerrcode.ForeignKeyViolation:
			return errors.Wrapf(ErrMissingOwner, "%s: %s", op, pgErr.ConstraintName)
		}
	}
	return errors.Wrap(err, op)
}
