package db

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func IsUniqueViolation(err error) bool {
	return pgCode(err) == pgerrcode.UniqueViolation
}

func IsCheckViolation(err error) bool {
	return pgCode(err) == pgerrcode.CheckViolation
}

func IsNumericOverflow(err error) bool {
	return pgCode(err) == pgerrcode.NumericValueOutOfRange
}

// IsSerializationFailure covers both serialization failures and deadlocks; both are safe to report as conflicts.
func IsSerializationFailure(err error) bool {
	code := pgCode(err)
	return code == pgerrcode.SerializationFailure || code == pgerrcode.DeadlockDetected
}
