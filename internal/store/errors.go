package store

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// isConstraintErr reports whether err is a unique-constraint violation,
// the signal that a row believed new already exists and the write should
// be retried as an update.
func isConstraintErr(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrConstraint
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
