package mssql

import (
	"errors"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"
)

// alreadyExistsNumbers are the engine error numbers raised when a
// CREATE (or GRANT of a duplicate principal) collides with an object
// that is already present on the destination.
var alreadyExistsNumbers = map[int32]bool{
	1913:  true, // index or statistics with that name already exists
	2375:  true, // trigger already exists
	2705:  true, // column names must be unique (duplicate column)
	2714:  true, // there is already an object named X in the database
	2759:  true, // CREATE SCHEMA failed: schema already exists
	6233:  true, // assembly already registered
	15023: true, // user, group, or role already exists
	15025: true, // server principal already exists
	15233: true, // property already exists (duplicate)
}

// IsAlreadyExists reports whether the statement failure was caused
// solely by the target object already being present. Re-runs against a
// partially populated destination are expected to produce these, and
// the applier records them as benign skips.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}

	var sqlErr mssqldb.Error
	if errors.As(err, &sqlErr) {
		return alreadyExistsNumbers[sqlErr.Number]
	}

	// Fallback for wrapped driver errors that only keep the message.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "already an object")
}
