package transfer

import (
	"errors"
	"sort"

	"github.com/dbtoolkit/sysmigrate/internal/apply"
)

// Sentinel errors for source-level failures, which abort the whole
// run. The same conditions on a destination only skip that
// destination.
var (
	ErrConnection = errors.New("connection failed")
	ErrPrivilege  = errors.New("insufficient privilege")
)

// PassKey identifies one (destination, database) pass in a report.
type PassKey struct {
	Destination string
	Database    string
}

// Report maps every attempted and not-attempted pass to its outcome.
type Report map[PassKey]*apply.PassResult

// Keys returns the report's keys ordered by destination then database
// position, for deterministic rendering.
func (r Report) Keys() []PassKey {
	dbIndex := make(map[string]int, len(SystemDatabases))
	for i, db := range SystemDatabases {
		dbIndex[db] = i
	}

	keys := make([]PassKey, 0, len(r))
	for key := range r {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Destination != keys[j].Destination {
			return keys[i].Destination < keys[j].Destination
		}
		return dbIndex[keys[i].Database] < dbIndex[keys[j].Database]
	})
	return keys
}

// FailedCount returns the total number of failed statements across all
// passes. Already-exists skips are not failures.
func (r Report) FailedCount() int {
	var failed int
	for _, result := range r {
		failed += result.Failed
	}
	return failed
}
