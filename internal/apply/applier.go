package apply

import (
	"context"
	"database/sql"

	"github.com/dbtoolkit/sysmigrate/internal/logger"
	"github.com/dbtoolkit/sysmigrate/internal/mssql"
	"github.com/dbtoolkit/sysmigrate/internal/script"
)

// Executor is the write slice of *sql.DB the applier needs.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Outcome classifies the result of applying one statement.
type Outcome string

const (
	// OutcomeApplied means the statement executed successfully.
	OutcomeApplied Outcome = "applied"
	// OutcomeSkippedAlreadyExists means the statement failed only
	// because the object it creates is already present on the target.
	OutcomeSkippedAlreadyExists Outcome = "skipped_already_exists"
	// OutcomeFailed means the statement failed for any other reason.
	OutcomeFailed Outcome = "failed"
	// OutcomePlanned is the dry-run status: the statement was not
	// executed but would be attempted by a live run, in this position.
	OutcomePlanned Outcome = "planned"
)

// StatementResult records the outcome of one statement.
type StatementResult struct {
	Statement script.Statement
	Outcome   Outcome
	Reason    string
}

// PassResult aggregates one (database, destination) pass. Completed is
// true even when individual statements failed; failures are tolerated
// by design. NotAttempted carries the reason when the pass never ran
// (unreachable destination, canceled run, generation abort).
type PassResult struct {
	Database     string
	Completed    bool
	NotAttempted string

	Applied int
	Skipped int
	Failed  int
	Planned int

	Statements  []StatementResult
	Diagnostics []script.Diagnostic
}

// NotAttempted builds the result for a pass that never ran.
func NotAttempted(database, reason string) *PassResult {
	return &PassResult{Database: database, NotAttempted: reason}
}

// Apply executes the script's statements strictly in order against the
// target database context. Each statement's failure is caught,
// classified and recorded, then execution proceeds with the next
// statement; a destination that already has some of the objects is a
// normal re-run, not an error. No rollback is attempted on partial
// failure.
//
// With dryRun set nothing executes; every statement is recorded as
// planned with its exact text.
func Apply(ctx context.Context, exec Executor, database string, s *script.Script, dryRun bool) *PassResult {
	result := &PassResult{
		Database:    database,
		Diagnostics: s.Diagnostics,
	}

	for _, statement := range s.Statements {
		if dryRun {
			result.Planned++
			result.Statements = append(result.Statements, StatementResult{
				Statement: statement,
				Outcome:   OutcomePlanned,
			})
			logger.Debug("would apply %s %s to %s", statement.Category, statement.Object, database)
			continue
		}

		_, err := exec.ExecContext(ctx, statement.SQL)
		switch {
		case err == nil:
			result.Applied++
			result.Statements = append(result.Statements, StatementResult{
				Statement: statement,
				Outcome:   OutcomeApplied,
			})
			logger.Debug("applied %s %s to %s", statement.Category, statement.Object, database)
		case mssql.IsAlreadyExists(err):
			result.Skipped++
			result.Statements = append(result.Statements, StatementResult{
				Statement: statement,
				Outcome:   OutcomeSkippedAlreadyExists,
				Reason:    err.Error(),
			})
			logger.Debug("skipped %s %s on %s: already exists", statement.Category, statement.Object, database)
		default:
			result.Failed++
			result.Statements = append(result.Statements, StatementResult{
				Statement: statement,
				Outcome:   OutcomeFailed,
				Reason:    err.Error(),
			})
			logger.Warn("failed to apply %s %s to %s: %v", statement.Category, statement.Object, database, err)
		}
	}

	result.Completed = true
	return result
}
