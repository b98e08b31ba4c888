package transfer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dbtoolkit/sysmigrate/internal/apply"
	"github.com/dbtoolkit/sysmigrate/internal/catalog"
	"github.com/dbtoolkit/sysmigrate/internal/logger"
	"github.com/dbtoolkit/sysmigrate/internal/mssql"
	"github.com/dbtoolkit/sysmigrate/internal/script"
)

// SystemDatabases is the fixed set of databases whose user objects are
// migrated, in pass order. Not configurable.
var SystemDatabases = []string{"master", "model", "msdb"}

// Database is the per-database slice of a server handle the engine
// uses: catalog reads on the source, statement execution on a
// destination.
type Database interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Handle is a borrowed, authenticated connection to one instance. The
// orchestrator never closes a handle.
type Handle interface {
	Name() string
	DB(ctx context.Context, database string) (Database, error)
	IsSysAdmin(ctx context.Context) (bool, error)
}

// Connector establishes handles. Implemented over internal/mssql for
// real runs and faked in tests.
type Connector interface {
	Connect(ctx context.Context, endpoint mssql.Endpoint) (Handle, error)
}

// Orchestrator drives the full migration: destinations in the order
// given, the three system databases per destination, enumerate then
// generate then apply per pass. Passes are sequential so report and
// log ordering stay deterministic.
type Orchestrator struct {
	connector Connector
	policy    catalog.Policy

	// Injection points for the per-pass pipeline; defaults are the
	// real implementations.
	enumerate func(ctx context.Context, q catalog.Querier, database string, policy catalog.Policy) ([]catalog.Descriptor, error)
	generate  func(objects []catalog.Descriptor, policy catalog.Policy) (*script.Script, error)
	applyFn   func(ctx context.Context, exec apply.Executor, database string, s *script.Script, dryRun bool) *apply.PassResult
}

// New creates an orchestrator using the given connector and policy.
func New(connector Connector, policy catalog.Policy) *Orchestrator {
	return &Orchestrator{
		connector: connector,
		policy:    policy,
		enumerate: catalog.Enumerate,
		generate:  script.Generate,
		applyFn:   apply.Apply,
	}
}

// Run migrates user objects from the source to every destination and
// returns the per-(destination, database) outcome mapping.
//
// A connection or privilege failure on the source aborts the run. The
// same failure on a destination records its three passes as
// not-attempted and processing continues: destinations are
// independent. Cancellation is honored between passes, never
// mid-statement; a canceled run returns the partial report together
// with the context error.
func (o *Orchestrator) Run(ctx context.Context, source mssql.Endpoint, destinations []mssql.Endpoint, dryRun bool) (Report, error) {
	report := make(Report)

	sourceHandle, err := o.connector.Connect(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w: %v", source.DisplayName(), ErrConnection, err)
	}
	if err := o.checkPrivilege(ctx, sourceHandle); err != nil {
		return nil, fmt.Errorf("source %s: %w", source.DisplayName(), err)
	}
	logger.Info("connected to source %s", sourceHandle.Name())

	for _, destination := range destinations {
		if err := ctx.Err(); err != nil {
			o.markRemaining(report, destination.DisplayName(), "run canceled")
			return report, err
		}

		destinationHandle, err := o.connector.Connect(ctx, destination)
		if err != nil {
			logger.Error("destination %s unreachable, skipping: %v", destination.DisplayName(), err)
			o.markRemaining(report, destination.DisplayName(), fmt.Sprintf("connection failed: %v", err))
			continue
		}
		if err := o.checkPrivilege(ctx, destinationHandle); err != nil {
			logger.Error("destination %s: %v, skipping", destinationHandle.Name(), err)
			o.markRemaining(report, destinationHandle.Name(), err.Error())
			continue
		}

		for _, database := range SystemDatabases {
			key := PassKey{Destination: destinationHandle.Name(), Database: database}
			if err := ctx.Err(); err != nil {
				report[key] = apply.NotAttempted(database, "run canceled")
				continue
			}
			report[key] = o.runPass(ctx, sourceHandle, destinationHandle, database, dryRun)
		}
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// runPass executes one (database, destination) pass. The script is
// regenerated for every pass; it is never cached across destinations.
func (o *Orchestrator) runPass(ctx context.Context, source, destination Handle, database string, dryRun bool) *apply.PassResult {
	logger.Info("migrating %s user objects to %s", database, destination.Name())

	sourceDB, err := source.DB(ctx, database)
	if err != nil {
		// Losing the source mid-run affects every remaining pass the
		// same way; record it and let the next pass report it too.
		return apply.NotAttempted(database, fmt.Sprintf("source unavailable: %v", err))
	}

	objects, err := o.enumerate(ctx, sourceDB, database, o.policy)
	if err != nil {
		return apply.NotAttempted(database, fmt.Sprintf("enumeration failed: %v", err))
	}

	generated, err := o.generate(objects, o.policy)
	if err != nil {
		return apply.NotAttempted(database, fmt.Sprintf("generation aborted: %v", err))
	}

	for _, diagnostic := range generated.Diagnostics {
		logger.Warn("skipped scripting %s %s in %s: %s", diagnostic.Category, diagnostic.Object, database, diagnostic.Reason)
	}

	destinationDB, err := destination.DB(ctx, database)
	if err != nil {
		return apply.NotAttempted(database, fmt.Sprintf("destination database unavailable: %v", err))
	}

	result := o.applyFn(ctx, destinationDB, database, generated, dryRun)
	logger.Info("%s on %s: %d applied, %d skipped, %d failed, %d planned",
		database, destination.Name(), result.Applied, result.Skipped, result.Failed, result.Planned)
	return result
}

// checkPrivilege verifies the handle's login is a sysadmin.
func (o *Orchestrator) checkPrivilege(ctx context.Context, handle Handle) error {
	isAdmin, err := handle.IsSysAdmin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if !isAdmin {
		return fmt.Errorf("%w: login is not a sysadmin on %s", ErrPrivilege, handle.Name())
	}
	return nil
}

// markRemaining records all database passes for a destination as not
// attempted.
func (o *Orchestrator) markRemaining(report Report, destination, reason string) {
	for _, database := range SystemDatabases {
		key := PassKey{Destination: destination, Database: database}
		if _, exists := report[key]; !exists {
			report[key] = apply.NotAttempted(database, reason)
		}
	}
}
