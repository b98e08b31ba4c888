package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/dbtoolkit/sysmigrate/internal/apply"
	"github.com/dbtoolkit/sysmigrate/internal/catalog"
	"github.com/dbtoolkit/sysmigrate/internal/mssql"
	"github.com/dbtoolkit/sysmigrate/internal/script"
)

type fakeDatabase struct{}

func (fakeDatabase) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, errors.New("not used in tests")
}

func (fakeDatabase) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}

type fakeHandle struct {
	name     string
	sysadmin bool
	adminErr error
	dbErr    error
}

func (h *fakeHandle) Name() string { return h.name }

func (h *fakeHandle) DB(ctx context.Context, database string) (Database, error) {
	if h.dbErr != nil {
		return nil, h.dbErr
	}
	return fakeDatabase{}, nil
}

func (h *fakeHandle) IsSysAdmin(ctx context.Context) (bool, error) {
	if h.adminErr != nil {
		return false, h.adminErr
	}
	return h.sysadmin, nil
}

// fakeConnector maps endpoint display names to handles or connection
// errors.
type fakeConnector struct {
	handles  map[string]*fakeHandle
	failures map[string]error
}

func (c *fakeConnector) Connect(ctx context.Context, endpoint mssql.Endpoint) (Handle, error) {
	name := endpoint.DisplayName()
	if err, ok := c.failures[name]; ok {
		return nil, err
	}
	handle, ok := c.handles[name]
	if !ok {
		return nil, fmt.Errorf("no route to %s", name)
	}
	return handle, nil
}

func endpoint(name string) mssql.Endpoint {
	return mssql.Endpoint{Name: name, Host: name + ".example.com", Port: 1433}
}

// testOrchestrator wires an orchestrator whose pipeline stages are
// stubbed out; every pass applies one statement successfully.
func testOrchestrator(connector Connector) *Orchestrator {
	o := New(connector, catalog.DefaultPolicy())
	o.enumerate = func(ctx context.Context, q catalog.Querier, database string, policy catalog.Policy) ([]catalog.Descriptor, error) {
		return []catalog.Descriptor{{Category: catalog.CategorySchema, Name: "ops"}}, nil
	}
	o.generate = func(objects []catalog.Descriptor, policy catalog.Policy) (*script.Script, error) {
		return &script.Script{Statements: []script.Statement{
			{Category: catalog.CategorySchema, Object: "ops", SQL: "CREATE SCHEMA [ops]"},
		}}, nil
	}
	o.applyFn = func(ctx context.Context, exec apply.Executor, database string, s *script.Script, dryRun bool) *apply.PassResult {
		return &apply.PassResult{Database: database, Completed: true, Applied: len(s.Statements)}
	}
	return o
}

func TestRun_AllDestinationsHealthy(t *testing.T) {
	connector := &fakeConnector{handles: map[string]*fakeHandle{
		"src": {name: "src", sysadmin: true},
		"dr1": {name: "dr1", sysadmin: true},
		"dr2": {name: "dr2", sysadmin: true},
	}}
	o := testOrchestrator(connector)

	report, err := o.Run(context.Background(), endpoint("src"), []mssql.Endpoint{endpoint("dr1"), endpoint("dr2")}, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Two destinations times three system databases.
	if len(report) != 6 {
		t.Fatalf("Expected 6 passes, got %d", len(report))
	}
	for _, destination := range []string{"dr1", "dr2"} {
		for _, database := range SystemDatabases {
			result, ok := report[PassKey{Destination: destination, Database: database}]
			if !ok {
				t.Errorf("Missing pass %s/%s", destination, database)
				continue
			}
			if !result.Completed || result.Applied != 1 {
				t.Errorf("%s/%s: completed=%v applied=%d", destination, database, result.Completed, result.Applied)
			}
		}
	}
}

func TestRun_SourceConnectionFailureAborts(t *testing.T) {
	connector := &fakeConnector{
		handles:  map[string]*fakeHandle{"dr1": {name: "dr1", sysadmin: true}},
		failures: map[string]error{"src": errors.New("dial tcp: connection refused")},
	}
	o := testOrchestrator(connector)

	report, err := o.Run(context.Background(), endpoint("src"), []mssql.Endpoint{endpoint("dr1")}, false)
	if err == nil {
		t.Fatal("Expected error for unreachable source")
	}
	if !errors.Is(err, ErrConnection) {
		t.Errorf("Expected ErrConnection, got %v", err)
	}
	if report != nil {
		t.Error("Expected no report when the source is unreachable")
	}
}

func TestRun_SourcePrivilegeFailureAborts(t *testing.T) {
	connector := &fakeConnector{handles: map[string]*fakeHandle{
		"src": {name: "src", sysadmin: false},
		"dr1": {name: "dr1", sysadmin: true},
	}}
	o := testOrchestrator(connector)

	_, err := o.Run(context.Background(), endpoint("src"), []mssql.Endpoint{endpoint("dr1")}, false)
	if !errors.Is(err, ErrPrivilege) {
		t.Errorf("Expected ErrPrivilege, got %v", err)
	}
}

func TestRun_DestinationFailureSkipsOnlyThatDestination(t *testing.T) {
	connector := &fakeConnector{
		handles: map[string]*fakeHandle{
			"src": {name: "src", sysadmin: true},
			"dr2": {name: "dr2", sysadmin: true},
		},
		failures: map[string]error{"dr1": errors.New("dial tcp: no route to host")},
	}
	o := testOrchestrator(connector)

	report, err := o.Run(context.Background(), endpoint("src"), []mssql.Endpoint{endpoint("dr1"), endpoint("dr2")}, false)
	if err != nil {
		t.Fatalf("Run() error = %v; destination failures must not abort", err)
	}

	if len(report) != 6 {
		t.Fatalf("Expected 6 passes (3 not attempted + 3 completed), got %d", len(report))
	}
	for _, database := range SystemDatabases {
		down := report[PassKey{Destination: "dr1", Database: database}]
		if down == nil || down.NotAttempted == "" {
			t.Errorf("dr1/%s: expected not-attempted result", database)
		}
		up := report[PassKey{Destination: "dr2", Database: database}]
		if up == nil || !up.Completed {
			t.Errorf("dr2/%s: expected completed pass", database)
		}
	}
}

func TestRun_DestinationWithoutSysadminSkipped(t *testing.T) {
	connector := &fakeConnector{handles: map[string]*fakeHandle{
		"src": {name: "src", sysadmin: true},
		"dr1": {name: "dr1", sysadmin: false},
	}}
	o := testOrchestrator(connector)

	report, err := o.Run(context.Background(), endpoint("src"), []mssql.Endpoint{endpoint("dr1")}, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, database := range SystemDatabases {
		result := report[PassKey{Destination: "dr1", Database: database}]
		if result == nil || result.NotAttempted == "" {
			t.Errorf("dr1/%s: expected not-attempted result for missing privilege", database)
		}
	}
}

func TestRun_EnumerationFailureRecordedPerPass(t *testing.T) {
	connector := &fakeConnector{handles: map[string]*fakeHandle{
		"src": {name: "src", sysadmin: true},
		"dr1": {name: "dr1", sysadmin: true},
	}}
	o := testOrchestrator(connector)
	o.enumerate = func(ctx context.Context, q catalog.Querier, database string, policy catalog.Policy) ([]catalog.Descriptor, error) {
		if database == "model" {
			return nil, errors.New("catalog query failed")
		}
		return nil, nil
	}

	report, err := o.Run(context.Background(), endpoint("src"), []mssql.Endpoint{endpoint("dr1")}, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	model := report[PassKey{Destination: "dr1", Database: "model"}]
	if model.NotAttempted == "" {
		t.Error("model: expected not-attempted result for enumeration failure")
	}
	for _, database := range []string{"master", "msdb"} {
		if result := report[PassKey{Destination: "dr1", Database: database}]; !result.Completed {
			t.Errorf("%s: expected pass to complete despite model failing", database)
		}
	}
}

func TestRun_GenerationAbortRecordedPerPass(t *testing.T) {
	connector := &fakeConnector{handles: map[string]*fakeHandle{
		"src": {name: "src", sysadmin: true},
		"dr1": {name: "dr1", sysadmin: true},
	}}
	o := testOrchestrator(connector)
	o.generate = func(objects []catalog.Descriptor, policy catalog.Policy) (*script.Script, error) {
		return nil, &script.GenerationError{Category: catalog.CategoryStoredProcedure, Object: "dbo.spSecret", Reason: "definition could not be resolved"}
	}

	report, err := o.Run(context.Background(), endpoint("src"), []mssql.Endpoint{endpoint("dr1")}, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, database := range SystemDatabases {
		result := report[PassKey{Destination: "dr1", Database: database}]
		if result.NotAttempted == "" {
			t.Errorf("%s: expected not-attempted result for generation abort", database)
		}
	}
}

func TestRun_ScriptRegeneratedPerPass(t *testing.T) {
	connector := &fakeConnector{handles: map[string]*fakeHandle{
		"src": {name: "src", sysadmin: true},
		"dr1": {name: "dr1", sysadmin: true},
		"dr2": {name: "dr2", sysadmin: true},
	}}
	o := testOrchestrator(connector)

	var generateCalls int
	o.generate = func(objects []catalog.Descriptor, policy catalog.Policy) (*script.Script, error) {
		generateCalls++
		return &script.Script{}, nil
	}

	_, err := o.Run(context.Background(), endpoint("src"), []mssql.Endpoint{endpoint("dr1"), endpoint("dr2")}, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if generateCalls != 6 {
		t.Errorf("Expected 6 generate calls (one per pass), got %d", generateCalls)
	}
}

func TestRun_CancellationBetweenPasses(t *testing.T) {
	connector := &fakeConnector{handles: map[string]*fakeHandle{
		"src": {name: "src", sysadmin: true},
		"dr1": {name: "dr1", sysadmin: true},
	}}
	o := testOrchestrator(connector)

	ctx, cancel := context.WithCancel(context.Background())
	var applied int
	o.applyFn = func(ctx context.Context, exec apply.Executor, database string, s *script.Script, dryRun bool) *apply.PassResult {
		applied++
		if database == "master" {
			// Operator interrupt lands while the first pass is running.
			cancel()
		}
		return &apply.PassResult{Database: database, Completed: true}
	}

	report, err := o.Run(ctx, endpoint("src"), []mssql.Endpoint{endpoint("dr1")}, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if applied != 1 {
		t.Errorf("Expected only the in-flight pass to finish, got %d applied passes", applied)
	}

	// The partial report still accounts for every pass.
	if len(report) != 3 {
		t.Fatalf("Expected 3 pass entries in the partial report, got %d", len(report))
	}
	if !report[PassKey{Destination: "dr1", Database: "master"}].Completed {
		t.Error("master: the in-flight pass must be recorded as completed")
	}
	for _, database := range []string{"model", "msdb"} {
		result := report[PassKey{Destination: "dr1", Database: database}]
		if result.NotAttempted == "" {
			t.Errorf("%s: expected not-attempted result after cancellation", database)
		}
	}
}

func TestRun_DryRunPropagates(t *testing.T) {
	connector := &fakeConnector{handles: map[string]*fakeHandle{
		"src": {name: "src", sysadmin: true},
		"dr1": {name: "dr1", sysadmin: true},
	}}
	o := testOrchestrator(connector)

	var sawDryRun bool
	o.applyFn = func(ctx context.Context, exec apply.Executor, database string, s *script.Script, dryRun bool) *apply.PassResult {
		sawDryRun = dryRun
		return &apply.PassResult{Database: database, Completed: true, Planned: len(s.Statements)}
	}

	_, err := o.Run(context.Background(), endpoint("src"), []mssql.Endpoint{endpoint("dr1")}, true)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !sawDryRun {
		t.Error("Expected dryRun to reach the applier")
	}
}

func TestReport_Keys(t *testing.T) {
	report := Report{
		{Destination: "dr2", Database: "msdb"}:   &apply.PassResult{},
		{Destination: "dr1", Database: "msdb"}:   &apply.PassResult{},
		{Destination: "dr1", Database: "master"}: &apply.PassResult{},
		{Destination: "dr2", Database: "master"}: &apply.PassResult{},
		{Destination: "dr1", Database: "model"}:  &apply.PassResult{},
	}

	keys := report.Keys()
	want := []PassKey{
		{Destination: "dr1", Database: "master"},
		{Destination: "dr1", Database: "model"},
		{Destination: "dr1", Database: "msdb"},
		{Destination: "dr2", Database: "master"},
		{Destination: "dr2", Database: "msdb"},
	}
	if len(keys) != len(want) {
		t.Fatalf("Expected %d keys, got %d", len(want), len(keys))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Key %d = %+v, want %+v", i, keys[i], want[i])
		}
	}
}

func TestReport_FailedCount(t *testing.T) {
	report := Report{
		{Destination: "dr1", Database: "master"}: &apply.PassResult{Failed: 2, Skipped: 5},
		{Destination: "dr1", Database: "model"}:  &apply.PassResult{Failed: 1},
		{Destination: "dr1", Database: "msdb"}:   &apply.PassResult{Applied: 7},
	}
	if got := report.FailedCount(); got != 3 {
		t.Errorf("FailedCount() = %d, want 3", got)
	}
}
