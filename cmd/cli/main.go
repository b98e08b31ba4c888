package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dbtoolkit/sysmigrate/internal/apply"
	"github.com/dbtoolkit/sysmigrate/internal/config"
	"github.com/dbtoolkit/sysmigrate/internal/logger"
	"github.com/dbtoolkit/sysmigrate/internal/mssql"
	"github.com/dbtoolkit/sysmigrate/internal/transfer"
)

var (
	configPath string
	verbose    bool
	dryRun     bool
	assumeYes  bool
)

var rootCmd = &cobra.Command{
	Use:   "sysmigrate",
	Short: "sysmigrate - system database user-object migration",
	Long: `sysmigrate copies user-created objects (tables, views, procedures,
triggers, roles, types, synonyms, schemas and more) living inside the
master, model and msdb system databases from one SQL Server instance to
one or more destination instances.

Statements are applied in dependency-friendly order and re-runs are
safe: objects already present on a destination are reported as skipped,
not as errors.`,
	Version: "1.0.0",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Migrate system database user objects to the configured destinations",
	Long: `Run enumerates the user objects in master, model and msdb on the
source instance, generates a recreation script per database and applies
it to every destination.

Example:
  sysmigrate run --config sysmigrate.yaml
  sysmigrate run --config sysmigrate.yaml --dry-run
  sysmigrate run --config sysmigrate.yaml --yes --verbose`,
	RunE: runMigration,
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show the statements a run would apply without executing them",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun = true
		return runMigration(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sysmigrate version %s\n", rootCmd.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "sysmigrate.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output (statement text for every non-applied statement)")

	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be applied without executing anything")
	runCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Skip the confirmation prompt")

	rootCmd.AddCommand(runCmd, previewCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, transfer.ErrConnection) || errors.Is(err, transfer.ErrPrivilege) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func runMigration(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		logger.SetLevelFromString("debug")
	} else if cfg.LogLevel != "" {
		logger.SetLevelFromString(cfg.LogLevel)
	}

	destinations := make([]mssql.Endpoint, 0, len(cfg.Destinations))
	for _, destination := range cfg.Destinations {
		destinations = append(destinations, destination.Endpoint())
	}

	if !dryRun && !confirm(cfg.Source.Endpoint(), destinations) {
		fmt.Println("Aborted.")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connector := &mssqlConnector{}
	defer connector.CloseAll()

	orchestrator := transfer.New(connector, cfg.TransferPolicy())
	report, runErr := orchestrator.Run(ctx, cfg.Source.Endpoint(), destinations, dryRun)
	if report != nil {
		renderReport(report)
	}
	if runErr != nil {
		return runErr
	}

	if failed := report.FailedCount(); failed > 0 {
		return fmt.Errorf("migration completed with %d failed statement(s)", failed)
	}
	return nil
}

// confirm is the interactive gate before a live run. Piped input and
// --yes both proceed without asking.
func confirm(source mssql.Endpoint, destinations []mssql.Endpoint) bool {
	if assumeYes {
		return true
	}
	fmt.Printf("Migrate user objects in master, model and msdb from %s to %d destination(s)? [y/N] ", source.DisplayName(), len(destinations))
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return true
	}
	answer := scanner.Text()
	return answer == "y" || answer == "Y" || answer == "yes"
}

func renderReport(report transfer.Report) {
	fmt.Println()
	for _, key := range report.Keys() {
		result := report[key]
		if result.NotAttempted != "" {
			fmt.Printf("%-20s %-8s not attempted: %s\n", key.Destination, key.Database, result.NotAttempted)
			continue
		}
		fmt.Printf("%-20s %-8s applied=%d skipped=%d failed=%d planned=%d\n",
			key.Destination, key.Database, result.Applied, result.Skipped, result.Failed, result.Planned)

		for _, diagnostic := range result.Diagnostics {
			fmt.Printf("    not scripted: %s %s (%s)\n", diagnostic.Category, diagnostic.Object, diagnostic.Reason)
		}
		if verbose {
			for _, statement := range result.Statements {
				if statement.Outcome == apply.OutcomeApplied {
					continue
				}
				fmt.Printf("    [%s] %s\n", statement.Outcome, statement.Statement.Object)
				fmt.Printf("        %s\n", statement.Statement.SQL)
				if statement.Reason != "" {
					fmt.Printf("        reason: %s\n", statement.Reason)
				}
			}
		}
	}
}

// serverHandle adapts *mssql.Server to the orchestrator's Handle
// interface (the DB return types differ).
type serverHandle struct {
	server *mssql.Server
}

func (h serverHandle) Name() string { return h.server.Name() }

func (h serverHandle) DB(ctx context.Context, database string) (transfer.Database, error) {
	return h.server.DB(ctx, database)
}

func (h serverHandle) IsSysAdmin(ctx context.Context) (bool, error) {
	return h.server.IsSysAdmin(ctx)
}

// mssqlConnector owns every handle it opens; the engine only borrows
// them.
type mssqlConnector struct {
	opened []*mssql.Server
}

func (c *mssqlConnector) Connect(ctx context.Context, endpoint mssql.Endpoint) (transfer.Handle, error) {
	server, err := mssql.Connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	c.opened = append(c.opened, server)
	return serverHandle{server: server}, nil
}

func (c *mssqlConnector) CloseAll() {
	for _, server := range c.opened {
		if err := server.Close(); err != nil {
			logger.Warn("failed to close connection to %s: %v", server.Name(), err)
		}
	}
	c.opened = nil
}
