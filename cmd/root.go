// Package cmd defines and implements the CLI commands for the deckharvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/app"
	"github.com/JakeFAU/deck-harvester/internal/config"
	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Close() error
	GetLogger() *zap.Logger
	GetStore() harvest.Store
	Run(ctx context.Context, op harvest.Operation, source string) (harvest.RunRecord, error)
	Serve(ctx context.Context) error
	Migrate() error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// session tracks the App built for one invocation so it can be closed even when
// the command fails.
type session struct {
	cfgFile string
	app     App
}

func (s *session) close() error {
	if s.app == nil {
		return nil
	}
	err := s.app.Close()
	s.app = nil
	return err
}

// newRootCmd creates and configures the root command.
func newRootCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deckharvester",
		Short: "Harvests public decklists and normalizes their cards.",
		Long: `deckharvester pulls public decklists from community deck sites, resolves
every card name to its canonical identifier and stores deduplicated decks with
a content fingerprint. Jobs run from the command line or through the HTTP API
and each one leaves a run record behind.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), s.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			s.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&s.cfgFile, "config", "", "config file (default searches ./deckharvester.yaml, $HOME/.deckharvester, /etc/deckharvester)")

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newNormalizeCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newRunsCmd())
	cmd.AddCommand(newUnmappedCmd())
	cmd.AddCommand(newDiscrepanciesCmd())
	cmd.AddCommand(newDeckCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

// execute runs the command tree with args and always closes the App it built.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	s := &session{}
	root := newRootCmd(s)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	defer func() {
		if cerr := s.close(); cerr != nil && err == nil {
			err = fmt.Errorf("close application: %w", cerr)
		}
	}()
	return root.ExecuteContext(ctx)
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the running job,
// which then releases its unprocessed work and records its run.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
