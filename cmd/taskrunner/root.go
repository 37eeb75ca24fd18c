package taskrunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/opnlabs/taskrunner/pkg/driver"
	"github.com/opnlabs/taskrunner/pkg/pipeline"
	"github.com/opnlabs/taskrunner/pkg/runner"
	"github.com/spf13/cobra"
	"golang.org/x/sync/singleflight"
)

func newRootCmd(exitCode *int) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskrunner <target>",
		Short: "Taskrunner runs a test pipeline for every environment of a CI build matrix",
		Long: `Taskrunner reads the env matrix of a CI configuration file ( default .travis.yml )
and, for every line of it, installs a conda runtime into a local sandbox, creates a
matching environment, installs the package and runs its tests, linters and coverage
upload against the given target.

When the CI variable ( default TRAVIS=TRUE ) is set, the environment is assumed to be
prepared already and a single run is made with the variables of the current process.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,

		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd.Flags())
			if err != nil {
				return err
			}

			status, err := run(cmd.Context(), args[0], settings, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			*exitCode = status
			return nil
		},
	}

	addFlags(cmd.Flags())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)

	exitCode := 0
	err := newRootCmd(&exitCode).ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(exitCode)
}

func newLogger(w io.Writer, level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return log.NewWithOptions(w, log.Options{
		Prefix:          "taskrunner",
		Level:           lvl,
		ReportTimestamp: true,
	}), nil
}

func run(ctx context.Context, target string, settings Settings, stdout, stderr io.Writer) (int, error) {
	logger, err := newLogger(stderr, settings.LogLevel)
	if err != nil {
		return 1, err
	}
	logger = logger.With("run", uuid.NewString()[:8])

	if settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.Timeout)
		defer cancel()
	}

	sandboxDir, err := filepath.Abs(settings.SandboxDir)
	if err != nil {
		return 1, fmt.Errorf("could not resolve sandbox %s: %v", settings.SandboxDir, err)
	}
	config := settings.pipelineConfig(sandboxDir)

	sandbox := &singleflight.Group{}
	newRunner := func(stdout, stderr io.Writer) driver.PipelineRunner {
		exec := pipeline.ProcessExecutor{
			LogOptions: runner.LogOptions{Stdout: stdout, Stderr: stderr, Logger: logger},
		}
		return pipeline.NewRunner(config, exec, logger).WithSharedSandbox(sandbox)
	}

	d := driver.New(driver.Options{
		MatrixFile:    settings.MatrixFile,
		CIVariable:    settings.CIVariable,
		CIValue:       settings.CIValue,
		Strict:        settings.Strict,
		ProvisionOnly: settings.ProvisionOnly,
		Jobs:          settings.Jobs,
		Stdout:        stdout,
		Stderr:        stderr,
	}, newRunner, logger)

	status, err := d.Execute(ctx, target)
	if err != nil {
		return status, err
	}
	if settings.Summary {
		d.Summary(stdout)
	}
	return status, nil
}
