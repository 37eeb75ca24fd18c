// Package driver decides how a build is run and runs the pipeline once per
// build environment.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/opnlabs/taskrunner/pkg/envscope"
	"github.com/opnlabs/taskrunner/pkg/matrix"
	"github.com/opnlabs/taskrunner/pkg/models"
	"github.com/opnlabs/taskrunner/pkg/pipeline"
	"github.com/opnlabs/taskrunner/pkg/store"
	"github.com/opnlabs/taskrunner/pkg/utils"
	"golang.org/x/sync/errgroup"
)

const (
	CI_VARIABLE = "TRAVIS"
	CI_VALUE    = "TRUE"
)

type PipelineRunner interface {
	Run(ctx context.Context, env models.BuildEnvironment, target string) (pipeline.Report, error)
}

// RunnerFactory returns a pipeline runner writing command output to stdout
// and stderr.
type RunnerFactory func(stdout, stderr io.Writer) PipelineRunner

type Options struct {
	MatrixFile string
	CIVariable string
	CIValue    string
	Strict     bool
	// ProvisionOnly runs only need the runtime, so build settings are not
	// checked.
	ProvisionOnly bool
	Jobs          int
	Stdout        io.Writer
	Stderr        io.Writer
}

type Driver struct {
	opts      Options
	newRunner RunnerFactory
	logger    *log.Logger
	results   *store.MemStore[pipeline.Report]
}

func New(opts Options, newRunner RunnerFactory, logger *log.Logger) *Driver {
	if opts.CIVariable == "" {
		opts.CIVariable = CI_VARIABLE
	}
	if opts.CIValue == "" {
		opts.CIValue = CI_VALUE
	}
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Driver{
		opts:      opts,
		newRunner: newRunner,
		logger:    logger,
		results:   store.NewMemStore[pipeline.Report](),
	}
}

// ExternallyManaged reports whether a CI service has already set up the
// build environment for this process.
func (d *Driver) ExternallyManaged() bool {
	return strings.EqualFold(os.Getenv(d.opts.CIVariable), d.opts.CIValue)
}

// Execute runs target in every build environment and returns the exit
// status of the last run. Errors are returned only for problems that
// prevent any run from starting.
func (d *Driver) Execute(ctx context.Context, target string) (int, error) {
	if d.ExternallyManaged() {
		d.logger.Info("running in externally managed environment", "variable", d.opts.CIVariable)
		return d.runAmbient(ctx, target)
	}

	envs, err := matrix.Load(d.opts.MatrixFile)
	if err != nil {
		return 1, err
	}
	if !d.opts.ProvisionOnly {
		for _, env := range envs {
			if _, err := models.DecodeSettings(env, d.opts.Strict); err != nil {
				return 1, err
			}
		}
	}
	d.logger.Info("loaded build matrix", "file", d.opts.MatrixFile, "environments", len(envs))

	if d.opts.Jobs > 1 {
		return d.runParallel(ctx, envs, target)
	}
	return d.runSequential(ctx, envs, target)
}

func (d *Driver) runAmbient(ctx context.Context, target string) (int, error) {
	vars := make(map[string]string)
	for _, k := range models.KnownVariables {
		if v, ok := os.LookupEnv(k); ok {
			vars[k] = v
		}
	}
	env := models.EnvironmentFromMap("ambient", vars)
	if !d.opts.ProvisionOnly {
		if _, err := models.DecodeSettings(env, false); err != nil {
			return 1, err
		}
	}

	report, err := d.newRunner(d.opts.Stdout, d.opts.Stderr).Run(ctx, env, target)
	if err != nil {
		return 1, err
	}
	d.record(report)
	return report.ExitStatus, nil
}

func (d *Driver) runSequential(ctx context.Context, envs []models.BuildEnvironment, target string) (int, error) {
	status := 0
	r := d.newRunner(d.opts.Stdout, d.opts.Stderr)
	for _, env := range envs {
		report, err := d.runScoped(ctx, r, env, target)
		if err != nil {
			return 1, err
		}
		d.record(report)
		status = report.ExitStatus

		if ctx.Err() != nil {
			return status, ctx.Err()
		}
	}
	return status, nil
}

// runScoped exports env to the process for the length of one run.
func (d *Driver) runScoped(ctx context.Context, r PipelineRunner, env models.BuildEnvironment, target string) (pipeline.Report, error) {
	snapshot, err := envscope.Apply(env)
	if err != nil {
		return pipeline.Report{}, fmt.Errorf("could not apply %s: %w", env, err)
	}
	defer envscope.Restore(snapshot)

	return r.Run(ctx, env, target)
}

// runParallel never touches the process environment; every run gets its
// variables through the pipeline steps.
func (d *Driver) runParallel(ctx context.Context, envs []models.BuildEnvironment, target string) (int, error) {
	reports := make([]pipeline.Report, len(envs))

	var eg errgroup.Group
	eg.SetLimit(d.opts.Jobs)
	for i, env := range envs {
		eg.Go(func() error {
			attr := utils.NextColor()
			stdout := utils.NewColorLogger(env.String(), d.opts.Stdout, attr)
			stderr := utils.NewColorLogger(env.String(), d.opts.Stderr, attr)
			report, err := d.newRunner(stdout, stderr).Run(ctx, env, target)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 1, err
	}

	status := 0
	for _, report := range reports {
		d.record(report)
		if report.ExitStatus != 0 {
			status = report.ExitStatus
		}
	}
	return status, nil
}

func (d *Driver) record(report pipeline.Report) {
	err := d.results.Set(report.Environment, report)
	if errors.Is(err, store.ErrKeyExists) {
		d.logger.Warn("duplicate build environment", "env", report.Environment)
		d.results.Update(report.Environment, report)
	}
}

// Reports returns the recorded runs in the order they were recorded.
func (d *Driver) Reports() []pipeline.Report {
	var reports []pipeline.Report
	for _, k := range d.results.Keys() {
		if r, err := d.results.Get(k); err == nil {
			reports = append(reports, r)
		}
	}
	return reports
}

// Summary writes one line per recorded run.
func (d *Driver) Summary(w io.Writer) {
	for _, r := range d.Reports() {
		var failed []string
		for _, stage := range r.Stages {
			for _, step := range stage.Steps {
				if step.ExitCode != 0 {
					failed = append(failed, fmt.Sprintf("%s (%d)", step.Name, step.ExitCode))
				}
			}
		}

		verdict := "ok"
		if len(failed) > 0 {
			verdict = "failed: " + strings.Join(failed, ", ")
		}
		fmt.Fprintf(w, "%-40s %-8s %s\n", r.Environment, r.State, verdict)
	}
}
