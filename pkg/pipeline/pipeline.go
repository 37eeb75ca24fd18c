// Package pipeline provisions a runtime for one build environment and runs
// the project's tests, linters and coverage upload in it.
package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gosimple/slug"
	"github.com/opnlabs/taskrunner/pkg/models"
	"github.com/opnlabs/taskrunner/pkg/runner"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

type State string

const (
	InstallRuntime    State = "InstallRuntime"
	CreateEnvironment State = "CreateEnvironment"
	InstallPackage    State = "InstallPackage"
	RunTests          State = "RunTests"
	Lint              State = "Lint"
	UploadCoverage    State = "UploadCoverage"
	Done              State = "Done"
	Failed            State = "Failed"
)

// Step is one external command. An empty Dir runs it in the current
// directory.
type Step struct {
	Name  string
	Args  []string
	Env   map[string]string
	Dir   string
	Fatal bool
}

// Stage is one state of the pipeline. Steps run only when Needed returns
// true; Prepare runs before the first step.
//
// Stages with a Key change the shared sandbox. Runners sharing a sandbox
// group run at most one stage per Key at a time, and callers arriving while
// it runs take its result.
type Stage struct {
	State   State
	Key     string
	Needed  func() bool
	Prepare func(ctx context.Context) error
	Steps   []Step
}

type Executor interface {
	Execute(ctx context.Context, step Step) (int, error)
}

// ProcessExecutor runs steps as host processes.
type ProcessExecutor struct {
	LogOptions runner.LogOptions
}

func (p ProcessExecutor) Execute(ctx context.Context, step Step) (int, error) {
	return runner.NewProcessRunner(step.Name, p.LogOptions).
		WithCmd(step.Args).
		WithEnv(step.Env).
		WithDir(step.Dir).
		Run(ctx)
}

type StepResult struct {
	Name     string
	ExitCode int
	Err      error
	Fatal    bool
}

type StageResult struct {
	State   State
	Skipped bool
	Steps   []StepResult
}

// Report describes one pipeline run. ExitStatus is the exit code of the last
// step that ran, or in fail-fast mode the code of the step that stopped it.
type Report struct {
	Environment string
	EnvName     string
	State       State
	Stages      []StageResult
	ExitStatus  int
}

type Runner struct {
	config  Config
	exec    Executor
	client  *http.Client
	logger  *log.Logger
	sandbox *singleflight.Group
}

func NewRunner(config Config, exec Executor, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		config:  config,
		exec:    exec,
		client:  http.DefaultClient,
		logger:  logger,
		sandbox: &singleflight.Group{},
	}
}

func (r *Runner) WithHTTPClient(client *http.Client) *Runner {
	r.client = client
	return r
}

// WithSharedSandbox makes the runner coordinate sandbox changes with every
// other runner holding the same group.
func (r *Runner) WithSharedSandbox(group *singleflight.Group) *Runner {
	r.sandbox = group
	return r
}

// EnvironmentName derives the package environment name from the versions
// in use. Empty versions are left out of the readable part; the suffix is a
// digest of the exact versions, so versions that slug to the same text
// still get their own environment.
func EnvironmentName(python, numpy, matplotlib string) string {
	var parts []string
	if python != "" {
		parts = append(parts, "py"+python)
	}
	if numpy != "" {
		parts = append(parts, "np"+numpy)
	}
	if matplotlib != "" {
		parts = append(parts, "mpl"+matplotlib)
	}
	if len(parts) == 0 {
		return "default"
	}

	sum := blake3.Sum256([]byte(python + "\x00" + numpy + "\x00" + matplotlib))
	return slug.Make(strings.Join(parts, "-")) + "-" + hex.EncodeToString(sum[:4])
}

// stageOutcome is what one stage contributes to a report.
type stageOutcome struct {
	result  StageResult
	status  int
	aborted bool
}

// Run executes every stage for env against target and reports the result.
// Only invalid settings are returned as an error; failing steps are part of
// the report. A provision-only run does not look at the settings at all.
func (r *Runner) Run(ctx context.Context, env models.BuildEnvironment, target string) (Report, error) {
	var settings models.BuildSettings
	report := Report{Environment: env.String(), State: Done}
	if !r.config.ProvisionOnly {
		var err error
		settings, err = models.DecodeSettings(env, false)
		if err != nil {
			return Report{}, err
		}
		report.EnvName = EnvironmentName(settings.PythonVersion, settings.NumpyVersion, settings.MatplotlibVersion)
	}
	logger := r.logger.With("env", report.Environment)

	for _, stage := range r.Plan(env, settings, target) {
		outcome := r.runShared(ctx, stage, logger)
		report.Stages = append(report.Stages, outcome.result)
		if len(outcome.result.Steps) > 0 && (!r.config.FailFast || outcome.aborted) {
			report.ExitStatus = outcome.status
		}

		if outcome.aborted {
			report.State = Failed
			break
		}
		if ctx.Err() != nil {
			logger.Warn("run cancelled", "stage", stage.State)
			report.State = Failed
			break
		}
	}
	return report, nil
}

// runShared runs a keyed stage through the sandbox group. A caller that
// comes after the stage finished checks Needed again and usually skips it.
func (r *Runner) runShared(ctx context.Context, stage Stage, logger *log.Logger) stageOutcome {
	if stage.Key == "" {
		return r.runStage(ctx, stage, logger)
	}

	v, _, shared := r.sandbox.Do(stage.Key, func() (any, error) {
		return r.runStage(ctx, stage, logger), nil
	})
	if shared {
		logger.Debug("stage shared with another run", "stage", stage.State, "key", stage.Key)
	}
	return v.(stageOutcome)
}

func (r *Runner) runStage(ctx context.Context, stage Stage, logger *log.Logger) stageOutcome {
	outcome := stageOutcome{result: StageResult{State: stage.State}}
	if stage.Needed != nil && !stage.Needed() {
		logger.Info("skipping stage", "stage", stage.State)
		outcome.result.Skipped = true
		return outcome
	}

	logger.Info("starting stage", "stage", stage.State)
	if stage.Prepare != nil {
		if err := stage.Prepare(ctx); err != nil {
			logger.Warn("stage preparation failed", "stage", stage.State, "err", err)
			outcome.result.Steps = append(outcome.result.Steps, StepResult{Name: string(stage.State), ExitCode: 1, Err: err, Fatal: true})
			outcome.status = 1
			outcome.aborted = r.config.FailFast
			return outcome
		}
	}

	for _, step := range stage.Steps {
		code, err := r.exec.Execute(ctx, step)
		if err != nil {
			logger.Warn("step failed", "step", step.Name, "code", code, "err", err)
		}
		outcome.result.Steps = append(outcome.result.Steps, StepResult{Name: step.Name, ExitCode: code, Err: err, Fatal: step.Fatal})
		outcome.status = code

		if r.config.FailFast && code != 0 && step.Fatal {
			outcome.aborted = true
			break
		}
	}
	return outcome
}

// Plan lays out the stages for one environment.
func (r *Runner) Plan(env models.BuildEnvironment, settings models.BuildSettings, target string) []Stage {
	c := r.config
	runtimePath := c.RuntimePath()
	installer := Stage{
		State:   InstallRuntime,
		Key:     runtimePath,
		Needed:  func() bool { return !exists(runtimePath) },
		Prepare: r.fetchInstaller,
		Steps: []Step{{
			Name:  "install runtime",
			Args:  []string{"bash", c.InstallerPath(), "-b", "-p", runtimePath},
			Dir:   c.WorkDir,
			Fatal: true,
		}},
	}
	if c.ProvisionOnly {
		return []Stage{installer}
	}

	name := EnvironmentName(settings.PythonVersion, settings.NumpyVersion, settings.MatplotlibVersion)
	envPath := c.EnvironmentPath(name)
	stepEnv := r.stepEnv(env, name)
	tool := func(t string) string {
		if strings.ContainsRune(t, filepath.Separator) {
			return t
		}
		return filepath.Join(envPath, "bin", t)
	}
	conda := filepath.Join(runtimePath, "bin", "conda")

	create := []Step{{
		Name:  "create environment",
		Args:  append([]string{conda, "create", "--yes", "-n", name}, r.condaPackages(settings)...),
		Env:   stepEnv,
		Dir:   c.WorkDir,
		Fatal: true,
	}}
	if settings.UseCython && len(c.AcceleratedPackages) > 0 {
		create = append(create, Step{
			Name:  "install accelerated build",
			Args:  append([]string{conda, "install", "--yes", "-n", name}, c.AcceleratedPackages...),
			Env:   stepEnv,
			Dir:   c.WorkDir,
			Fatal: true,
		})
	}
	if len(c.PipPackages) > 0 {
		create = append(create, Step{
			Name:  "install tools",
			Args:  append([]string{tool("pip"), "install"}, c.PipPackages...),
			Env:   stepEnv,
			Dir:   c.WorkDir,
			Fatal: true,
		})
	}

	testArgs := []string{tool(c.TestRunner), target}
	testsEnv := stepEnv
	if settings.WithDoctest {
		testArgs = append(testArgs, "--with-doctest")
		testsEnv = copyEnv(stepEnv)
		testsEnv["PYTHONWARNINGS"] = "ignore"
	}
	testArgs = append(testArgs, "--with-coverage", "-I", "DONOTIGNOREANYTHING")

	var lint []Step
	for _, checker := range c.Checkers {
		lint = append(lint, Step{
			Name:  checker,
			Args:  append([]string{tool(checker), target}, c.LintPaths...),
			Env:   stepEnv,
			Dir:   c.WorkDir,
			Fatal: true,
		})
	}
	if c.Checklist != "" {
		lint = append(lint, Step{Name: "checklist", Args: []string{c.Checklist}, Env: stepEnv, Dir: c.WorkDir, Fatal: true})
	}

	var upload []Step
	if c.Uploader != "" {
		upload = append(upload, Step{Name: "upload coverage", Args: []string{tool(c.Uploader)}, Env: stepEnv, Dir: c.WorkDir})
	}

	return []Stage{
		installer,
		{
			State:  CreateEnvironment,
			Key:    envPath,
			Needed: func() bool { return !exists(envPath) },
			Steps:  create,
		},
		{
			State: InstallPackage,
			Steps: []Step{{
				Name:  "install package",
				Args:  []string{tool("pip"), "install", "--no-deps", "-e", "."},
				Env:   stepEnv,
				Dir:   c.WorkDir,
				Fatal: true,
			}},
		},
		{
			State: RunTests,
			Steps: []Step{{Name: "run tests", Args: testArgs, Env: testsEnv, Dir: c.WorkDir, Fatal: true}},
		},
		{State: Lint, Steps: lint},
		{State: UploadCoverage, Steps: upload},
	}
}

func (r *Runner) condaPackages(s models.BuildSettings) []string {
	pin := func(pkg, version string) string {
		if version == "" {
			return pkg
		}
		return pkg + "=" + version
	}
	pkgs := []string{
		pin("python", s.PythonVersion),
		"pip",
		pin("numpy", s.NumpyVersion),
		pin("matplotlib", s.MatplotlibVersion),
	}
	return append(pkgs, r.config.CondaPackages...)
}

// stepEnv is what activating the named environment would export, on top of
// the build environment's own variables.
func (r *Runner) stepEnv(env models.BuildEnvironment, name string) map[string]string {
	vars := env.Map()
	bin := filepath.Join(r.config.EnvironmentPath(name), "bin")

	path := os.Getenv("PATH")
	if v, ok := vars["PATH"]; ok {
		path = v
	}
	if path == "" {
		vars["PATH"] = bin
	} else {
		vars["PATH"] = bin + string(os.PathListSeparator) + path
	}
	vars["CONDA_DEFAULT_ENV"] = name
	return vars
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env)+1)
	for k, v := range env {
		out[k] = v
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
