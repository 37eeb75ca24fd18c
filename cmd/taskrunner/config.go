package taskrunner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/opnlabs/taskrunner/pkg/driver"
	"github.com/opnlabs/taskrunner/pkg/models"
	"github.com/opnlabs/taskrunner/pkg/pipeline"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	CONFIG_FILE = "taskrunner.yaml"
	ENV_PREFIX  = "TASKRUNNER"
	MATRIX_FILE = ".travis.yml"
)

type Settings struct {
	ConfigFile    string        `mapstructure:"config"`
	MatrixFile    string        `mapstructure:"matrix_file" validate:"required"`
	SandboxDir    string        `mapstructure:"sandbox_dir" validate:"required"`
	WorkDir       string        `mapstructure:"work_dir"`
	RuntimeDir    string        `mapstructure:"runtime_dir" validate:"required"`
	CIVariable    string        `mapstructure:"ci_variable" validate:"required"`
	CIValue       string        `mapstructure:"ci_value" validate:"required"`
	FailFast      bool          `mapstructure:"fail_fast"`
	ProvisionOnly bool          `mapstructure:"provision_only"`
	Strict        bool          `mapstructure:"strict"`
	Summary       bool          `mapstructure:"summary"`
	Jobs          int           `mapstructure:"jobs" validate:"min=1"`
	Timeout       time.Duration `mapstructure:"timeout"`
	LogLevel      string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	Installer struct {
		BaseURL string `mapstructure:"base_url" validate:"required,url"`
		Name    string `mapstructure:"name" validate:"required"`
	} `mapstructure:"installer"`

	Packages struct {
		Conda       []string `mapstructure:"conda"`
		Pip         []string `mapstructure:"pip"`
		Accelerated []string `mapstructure:"accelerated"`
	} `mapstructure:"packages"`

	Tests struct {
		Runner string `mapstructure:"runner" validate:"required"`
	} `mapstructure:"tests"`

	Lint struct {
		Checkers  []string `mapstructure:"checkers"`
		Paths     []string `mapstructure:"paths"`
		Checklist string   `mapstructure:"checklist"`
	} `mapstructure:"lint"`

	Coverage struct {
		Uploader string `mapstructure:"uploader"`
	} `mapstructure:"coverage"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"config":         "config",
	"matrix-file":    "matrix_file",
	"sandbox-dir":    "sandbox_dir",
	"work-dir":       "work_dir",
	"fail-fast":      "fail_fast",
	"provision-only": "provision_only",
	"strict":         "strict",
	"summary":        "summary",
	"jobs":           "jobs",
	"timeout":        "timeout",
	"log-level":      "log_level",
}

func addFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "Path to the taskrunner config file. (default taskrunner.yaml if present)")
	flags.StringP("matrix-file", "f", MATRIX_FILE, "Path to the CI configuration holding the env matrix.")
	flags.String("sandbox-dir", pipeline.SANDBOX_DIR, "Directory for the runtime installer and environments.")
	flags.String("work-dir", "", "Directory of the project to build. (default current directory)")
	flags.Bool("fail-fast", false, "Stop a run at the first failing step.")
	flags.Bool("provision-only", false, "Only install the runtime, skip every other stage.")
	flags.Bool("strict", false, "Reject matrix variables the pipeline does not know about.")
	flags.Bool("summary", false, "Print one line per environment when all runs are done.")
	flags.IntP("jobs", "j", 1, "Number of environments to run at once. More than 1 leaves the process environment untouched.")
	flags.Duration("timeout", 0, "Give up on the whole build after this long. 0 waits forever.")
	flags.String("log-level", "info", "One of debug, info, warn, error.")
}

func setDefaults(v *viper.Viper) {
	p := pipeline.DefaultConfig()

	v.SetDefault("config", "")
	v.SetDefault("matrix_file", MATRIX_FILE)
	v.SetDefault("sandbox_dir", p.SandboxDir)
	v.SetDefault("work_dir", "")
	v.SetDefault("runtime_dir", p.RuntimeDir)
	v.SetDefault("ci_variable", driver.CI_VARIABLE)
	v.SetDefault("ci_value", driver.CI_VALUE)
	v.SetDefault("fail_fast", false)
	v.SetDefault("provision_only", false)
	v.SetDefault("strict", false)
	v.SetDefault("summary", false)
	v.SetDefault("jobs", 1)
	v.SetDefault("timeout", time.Duration(0))
	v.SetDefault("log_level", "info")
	v.SetDefault("installer.base_url", p.InstallerURL)
	v.SetDefault("installer.name", p.InstallerName)
	v.SetDefault("packages.conda", p.CondaPackages)
	v.SetDefault("packages.pip", p.PipPackages)
	v.SetDefault("packages.accelerated", p.AcceleratedPackages)
	v.SetDefault("tests.runner", p.TestRunner)
	v.SetDefault("lint.checkers", p.Checkers)
	v.SetDefault("lint.paths", p.LintPaths)
	v.SetDefault("lint.checklist", p.Checklist)
	v.SetDefault("coverage.uploader", p.Uploader)
}

// loadSettings merges defaults, the optional config file, TASKRUNNER_*
// environment variables and flags, in increasing order of precedence.
func loadSettings(flags *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return Settings{}, fmt.Errorf("could not bind flag %s: %v", flag, err)
		}
	}

	configFile := v.GetString("config")
	if configFile == "" {
		if _, err := os.Stat(CONFIG_FILE); err == nil {
			configFile = CONFIG_FILE
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Settings{}, fmt.Errorf("config file %s not found", configFile)
			}
			return Settings{}, fmt.Errorf("could not read config file %s: %v", configFile, err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return Settings{}, fmt.Errorf("could not decode configuration: %v", err)
	}
	if err := models.Validate(settings); err != nil {
		return Settings{}, fmt.Errorf("invalid configuration:\n%+v", err)
	}
	return settings, nil
}

func (s Settings) pipelineConfig(sandboxDir string) pipeline.Config {
	return pipeline.Config{
		SandboxDir:          sandboxDir,
		WorkDir:             s.WorkDir,
		RuntimeDir:          s.RuntimeDir,
		InstallerURL:        s.Installer.BaseURL,
		InstallerName:       s.Installer.Name,
		CondaPackages:       s.Packages.Conda,
		AcceleratedPackages: s.Packages.Accelerated,
		PipPackages:         s.Packages.Pip,
		TestRunner:          s.Tests.Runner,
		Checkers:            s.Lint.Checkers,
		LintPaths:           s.Lint.Paths,
		Checklist:           s.Lint.Checklist,
		Uploader:            s.Coverage.Uploader,
		FailFast:            s.FailFast,
		ProvisionOnly:       s.ProvisionOnly,
	}
}
