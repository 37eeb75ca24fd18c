package pipeline

import "path/filepath"

const (
	SANDBOX_DIR    = ".test_sandbox"
	RUNTIME_DIR    = "conda"
	INSTALLER_NAME = "Miniconda3-3.7.3-Linux-x86_64.sh"
	INSTALLER_URL  = "https://repo.continuum.io/miniconda/"
)

// Config holds everything about the pipeline that does not change between
// build environments.
type Config struct {
	SandboxDir    string
	RuntimeDir    string
	InstallerURL  string
	InstallerName string
	// WorkDir is where the project's commands run. Empty means the current
	// directory.
	WorkDir string

	CondaPackages       []string
	AcceleratedPackages []string
	PipPackages         []string

	TestRunner string
	Checkers   []string
	LintPaths  []string
	Checklist  string
	Uploader   string

	// FailFast stops a run at the first failing step. By default every
	// step runs whatever happened before it.
	FailFast bool
	// ProvisionOnly limits a run to installing the runtime.
	ProvisionOnly bool
}

func DefaultConfig() Config {
	return Config{
		SandboxDir:    SANDBOX_DIR,
		RuntimeDir:    RUNTIME_DIR,
		InstallerURL:  INSTALLER_URL,
		InstallerName: INSTALLER_NAME,

		CondaPackages:       []string{"scipy", "pandas", "nose", "pep8", "Sphinx", "IPython"},
		AcceleratedPackages: []string{"cython"},
		PipPackages: []string{
			"sphinx-bootstrap-theme", "future", "six", "coveralls",
			"natsort", "pyflakes", "flake8", "python-dateutil",
		},

		TestRunner: "nosetests",
		Checkers:   []string{"pep8", "flake8"},
		LintPaths:  []string{"setup.py", "checklist.py"},
		Checklist:  "./checklist.py",
		Uploader:   "coveralls",
	}
}

// RuntimePath is where the runtime installer puts its files.
func (c Config) RuntimePath() string {
	return filepath.Join(c.SandboxDir, c.RuntimeDir)
}

func (c Config) InstallerPath() string {
	return filepath.Join(c.SandboxDir, c.InstallerName)
}

// EnvironmentPath is the directory of the named package environment.
func (c Config) EnvironmentPath(name string) string {
	return filepath.Join(c.RuntimePath(), "envs", name)
}
