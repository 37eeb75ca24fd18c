package driver

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/opnlabs/taskrunner/pkg/matrix"
	"github.com/opnlabs/taskrunner/pkg/models"
	"github.com/opnlabs/taskrunner/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const TESTVAR = "TASKRUNNER_DRIVER_TEST"

type run struct {
	env     models.BuildEnvironment
	target  string
	ambient string
	present bool
}

type fakeRunner struct {
	mu     sync.Mutex
	runs   []run
	status map[string]int
}

func (f *fakeRunner) Run(ctx context.Context, env models.BuildEnvironment, target string) (pipeline.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := os.LookupEnv(TESTVAR)
	f.runs = append(f.runs, run{env: env, target: target, ambient: v, present: ok})
	os.Setenv(TESTVAR, "clobbered by run")

	python, _ := env.Get(models.PythonVersion)
	return pipeline.Report{Environment: env.String(), State: pipeline.Done, ExitStatus: f.status[python]}, nil
}

func (f *fakeRunner) factory(stdout, stderr io.Writer) PipelineRunner {
	return f
}

func writeMatrix(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".travis.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func newTestDriver(opts Options, f *fakeRunner) *Driver {
	return New(opts, f.factory, log.New(io.Discard))
}

func TestExecuteMatrix(t *testing.T) {
	t.Setenv("TRAVIS", "")
	t.Setenv(TESTVAR, "")
	os.Unsetenv(TESTVAR)

	path := writeMatrix(t, `
env:
  - PYTHON_VERSION=3.4 `+TESTVAR+`=first
  - PYTHON_VERSION=2.7 `+TESTVAR+`=second
`)
	f := &fakeRunner{status: map[string]int{"3.4": 1}}
	d := newTestDriver(Options{MatrixFile: path}, f)

	status, err := d.Execute(context.Background(), "skbio")
	require.NoError(t, err)

	require.Len(t, f.runs, 2)
	assert.Equal(t, "first", f.runs[0].ambient)
	assert.Equal(t, "second", f.runs[1].ambient)
	assert.Equal(t, "skbio", f.runs[1].target)
	assert.Equal(t, 0, status)

	_, ok := os.LookupEnv(TESTVAR)
	assert.False(t, ok, "variables leaked out of the run")
	assert.Len(t, d.Reports(), 2)
}

func TestExecuteLastStatusWins(t *testing.T) {
	t.Setenv("TRAVIS", "")
	path := writeMatrix(t, "env:\n  - PYTHON_VERSION=3.4\n  - PYTHON_VERSION=2.7\n")
	f := &fakeRunner{status: map[string]int{"2.7": 4}}

	status, err := newTestDriver(Options{MatrixFile: path}, f).Execute(context.Background(), "skbio")
	require.NoError(t, err)
	assert.Equal(t, 4, status)
}

func TestExecuteExternallyManaged(t *testing.T) {
	t.Setenv("TRAVIS", "true")
	t.Setenv(models.PythonVersion, "3.4")
	t.Setenv(models.WithDoctest, "True")
	t.Setenv(TESTVAR, "ambient")

	f := &fakeRunner{}
	d := newTestDriver(Options{MatrixFile: filepath.Join(t.TempDir(), "missing.yml")}, f)
	require.True(t, d.ExternallyManaged())

	status, err := d.Execute(context.Background(), "skbio")
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	require.Len(t, f.runs, 1)
	assert.Equal(t, "ambient", f.runs[0].ambient)
	assert.Equal(t, map[string]string{models.PythonVersion: "3.4", models.WithDoctest: "True"}, f.runs[0].env.Map())

	// no snapshot was taken, so the run's own change stays
	assert.Equal(t, "clobbered by run", os.Getenv(TESTVAR))
}

func TestExecuteExternallyManagedProvisionOnly(t *testing.T) {
	t.Setenv("TRAVIS", "TRUE")
	for _, k := range models.KnownVariables {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	f := &fakeRunner{}
	d := newTestDriver(Options{MatrixFile: filepath.Join(t.TempDir(), "missing.yml"), ProvisionOnly: true}, f)

	status, err := d.Execute(context.Background(), "skbio")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	require.Len(t, f.runs, 1)
	assert.Equal(t, 0, f.runs[0].env.Len())

	_, err = newTestDriver(Options{MatrixFile: filepath.Join(t.TempDir(), "missing.yml")}, f).
		Execute(context.Background(), "skbio")
	assert.ErrorIs(t, err, models.ErrInvalidSettings)
}

func TestExecuteProvisionOnlySkipsSettings(t *testing.T) {
	t.Setenv("TRAVIS", "")
	path := writeMatrix(t, "env:\n  - NUMPY_VERSION=1.9\n")

	f := &fakeRunner{}
	status, err := newTestDriver(Options{MatrixFile: path, ProvisionOnly: true}, f).Execute(context.Background(), "skbio")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Len(t, f.runs, 1)
}

func TestExecuteEmptyMatrix(t *testing.T) {
	t.Setenv("TRAVIS", "")
	path := writeMatrix(t, "env: []\n")

	f := &fakeRunner{}
	d := newTestDriver(Options{MatrixFile: path}, f)
	status, err := d.Execute(context.Background(), "skbio")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Empty(t, f.runs)
	assert.Empty(t, d.Reports())
}

func TestExecuteLoadErrors(t *testing.T) {
	t.Setenv("TRAVIS", "")

	f := &fakeRunner{}
	_, err := newTestDriver(Options{MatrixFile: filepath.Join(t.TempDir(), "missing.yml")}, f).
		Execute(context.Background(), "skbio")
	assert.ErrorIs(t, err, matrix.ErrConfigNotFound)

	path := writeMatrix(t, "env:\n  - PYTHON_VERSION=3.4\n  - NUMPY_VERSION=1.9\n")
	_, err = newTestDriver(Options{MatrixFile: path}, f).Execute(context.Background(), "skbio")
	assert.ErrorIs(t, err, models.ErrInvalidSettings)

	path = writeMatrix(t, "env:\n  - PYTHON_VERSION=3.4 EXTRA=1\n")
	_, err = newTestDriver(Options{MatrixFile: path, Strict: true}, f).Execute(context.Background(), "skbio")
	assert.ErrorIs(t, err, models.ErrInvalidSettings)

	assert.Empty(t, f.runs)
}

func TestExecuteParallel(t *testing.T) {
	t.Setenv("TRAVIS", "")
	t.Setenv(TESTVAR, "")
	os.Unsetenv(TESTVAR)

	path := writeMatrix(t, `
env:
  - PYTHON_VERSION=3.4 `+TESTVAR+`=first
  - PYTHON_VERSION=2.7
  - PYTHON_VERSION=3.3
`)
	f := &fakeRunner{status: map[string]int{"2.7": 2}}
	d := newTestDriver(Options{MatrixFile: path, Jobs: 3}, f)

	status, err := d.Execute(context.Background(), "skbio")
	require.NoError(t, err)
	assert.Equal(t, 2, status)
	require.Len(t, f.runs, 3)
	for _, r := range f.runs {
		if r.present {
			assert.Equal(t, "clobbered by run", r.ambient, "parallel runs must not export variables")
		}
	}
	assert.Len(t, d.Reports(), 3)
	assert.Equal(t, "PYTHON_VERSION=3.4 "+TESTVAR+"=first", d.Reports()[0].Environment)
}

func TestSummary(t *testing.T) {
	t.Setenv("TRAVIS", "")
	path := writeMatrix(t, "env:\n  - PYTHON_VERSION=3.4\n")
	d := newTestDriver(Options{MatrixFile: path}, &fakeRunner{})
	_, err := d.Execute(context.Background(), "skbio")
	require.NoError(t, err)

	var b bytes.Buffer
	d.Summary(&b)
	assert.Contains(t, b.String(), "PYTHON_VERSION=3.4")
	assert.Contains(t, b.String(), "ok")
}
