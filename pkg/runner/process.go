package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"mvdan.cc/sh/v3/syntax"
)

var ErrCommandFailed = errors.New("runner: command exited with a non-zero status")

type LogOptions struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *log.Logger
}

// ProcessRunner runs a single external command on the host and waits for it.
type ProcessRunner struct {
	name       string
	cmd        []string
	env        map[string]string
	dir        string
	logOptions LogOptions
}

func NewProcessRunner(name string, logOptions LogOptions) *ProcessRunner {
	if logOptions.Stdout == nil {
		logOptions.Stdout = os.Stdout
	}
	if logOptions.Stderr == nil {
		logOptions.Stderr = os.Stderr
	}
	if logOptions.Logger == nil {
		logOptions.Logger = log.Default()
	}

	return &ProcessRunner{
		name:       name,
		logOptions: logOptions,
	}
}

func (p *ProcessRunner) WithCmd(cmd []string) *ProcessRunner {
	p.cmd = cmd
	return p
}

// WithEnv sets variables on top of the current process environment.
func (p *ProcessRunner) WithEnv(env map[string]string) *ProcessRunner {
	p.env = env
	return p
}

func (p *ProcessRunner) WithDir(dir string) *ProcessRunner {
	p.dir = dir
	return p
}

// Run starts the command and blocks until it exits. It returns the exit
// code; a command that could not be started reports -1.
func (p *ProcessRunner) Run(ctx context.Context) (int, error) {
	if len(p.cmd) == 0 {
		return -1, fmt.Errorf("no command given for %s", p.name)
	}

	cmd := exec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
	cmd.Dir = p.dir
	cmd.Stdout = p.logOptions.Stdout
	cmd.Stderr = p.logOptions.Stderr
	cmd.Env = mergeEnv(os.Environ(), p.env)

	p.logOptions.Logger.Debug("running command", "step", p.name, "cmd", Quote(p.cmd))

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), fmt.Errorf("%w: %s: exit status %d", ErrCommandFailed, p.name, exitErr.ExitCode())
	default:
		return -1, fmt.Errorf("unable to run %s: %w", p.name, err)
	}
}

// mergeEnv overrides entries of base with env. Keys of env are appended in
// sorted order so the result does not depend on map iteration.
func mergeEnv(base []string, env map[string]string) []string {
	if len(env) == 0 {
		return base
	}

	out := make([]string, 0, len(base)+len(env))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := env[k]; ok {
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Quote renders args as a line that could be pasted into a shell.
func Quote(args []string) string {
	quoted := make([]string, 0, len(args))
	for _, a := range args {
		q, err := syntax.Quote(a, syntax.LangBash)
		if err != nil {
			q = fmt.Sprintf("%q", a)
		}
		quoted = append(quoted, q)
	}
	return strings.Join(quoted, " ")
}
