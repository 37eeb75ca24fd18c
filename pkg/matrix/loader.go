// Package matrix reads the build matrix out of a CI configuration file.
package matrix

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opnlabs/taskrunner/pkg/models"
	"gopkg.in/yaml.v3"
)

var (
	ErrConfigNotFound    = errors.New("matrix: config file not found")
	ErrConfigParse       = errors.New("matrix: could not parse config file")
	ErrMalformedVariable = errors.New("matrix: variables should be defined as KEY=VALUE")
)

// Load reads the env list from the file at path and returns one
// BuildEnvironment per list entry, in file order. An empty list yields no
// environments.
func Load(path string) ([]models.BuildEnvironment, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %v", path, err)
	}
	return Parse(contents)
}

// Parse is Load without the file access.
func Parse(contents []byte) ([]models.BuildEnvironment, error) {
	var matrixFile models.MatrixFile
	if err := yaml.Unmarshal(contents, &matrixFile); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
	}
	if err := models.Validate(matrixFile); err != nil {
		return nil, fmt.Errorf("%w: env list is missing: %v", ErrConfigParse, err)
	}

	var global [][2]string
	for i, line := range matrixFile.Env.Global {
		pairs, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("global entry %d: %w", i+1, err)
		}
		global = append(global, pairs...)
	}

	envs := make([]models.BuildEnvironment, 0, len(matrixFile.Env.Matrix))
	for i, line := range matrixFile.Env.Matrix {
		pairs, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("env entry %d: %w", i+1, err)
		}
		all := append(append([][2]string{}, global...), pairs...)
		envs = append(envs, models.NewBuildEnvironment(strings.TrimSpace(line), all...))
	}
	return envs, nil
}

// ParseLine splits a whitespace separated list of KEY=value tokens.
func ParseLine(line string) ([][2]string, error) {
	tokens := strings.Fields(line)
	pairs := make([][2]string, 0, len(tokens))
	for _, token := range tokens {
		key, value, err := ParseVariable(token)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs, nil
}

// ParseVariable splits token on its first '='. Single quotes are dropped
// from the value; nothing else about the value is interpreted.
func ParseVariable(token string) (string, string, error) {
	key, value, ok := strings.Cut(token, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedVariable, token)
	}
	return key, strings.ReplaceAll(value, "'", ""), nil
}
