package models

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrInvalidSettings = errors.New("models: invalid build settings")

// Variable names understood by the pipeline.
const (
	PythonVersion     = "PYTHON_VERSION"
	NumpyVersion      = "NUMPY_VERSION"
	MatplotlibVersion = "MATPLOTLIB_VERSION"
	UseCython         = "USE_CYTHON"
	WithDoctest       = "WITH_DOCTEST"
)

var KnownVariables = []string{PythonVersion, NumpyVersion, MatplotlibVersion, UseCython, WithDoctest}

// MatrixFile is the subset of a CI configuration file the runner reads.
// Env accepts either a plain list of lines or a mapping with global and
// matrix lists.
type MatrixFile struct {
	Env EnvList `yaml:"env"`
}

// EnvList is Defined once a list was decoded, even an empty one. A missing
// or null env field leaves it unset.
type EnvList struct {
	Global  []string `yaml:"global"`
	Matrix  []string `yaml:"matrix"`
	Defined bool     `yaml:"-" validate:"eq=true"`
}

func (e *EnvList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&e.Matrix); err != nil {
			return err
		}
		e.Defined = true
		return nil
	case yaml.MappingNode:
		var m struct {
			Global []string `yaml:"global"`
			Matrix []string `yaml:"matrix"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		e.Global, e.Matrix = m.Global, m.Matrix
		e.Defined = m.Matrix != nil
		return nil
	default:
		return fmt.Errorf("line %d: env must be a list or a mapping", node.Line)
	}
}

type binding struct {
	key   string
	value string
}

// BuildEnvironment is one point of the test matrix: an ordered set of
// variable bindings. It is not modified after construction.
type BuildEnvironment struct {
	name     string
	bindings []binding
}

// NewBuildEnvironment builds an environment from pairs of keys and values.
// A repeated key keeps its first position and takes the later value.
func NewBuildEnvironment(name string, pairs ...[2]string) BuildEnvironment {
	env := BuildEnvironment{name: name}
	for _, p := range pairs {
		if i := env.index(p[0]); i >= 0 {
			env.bindings[i].value = p[1]
			continue
		}
		env.bindings = append(env.bindings, binding{key: p[0], value: p[1]})
	}
	return env
}

// EnvironmentFromMap is used when the variables come from somewhere without
// an inherent order, such as the ambient process environment.
func EnvironmentFromMap(name string, vars map[string]string) BuildEnvironment {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, vars[k]})
	}
	return NewBuildEnvironment(name, pairs...)
}

func (b BuildEnvironment) index(key string) int {
	for i, v := range b.bindings {
		if v.key == key {
			return i
		}
	}
	return -1
}

func (b BuildEnvironment) Name() string {
	return b.name
}

func (b BuildEnvironment) Len() int {
	return len(b.bindings)
}

func (b BuildEnvironment) Get(key string) (string, bool) {
	if i := b.index(key); i >= 0 {
		return b.bindings[i].value, true
	}
	return "", false
}

// Keys returns the variable names in source order.
func (b BuildEnvironment) Keys() []string {
	keys := make([]string, 0, len(b.bindings))
	for _, v := range b.bindings {
		keys = append(keys, v.key)
	}
	return keys
}

func (b BuildEnvironment) Map() map[string]string {
	m := make(map[string]string, len(b.bindings))
	for _, v := range b.bindings {
		m[v.key] = v.value
	}
	return m
}

// Environ renders the bindings as KEY=value strings.
func (b BuildEnvironment) Environ() []string {
	out := make([]string, 0, len(b.bindings))
	for _, v := range b.bindings {
		out = append(out, v.key+"="+v.value)
	}
	return out
}

func (b BuildEnvironment) String() string {
	if b.name != "" {
		return b.name
	}
	return strings.Join(b.Environ(), " ")
}

// BuildSettings is the typed view of a BuildEnvironment.
type BuildSettings struct {
	PythonVersion     string `validate:"required,version"`
	NumpyVersion      string `validate:"omitempty,version"`
	MatplotlibVersion string `validate:"omitempty,version"`
	UseCython         bool
	WithDoctest       bool
}

var versionPattern = regexp.MustCompile(`^[0-9A-Za-z.*]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("version", func(fl validator.FieldLevel) bool {
		return versionPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks a struct against its validate tags.
func Validate(s any) error {
	return validate.Struct(s)
}

// DecodeSettings reads the typed settings out of env. When strict is set,
// variables the pipeline does not know about are rejected.
func DecodeSettings(env BuildEnvironment, strict bool) (BuildSettings, error) {
	if strict {
		for _, k := range env.Keys() {
			if !slices.Contains(KnownVariables, k) {
				return BuildSettings{}, fmt.Errorf("%w: %s: unknown variable %s", ErrInvalidSettings, env, k)
			}
		}
	}

	flag := func(key string) bool {
		v, _ := env.Get(key)
		return v != ""
	}
	value := func(key string) string {
		v, _ := env.Get(key)
		return v
	}

	s := BuildSettings{
		PythonVersion:     value(PythonVersion),
		NumpyVersion:      value(NumpyVersion),
		MatplotlibVersion: value(MatplotlibVersion),
		UseCython:         flag(UseCython),
		WithDoctest:       flag(WithDoctest),
	}
	if err := Validate(s); err != nil {
		return BuildSettings{}, fmt.Errorf("%w: %s: %v", ErrInvalidSettings, env, err)
	}
	return s, nil
}
