// Package envscope applies a build environment to the process environment
// and puts the previous values back afterwards.
package envscope

import (
	"os"

	"github.com/opnlabs/taskrunner/pkg/models"
)

// Entry is the state of one variable before Apply touched it.
type Entry struct {
	Key     string
	Value   string
	Present bool
}

type Snapshot []Entry

// Apply records the current value of every variable in env and then sets
// them. All values are captured before the first one is changed.
func Apply(env models.BuildEnvironment) (Snapshot, error) {
	snapshot := Capture(env.Keys())
	for _, k := range env.Keys() {
		v, _ := env.Get(k)
		if err := os.Setenv(k, v); err != nil {
			Restore(snapshot)
			return nil, err
		}
	}
	return snapshot, nil
}

func Capture(keys []string) Snapshot {
	snapshot := make(Snapshot, 0, len(keys))
	for _, k := range keys {
		v, ok := os.LookupEnv(k)
		snapshot = append(snapshot, Entry{Key: k, Value: v, Present: ok})
	}
	return snapshot
}

// Restore puts every recorded variable back: absent ones are unset, the
// rest get their old value. Restoring twice leaves the same state.
func Restore(snapshot Snapshot) {
	for _, e := range snapshot {
		if e.Present {
			os.Setenv(e.Key, e.Value)
		} else {
			os.Unsetenv(e.Key)
		}
	}
}
