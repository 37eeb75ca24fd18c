package envscope

import (
	"os"
	"testing"

	"github.com/opnlabs/taskrunner/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	SETKEY   = "TASKRUNNER_TEST_SET"
	UNSETKEY = "TASKRUNNER_TEST_UNSET"
)

func lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

func TestApplyRestore(t *testing.T) {
	t.Setenv(SETKEY, "before")
	t.Setenv(UNSETKEY, "")
	os.Unsetenv(UNSETKEY)

	env := models.NewBuildEnvironment("", [2]string{SETKEY, "during"}, [2]string{UNSETKEY, "new"})
	snapshot, err := Apply(env)
	require.NoError(t, err)

	v, _ := lookup(SETKEY)
	assert.Equal(t, "during", v)
	v, ok := lookup(UNSETKEY)
	assert.True(t, ok)
	assert.Equal(t, "new", v)

	// whatever the run does to the same keys is undone
	os.Setenv(SETKEY, "changed")
	os.Unsetenv(UNSETKEY)

	Restore(snapshot)
	v, _ = lookup(SETKEY)
	assert.Equal(t, "before", v)
	_, ok = lookup(UNSETKEY)
	assert.False(t, ok)

	Restore(snapshot)
	v, _ = lookup(SETKEY)
	assert.Equal(t, "before", v)
	_, ok = lookup(UNSETKEY)
	assert.False(t, ok)
}

func TestApplyUnsetPath(t *testing.T) {
	t.Setenv("PATH", "")
	os.Unsetenv("PATH")

	snapshot, err := Apply(models.NewBuildEnvironment("", [2]string{"PATH", "/x"}))
	require.NoError(t, err)
	assert.Equal(t, "/x", os.Getenv("PATH"))

	Restore(snapshot)
	_, ok := lookup("PATH")
	assert.False(t, ok)
}

func TestApplyLeavesOtherKeys(t *testing.T) {
	t.Setenv("TASKRUNNER_TEST_OTHER", "untouched")

	snapshot, err := Apply(models.NewBuildEnvironment("", [2]string{SETKEY, "x"}))
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, SETKEY, snapshot[0].Key)

	os.Setenv("TASKRUNNER_TEST_OTHER", "run changed it")
	Restore(snapshot)
	assert.Equal(t, "run changed it", os.Getenv("TASKRUNNER_TEST_OTHER"))
}
