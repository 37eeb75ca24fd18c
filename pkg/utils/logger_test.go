package utils

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestColorLogger(t *testing.T) {
	color.NoColor = true

	var b bytes.Buffer
	l := NewColorLogger("py3-4", &b, NextColor())

	n, err := l.Write([]byte("first\nsec"))
	assert.NoError(t, err)
	assert.Equal(t, 9, n)
	l.Write([]byte("ond\nthird\n"))

	assert.Equal(t, "py3-4 | first\npy3-4 | second\npy3-4 | third\n", b.String())
}

func TestColorLoggerTruncatesName(t *testing.T) {
	color.NoColor = true

	var b bytes.Buffer
	l := NewColorLogger("PYTHON_VERSION=2.7 NUMPY_VERSION=1.7", &b, NextColor())
	l.Write([]byte("x\n"))

	assert.Equal(t, "PYTHON_VERSION=2.7 NU... | x\n", b.String())
}

func TestColorLoggerWritersShareColor(t *testing.T) {
	color.NoColor = false
	t.Cleanup(func() { color.NoColor = true })

	type pair struct{ stdout, stderr bytes.Buffer }
	pairs := make([]pair, 2*len(palette))

	var wg sync.WaitGroup
	for i := range pairs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attr := NextColor()
			NewColorLogger("env", &pairs[i].stdout, attr).Write([]byte("out\n"))
			NewColorLogger("env", &pairs[i].stderr, attr).Write([]byte("err\n"))
		}()
	}
	wg.Wait()

	for _, p := range pairs {
		outPrefix, _, _ := strings.Cut(p.stdout.String(), "out")
		errPrefix, _, _ := strings.Cut(p.stderr.String(), "err")
		assert.Equal(t, outPrefix, errPrefix)
	}

	first, second := NextColor(), NextColor()
	assert.NotEqual(t, first, second)
}
