package utils

import (
	"bytes"
	"io"
	"sync"

	"github.com/fatih/color"
)

var palette = []color.Attribute{color.FgYellow, color.FgGreen, color.FgCyan, color.FgMagenta, color.FgBlue}

var (
	paletteIndex = -1
	paletteLock  sync.Mutex
)

const MaxNameLength = 24

// ColorLogger is an io.Writer that starts every line with a colored
// "name | " label, so output of concurrent environments stays readable.
type ColorLogger struct {
	mu          sync.Mutex
	name        string
	writer      io.Writer
	color       *color.Color
	atLineStart bool
}

// NextColor hands out palette colors in turn. Writers of one environment
// should share the color they got from a single call.
func NextColor() color.Attribute {
	paletteLock.Lock()
	defer paletteLock.Unlock()

	paletteIndex = (paletteIndex + 1) % len(palette)
	return palette[paletteIndex]
}

func NewColorLogger(name string, writer io.Writer, attr color.Attribute) *ColorLogger {
	if len(name) > MaxNameLength {
		name = name[:MaxNameLength-3] + "..."
	}

	return &ColorLogger{
		name:        name,
		writer:      writer,
		color:       color.New(attr),
		atLineStart: true,
	}
}

func (c *ColorLogger) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(p)
	var buf bytes.Buffer
	for len(p) > 0 {
		if c.atLineStart {
			buf.WriteString(c.color.Sprint(c.name, " | "))
			c.atLineStart = false
		}
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			buf.Write(p)
			break
		}
		buf.Write(p[:i+1])
		p = p[i+1:]
		c.atLineStart = true
	}

	if _, err := c.writer.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return n, nil
}
