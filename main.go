// Taskrunner runs a project's test pipeline once for every environment of
// its CI build matrix.
//
// Each environment gets its own conda environment inside a shared sandbox,
// so a local run reproduces what the CI service would do.
package main

import (
	"github.com/opnlabs/taskrunner/cmd/taskrunner"
)

func main() {
	taskrunner.Execute()
}
