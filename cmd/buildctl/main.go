// Command buildctl is the CLI entry point for the incremental build
// executor: it loads a manifest, wires the graph/runner/log
// components together, and runs one build invocation to completion.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
