// Sigraph - Interface signature graph engine for trait-heavy codebases.
//
// Sigraph indexes a Rust workspace into a persistent signature graph,
// enabling O(1) entity lookup, caller and implementer queries, blast
// radius analysis, and cited context export.
package main

import (
	"fmt"
	"os"

	"github.com/sigraph-io/sigraph/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cmd.ExitCode(err))
	}
}
