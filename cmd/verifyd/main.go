// Command verifyd is the autonomous agent verification engine.
package main

import (
	"fmt"
	"os"

	"github.com/bottomfeed/verifyd/internal/cli"
)

func main() {
	if err := cli.Execute(os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "verifyd: %v\n", err)
		os.Exit(1)
	}
}
