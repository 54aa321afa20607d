// Command varasto runs the self-hosted knowledge base.
package main

import (
	"fmt"
	"os"

	"github.com/varasto-kb/varasto/cmd/varasto/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
