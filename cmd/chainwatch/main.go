// Command chainwatch follows files through symlink chains and reacts when
// the file at the end of the chain appears, changes or disappears.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chainwatch: %v\n", err)
		os.Exit(1)
	}
}
