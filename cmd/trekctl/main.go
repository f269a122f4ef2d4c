// Command trekctl operates on Trek users directly against the configured
// remote store: seeding accounts, buying items and recording activity.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
