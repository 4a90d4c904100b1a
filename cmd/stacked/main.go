// Command stacked queries the aggregated media catalogs from a terminal.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(openCatalog).Execute(); err != nil {
		os.Exit(1)
	}
}
