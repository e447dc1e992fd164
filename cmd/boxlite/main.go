// Command boxlite is the CLI front-end for the box lifecycle controller,
// finishing the cobra+viper migration cocoon's cmd/root.go started but
// never wired to a main package.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
