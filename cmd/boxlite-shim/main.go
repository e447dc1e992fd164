// Command boxlite-shim is the subprocess the lifecycle controller execs
// for every box. It parses the instance spec written by box/start.go and
// hands off to the shim package, mirroring original_source's
// bin/shim/main.rs entrypoint translated into the teacher's CLI idiom
// (a flag-parsed binary with a single responsibility).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/boxlite/boxlite/shim"
)

func main() {
	specPath := flag.String("spec", "", "path to the serialized instance spec")
	flag.Parse()

	if *specPath == "" {
		fmt.Fprintln(os.Stderr, "boxlite-shim: --spec is required")
		os.Exit(2) //nolint:mnd
	}

	if err := shim.Recover(func() error { return shim.Run(*specPath) }); err != nil {
		fmt.Fprintln(os.Stderr, "boxlite-shim:", err)
		os.Exit(1)
	}
}
