// persistctl inspects the databases and files of one context root.
package main

import (
	"fmt"
	"os"
)

func main() {
	rc, err := Cli(os.Args[1:], NewCliConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "persistctl: %s\n", err)
	}
	os.Exit(rc)
}
