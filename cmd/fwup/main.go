// Command fwup is the CLI front end over the apply/create/list/metadata/
// sign/verify/genkeys library operations in internal/. It owns flag
// parsing, key loading, and device enumeration/unmount -- the "external
// collaborators" spec.md §1 calls out -- wired through github.com/spf13/
// cobra, matching how os-image-composer structures its own subcommands.
//
// Grounded on original_source/src/fwup.c's getopt_long option table and
// main() dispatch switch.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
