// Command mfactl runs operator actions on second-factor accounts: grant,
// provision, unblock, revoke and status.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mfactl:", err)
		os.Exit(1)
	}
}
