// Command vaultctl is the operator CLI for VaultAPI.
package main

import (
	"fmt"
	"os"

	"github.com/vaultapi/vaultapi/cmd/vaultctl/cli"
)

// Set via -ldflags at build time
var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
