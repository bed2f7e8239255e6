// terralens-auth manages platform credentials from the command line:
// logging in with any supported grant, refreshing, inspecting and
// revoking the stored credential. Configuration comes from flags,
// TERRALENS_* environment variables and an optional .env file, in that
// order of precedence.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env file is the normal case.
	_ = godotenv.Load()

	cmd, err := newRootCmd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
