package main

import (
	"context"
	"fmt"
	"os"

	"github.com/petrijr/fluxhist/cmd/fluxhist/cmd"
)

// Version information, set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := cmd.NewRootCmd(version, commit)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
