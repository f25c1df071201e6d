package main

import (
	"fmt"
	"os"

	"fleetfw.io/fleetfw/cmd/fleetfwctl/app"
)

func main() {
	if err := app.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetfwctl: %v\n", err)
		os.Exit(1)
	}
}
