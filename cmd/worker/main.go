package main

import (
	"fmt"
	"os"

	"segment-coordinator/internal/cli"
)

func main() {
	if err := cli.BuildWorkerCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
