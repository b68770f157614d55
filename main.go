package main

import (
	"fmt"
	"os"

	"github.com/malivvan/bthps3/cmd/cli"
)

var version = "dev"

func main() {
	if err := cli.New(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", cli.Explain(err))
		os.Exit(1)
	}
}
