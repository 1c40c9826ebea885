// Command netcore is the CLI entry point for the transfer core.
package main

import (
	"fmt"
	"os"

	"github.com/baiducore/netcore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
