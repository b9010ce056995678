package main

import (
	"fmt"
	"os"

	"github.com/seantiz/mequeue/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mequeue:", err)
		os.Exit(1)
	}
}
