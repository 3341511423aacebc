package main

import (
	"fmt"
	"os"

	"github.com/unclebandit/outreach-scheduler/cmd/worker/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
