package main

import (
	"os"

	"github.com/willibrandon/stepwatch/cmd/stepwatch/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
