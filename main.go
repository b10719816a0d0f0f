package main

import (
	"os"

	"taskforge/cmd"
	"taskforge/internal/util"
)

func main() {
	if err := cmd.Execute(); err != nil {
		util.Fail("%v", err)
		os.Exit(1)
	}
}
