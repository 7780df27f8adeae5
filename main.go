package main

import (
	"os"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
