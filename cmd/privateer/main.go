package main

import (
	"fmt"
	"os"

	"github.com/karimyoussef91/privateer/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
