package main

import (
	"fmt"
	"os"
)

var version = "dev" // is set during build process

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
