package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"aster/internal/cli"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist)
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
