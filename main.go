package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/ekaya-inc/ekaya-import/pkg/cli"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	if err := cli.NewRootCmd(Version).Execute(); err != nil {
		os.Exit(1)
	}
}
