package main

import (
	"log"

	"maxprobectl/cmd"
)

func main() {
	// keep main tiny; cmd.Execute implements CLI and server bootstrap
	if err := cmd.Execute(); err != nil {
		log.Fatalf("maxprobectl: %v", err)
	}
}
