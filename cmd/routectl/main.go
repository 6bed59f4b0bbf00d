// Command routectl manages routing data in the gateway's store: override
// mappings, the blocked-model set, and provider endpoints. It reads the
// same config file as the gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "routectl:", err)
		os.Exit(1)
	}
}
