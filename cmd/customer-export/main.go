// Command customer-export incrementally exports customers from a paginated
// API into a local record store and retries rate-limited runs through a
// Redis delayed queue.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
