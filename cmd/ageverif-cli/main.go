// Command ageverif-cli drives the age verification gateway from a terminal:
// run a verification attempt, query an order's status or send a signed
// webhook.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
