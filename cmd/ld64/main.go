// Command ld64 is a thin cobra front-end over the link package: it parses
// flags into a link.Options value and calls link.Link.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
