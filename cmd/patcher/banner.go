package main

import (
	"fmt"
	"io"
	"strings"
)

// printBanner writes the startup banner shown before a reconcile run
func printBanner(w io.Writer) {
	fmt.Fprintf(w, "patcher %s\n", version)
	fmt.Fprintln(w, "manifest-driven patch download utility")
	fmt.Fprintf(w, "\n%s\n", strings.Repeat("-", 100))
}
