// Package main is the crashproc executable.
package main

import (
	"github.com/JakeFAU/crash-processor/cmd"
)

func main() {
	cmd.Execute()
}
