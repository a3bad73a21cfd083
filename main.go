// The main package for the boostserve executable.
package main

import (
	"github.com/JakeFAU/boostserve/cmd"
)

func main() {
	cmd.Execute()
}
