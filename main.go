// The main package for the archiver executable.
package main

import (
	"github.com/JakeFAU/readlater-archiver/cmd"
)

func main() {
	cmd.Execute()
}
